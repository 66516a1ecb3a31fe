// Package api is the HTTP admin surface of the scheduler: manual trigger
// and queue-drain endpoints, quota inspection and resets, on-demand runs,
// and the executor completion callback.
package api
