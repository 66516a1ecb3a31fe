// Package async provides safe goroutine helpers for fire-and-forget work
// such as run dispatch and webhook emission. Every helper recovers panics
// and bounds the work with a timeout so a misbehaving side effect cannot
// take down the scheduler.
package async
