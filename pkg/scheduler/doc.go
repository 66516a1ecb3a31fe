// Package scheduler drives the pipeline lifecycle: the trigger turns due
// schedules into queue entries, the worker claims entries and admits them
// through quota reservation before dispatch, and the reclaimer frees
// capacity leaked by runs that never reported completion.
package scheduler
