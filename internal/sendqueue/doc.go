// Package sendqueue turns enqueued takedown targets into delivered notices.
//
// Enqueue and EnqueueProduct create batches of queue items in target order.
// ProcessCycle is a bounded, stateless unit of work: it reclaims stale claims,
// atomically claims due items, dispatches them concurrently through the
// delivery router without holding any store lock, and commits each outcome on
// its own. Failed dispatches are retried with bounded exponential backoff and
// become terminally failed after the configured attempt budget, at which point
// MarkManuallySubmitted is the way to close them.
package sendqueue
