// Package deadlines reviews open enforcement records against response windows.
//
// Every check is a read-mostly, idempotent pass over current store state.
// Overdue markers are stamped only once, and escalation suggestions are
// re-derived on every run from what is queued right now, so a second run in the
// same period never proposes an escalation that the first run already acted on.
package deadlines
