// Package enforcement holds the enforcement pipeline's data model and the
// legal-transition tables for every stateful entity.
//
// Infringements, queue items and takedowns each carry a closed status type
// and an explicit (current, event) -> next function. Persistence layers and
// processors call these functions before writing so illegal moves are
// rejected at the transition boundary rather than by string comparison
// scattered across callers.
//
// The package has no I/O; it is safe to use from tests, the store and the
// HTTP layer alike.
package enforcement
