// Package logging assembles structured slog loggers and formatting helpers used
// across enforcer components.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so queue, deadline and scan code
// can tag log lines with infringement, queue item and tenant identifiers. The
// package also provides a no-op logger for tests and wiring code that cannot fail.
package logging
