// Package notifications delivers enforcement events via pluggable notifiers.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and gracefully degrades to a no-op when notifications are
// disabled. Each event family can be switched off independently so operators
// only hear about the signals they act on.
//
// Queue, deadline and scan code depends only on the Service interface.
package notifications
