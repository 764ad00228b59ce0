// Package main hosts the enforcer CLI entrypoint and command graph.
//
// The Cobra command tree either serves the HTTP API (serve) or runs one
// bounded operation directly against the local store: a send queue cycle, a
// deadline check, a precision report or scan history. Every invocation is
// stateless, so the same commands can be driven by cron or a container
// scheduler in place of the HTTP triggers.
//
// Keep this package lean: add functionality to the internal packages first,
// then surface it here.
package main
