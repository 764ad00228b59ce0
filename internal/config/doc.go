// Package config loads, normalizes, and validates enforcer configuration.
//
// Load resolves the config path, decodes TOML over Default(), expands paths,
// fills secrets from the environment, and runs Validate so callers receive a
// ready-to-use Config. The embedded sample config backs `enforcer config init`.
package config
