// Package services defines shared utilities consumed by the enforcement
// components and their external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp queue item IDs, infringement IDs, tenants,
//     and correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper that translate failures
//     into the pipeline's error taxonomy (transient vs permanent delivery
//     failures, illegal transitions, authorization failures).
//
// Use these helpers when wiring new collaborators so retry and logging
// behaviour stays uniform across the pipeline.
package services
