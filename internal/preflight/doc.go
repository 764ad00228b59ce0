// Package preflight provides readiness checks for the directories and
// external services enforcer depends on.
//
// These checks run in two contexts:
//   - The serve command calls RunAll at startup and logs every failure so
//     operators see a broken SendGrid key or provider directory before the
//     first scheduled cycle does.
//   - The CLI "enforcer preflight" command renders the same results as a
//     table and exits non-zero when any check fails.
//
// Each check is gated by its config toggle -- disabled features are skipped.
package preflight
