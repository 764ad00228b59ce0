package preflight

import (
	"context"

	"enforcer/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}

// RunAll executes all applicable preflight checks for the given config.
// Checks are only run when the corresponding feature is enabled.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
		CheckTargets(cfg.Targets.DirectoryPath),
	}

	if cfg.Email.SendGridAPIKey != "" || cfg.Email.FromAddress != "" {
		results = append(results, CheckEmail(cfg.Email))
	}

	if cfg.Classifier.Enabled {
		results = append(results, CheckClassifier(ctx, cfg.Classifier))
	}

	return results
}
