// Package pipeline runs one scan end to end: discovery, ledger delta,
// classification of new URLs with precision context, infringement creation,
// relist handling, cost accounting and the durable run record.
//
// Discovery and classification are collaborators behind interfaces. The
// runner never advances past a failed run write: the run is reported failed
// and the caller decides whether to retry.
package pipeline
