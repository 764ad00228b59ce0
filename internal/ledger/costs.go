package ledger

import (
	"context"
	"sync"
	"time"

	"enforcer/internal/enforcement"
)

// CostSink persists flushed cost events.
type CostSink interface {
	InsertCostEvents(ctx context.Context, events []enforcement.CostEvent) error
}

// CostRecorder buffers cost events for one scan run. Events accumulate per
// kind until Flush writes them; a failed flush keeps the buffer so the owner
// can retry. A recorder is owned by one run and discarded afterwards.
type CostRecorder struct {
	mu      sync.Mutex
	sink    CostSink
	scanID  string
	now     func() time.Time
	pending map[enforcement.CostKind]int
	order   []enforcement.CostKind
}

// NewCostRecorder returns an empty recorder for scanID.
func NewCostRecorder(sink CostSink, scanID string) *CostRecorder {
	return &CostRecorder{
		sink:    sink,
		scanID:  scanID,
		now:     time.Now,
		pending: make(map[enforcement.CostKind]int),
	}
}

// Add buffers count units of kind. Non-positive counts are ignored.
func (r *CostRecorder) Add(kind enforcement.CostKind, count int) {
	if count <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[kind]; !ok {
		r.order = append(r.order, kind)
	}
	r.pending[kind] += count
}

// Pending returns a copy of the unflushed counts.
func (r *CostRecorder) Pending() map[enforcement.CostKind]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[enforcement.CostKind]int, len(r.pending))
	for kind, count := range r.pending {
		out[kind] = count
	}
	return out
}

// Flush writes buffered events and resets the buffer on success.
func (r *CostRecorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return nil
	}
	recordedAt := r.now().UTC()
	events := make([]enforcement.CostEvent, 0, len(r.order))
	for _, kind := range r.order {
		events = append(events, enforcement.CostEvent{
			ScanID:     r.scanID,
			Kind:       kind,
			Count:      r.pending[kind],
			RecordedAt: recordedAt,
		})
	}
	if err := r.sink.InsertCostEvents(ctx, events); err != nil {
		return err
	}
	r.reset()
	return nil
}

// Discard drops buffered events without writing them.
func (r *CostRecorder) Discard() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset()
}

func (r *CostRecorder) reset() {
	r.pending = make(map[enforcement.CostKind]int)
	r.order = nil
}
