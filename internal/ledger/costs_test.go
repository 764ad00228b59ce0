package ledger

import (
	"context"
	"errors"
	"testing"

	"enforcer/internal/enforcement"
)

type recordingSink struct {
	fail   bool
	events [][]enforcement.CostEvent
}

func (s *recordingSink) InsertCostEvents(_ context.Context, events []enforcement.CostEvent) error {
	if s.fail {
		return errors.New("store unavailable")
	}
	s.events = append(s.events, events)
	return nil
}

func TestCostRecorderFlushesAndResets(t *testing.T) {
	sink := &recordingSink{}
	rec := NewCostRecorder(sink, "scan-1")
	rec.Add(enforcement.CostLookupAvoided, 2)
	rec.Add(enforcement.CostClassification, 1)
	rec.Add(enforcement.CostLookupAvoided, 3)
	rec.Add(enforcement.CostLookup, 0)

	if err := rec.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if len(sink.events) != 1 || len(sink.events[0]) != 2 {
		t.Fatalf("expected one write of two events, got %+v", sink.events)
	}
	if got := sink.events[0][0]; got.Kind != enforcement.CostLookupAvoided || got.Count != 5 || got.ScanID != "scan-1" {
		t.Fatalf("unexpected first event: %+v", got)
	}
	if len(rec.Pending()) != 0 {
		t.Fatal("expected buffer reset after flush")
	}
	if err := rec.Flush(context.Background()); err != nil || len(sink.events) != 1 {
		t.Fatalf("empty flush should be a no-op, err=%v writes=%d", err, len(sink.events))
	}
}

func TestCostRecorderKeepsBufferOnFailure(t *testing.T) {
	sink := &recordingSink{fail: true}
	rec := NewCostRecorder(sink, "scan-1")
	rec.Add(enforcement.CostLookup, 4)

	if err := rec.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}
	if rec.Pending()[enforcement.CostLookup] != 4 {
		t.Fatalf("expected buffered events retained, got %+v", rec.Pending())
	}
	rec.Discard()
	if len(rec.Pending()) != 0 {
		t.Fatal("expected Discard to clear the buffer")
	}
}
