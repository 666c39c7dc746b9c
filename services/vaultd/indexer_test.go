package vaultd

import (
	"context"
	"path/filepath"
	"testing"

	"vaultescrow/core/events"
	"vaultescrow/core/types"
)

type rawEvent struct{ evt *types.Event }

func (e rawEvent) EventType() string   { return e.evt.Type }
func (e rawEvent) Event() *types.Event { return e.evt }

func emitRaw(idx *Indexer, typ string, attrs map[string]string) {
	idx.Emit(rawEvent{evt: &types.Event{Type: typ, Attributes: attrs}})
}

func TestIndexerSequencesAndForwards(t *testing.T) {
	rec := &events.Recorder{}
	idx, err := OpenIndexer(":memory:", rec, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer idx.Close()

	original := map[string]string{"id": "7", "status": "Active"}
	emitRaw(idx, "EscrowCreated", original)
	emitRaw(idx, "AccountCredited", map[string]string{"address": "0xabc"})
	emitRaw(idx, "EscrowReleased", map[string]string{"id": "7", "amount": "10"})

	if _, ok := original[AttrSequence]; ok {
		t.Fatalf("indexer must not mutate the emitted attributes")
	}
	if len(rec.Events) != 3 {
		t.Fatalf("expected 3 forwarded events, got %d", len(rec.Events))
	}
	for i, evt := range rec.Events {
		want := []string{"1", "2", "3"}[i]
		if got := evt.Event().Attr(AttrSequence); got != want {
			t.Fatalf("forwarded event %d: sequence %q, want %q", i, got, want)
		}
	}

	ctx := context.Background()
	last, err := idx.LastSequence(ctx)
	if err != nil || last != 3 {
		t.Fatalf("last sequence: %d %v", last, err)
	}

	byEscrow, err := idx.Query(ctx, EventQuery{EscrowID: 7})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(byEscrow) != 2 || byEscrow[0].Type != "EscrowCreated" || byEscrow[1].Sequence != 3 {
		t.Fatalf("unexpected escrow events: %+v", byEscrow)
	}
	if byEscrow[0].Attributes["status"] != "Active" {
		t.Fatalf("attributes not persisted: %+v", byEscrow[0])
	}

	paged, err := idx.Query(ctx, EventQuery{After: 1, Limit: 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(paged) != 1 || paged[0].Sequence != 2 || paged[0].EscrowID != 0 {
		t.Fatalf("unexpected page: %+v", paged)
	}

	byType, err := idx.Query(ctx, EventQuery{Type: "EscrowReleased"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(byType) != 1 || byType[0].Attributes["amount"] != "10" {
		t.Fatalf("unexpected type filter: %+v", byType)
	}
}

func TestIndexerSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	idx, err := OpenIndexer(path, nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	emitRaw(idx, "EscrowCreated", map[string]string{"id": "1"})
	emitRaw(idx, "EscrowDisputed", map[string]string{"id": "1"})
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenIndexer(path, nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	emitRaw(reopened, "EscrowRefunded", map[string]string{"id": "1"})

	all, err := reopened.Query(context.Background(), EventQuery{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(all) != 3 || all[2].Sequence != 3 || all[2].Type != "EscrowRefunded" {
		t.Fatalf("sequence must continue after reopen: %+v", all)
	}
}

func TestNewIndexerRequiresDatabase(t *testing.T) {
	if _, err := NewIndexer(nil, nil, nil); err == nil {
		t.Fatalf("expected error for nil database")
	}
}
