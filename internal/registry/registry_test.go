package registry

import (
	"errors"
	"testing"
	"time"

	"cardstream/internal/provider"
	"cardstream/pkg/logx"
)

func testRef() provider.ConversationRef {
	return provider.ConversationRef{ChatID: "chat-1"}
}

func TestOpenDuplicate(t *testing.T) {
	r := New(Config{}, logx.Nop())
	if _, err := r.Open("t1", testRef(), provider.RenderText); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := r.Open("t1", testRef(), provider.RenderText); !errors.Is(err, ErrDuplicateTarget) {
		t.Fatalf("expected ErrDuplicateTarget, got %v", err)
	}
}

func TestOpenReopensFinalized(t *testing.T) {
	r := New(Config{}, logx.Nop())
	if _, err := r.Open("t1", testRef(), provider.RenderText); err != nil {
		t.Fatalf("open: %v", err)
	}
	r.Finalize("t1")
	rec, err := r.Open("t1", testRef(), provider.RenderMarkdown)
	if err != nil {
		t.Fatalf("re-open of finalized target: %v", err)
	}
	if rec.State != StateActive || rec.Mode != provider.RenderMarkdown {
		t.Fatalf("unexpected re-opened record: %+v", rec)
	}
}

func TestTouchOnlyActive(t *testing.T) {
	r := New(Config{}, logx.Nop())
	rec, err := r.Open("t1", testRef(), provider.RenderText)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	opened := rec.LastUpdatedAt

	time.Sleep(5 * time.Millisecond)
	r.Touch("t1")
	got, _ := r.Get("t1")
	if !got.LastUpdatedAt.After(opened) {
		t.Fatalf("touch did not advance LastUpdatedAt")
	}

	r.Finalize("t1")
	got, _ = r.Get("t1")
	final := got.LastUpdatedAt
	time.Sleep(5 * time.Millisecond)
	r.Touch("t1")
	got, _ = r.Get("t1")
	if !got.LastUpdatedAt.Equal(final) {
		t.Fatalf("touch resurrected a finalized record")
	}

	// Unknown id is a no-op, not a panic.
	r.Touch("missing")
}

func TestSweepEvictsIdleAndFiresHooks(t *testing.T) {
	r := New(Config{TTL: time.Minute}, logx.Nop())
	var evicted []string
	r.OnEvict(func(rec Record) { evicted = append(evicted, rec.TargetID) })

	if _, err := r.Open("old", testRef(), provider.RenderText); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := r.Open("fresh", testRef(), provider.RenderText); err != nil {
		t.Fatalf("open: %v", err)
	}

	// Half a TTL in the future nothing is idle yet; two TTLs out both are.
	if n := r.Sweep(time.Now().Add(30 * time.Second)); n != 0 {
		t.Fatalf("premature eviction: %d", n)
	}
	if n := r.Sweep(time.Now().Add(2 * time.Minute)); n != 2 {
		t.Fatalf("expected 2 evictions, got %d", n)
	}
	if len(evicted) != 2 {
		t.Fatalf("expected 2 hook calls, got %d", len(evicted))
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
	if _, ok := r.Get("old"); ok {
		t.Fatalf("evicted record still present")
	}
}

func TestSweepHooksFireOnlyForRemovedRecords(t *testing.T) {
	r := New(Config{TTL: time.Minute}, logx.Nop())
	var hooked []string
	r.OnEvict(func(rec Record) {
		// The record must already be gone when its hook observes it.
		if _, ok := r.Get(rec.TargetID); ok {
			t.Errorf("hook ran for %s while its record was still present", rec.TargetID)
		}
		hooked = append(hooked, rec.TargetID)
	})

	if _, err := r.Open("stale", testRef(), provider.RenderText); err != nil {
		t.Fatalf("open: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := r.Open("fresh", testRef(), provider.RenderText); err != nil {
		t.Fatalf("open: %v", err)
	}

	// At this instant "stale" is past the TTL and "fresh" is just inside it.
	if n := r.Sweep(time.Now().Add(time.Minute - 10*time.Millisecond)); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if len(hooked) != 1 || hooked[0] != "stale" {
		t.Fatalf("hooks must fire only for removed records, got %v", hooked)
	}
	if _, ok := r.Get("fresh"); !ok {
		t.Fatalf("surviving record lost")
	}
}

func TestEvictDirect(t *testing.T) {
	r := New(Config{}, logx.Nop())
	var hooks int
	r.OnEvict(func(Record) { hooks++ })

	if _, err := r.Open("t1", testRef(), provider.RenderText); err != nil {
		t.Fatalf("open: %v", err)
	}
	if !r.Evict("t1") {
		t.Fatalf("evict reported missing target")
	}
	if hooks != 1 {
		t.Fatalf("expected 1 hook call, got %d", hooks)
	}
	if r.Evict("t1") {
		t.Fatalf("second evict of same id should report missing")
	}

	// Once evicted, touch must not resurrect anything.
	r.Touch("t1")
	if _, ok := r.Get("t1"); ok {
		t.Fatalf("evicted id resurrected")
	}
}

func TestCloseStopsSweep(t *testing.T) {
	r := New(Config{TTL: time.Minute, SweepInterval: time.Hour}, logx.Nop())
	r.Start()
	r.Close()
	// Close is idempotent.
	r.Close()
}
