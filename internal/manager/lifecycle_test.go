package manager

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"llmnode/internal/engine/enginetest"
	"llmnode/pkg/types"
)

func TestBeginGeneration_QueueTimeout(t *testing.T) {
	m := newTestManager(t, ManagerConfig{MaxQueueDepth: 1, MaxWait: 20 * time.Millisecond}, &enginetest.Loader{}, "m")
	if err := m.EnsureInstance(testCtx(t), "m"); err != nil {
		t.Fatalf("EnsureInstance: %v", err)
	}
	_, rel, err := m.beginGeneration(testCtx(t), "m")
	if err != nil {
		t.Fatalf("beginGeneration first: %v", err)
	}
	if _, _, err := m.beginGeneration(testCtx(t), "m"); !IsTooBusy(err) {
		t.Fatalf("expected tooBusyError, got %v", err)
	}
	rel()
	rel() // idempotent
	_, rel2, err := m.beginGeneration(testCtx(t), "m")
	if err != nil {
		t.Fatalf("beginGeneration after release: %v", err)
	}
	rel2()
}

func TestBeginGeneration_CanceledContext(t *testing.T) {
	m := newTestManager(t, ManagerConfig{}, &enginetest.Loader{}, "m")
	if err := m.EnsureInstance(testCtx(t), "m"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := m.beginGeneration(ctx, "m"); err == nil {
		t.Fatalf("expected error on canceled context")
	}
	if _, _, err := m.beginGeneration(testCtx(t), "other"); !IsModelNotFound(err) {
		t.Fatalf("expected not found for unloaded model, got %v", err)
	}
}

func TestUnload_RemovesInstanceAndUpdatesAccounting(t *testing.T) {
	loader := &enginetest.Loader{}
	m := newTestManager(t, ManagerConfig{DrainTimeout: 200 * time.Millisecond}, loader, "m")
	if err := m.EnsureInstance(testCtx(t), "m"); err != nil {
		t.Fatalf("EnsureInstance: %v", err)
	}
	if err := m.Unload("m"); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	m.mu.RLock()
	_, exists := m.instances["m"]
	used := m.usedEstMB
	m.mu.RUnlock()
	if exists || used != 0 {
		t.Fatalf("unexpected state after unload: exists=%v used=%d", exists, used)
	}
	if loader.Engines()[0].Closed() != 1 {
		t.Fatalf("engine not closed")
	}
	if err := m.Unload("m"); !IsModelNotFound(err) {
		t.Fatalf("second unload: expected not found, got %v", err)
	}
	// Unloaded models can be loaded again.
	if err := m.EnsureInstance(testCtx(t), "m"); err != nil {
		t.Fatalf("reload: %v", err)
	}
}

func TestEventPublisher_EnsureAndUnloadEmitEvents(t *testing.T) {
	pub := NewMemoryPublisher()
	m := newTestManager(t, ManagerConfig{DrainTimeout: 50 * time.Millisecond, Publisher: pub}, &enginetest.Loader{}, "m")
	if err := m.EnsureInstance(testCtx(t), "m"); err != nil {
		t.Fatalf("EnsureInstance: %v", err)
	}
	if err := m.Unload("m"); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	want := []string{"ensure_start", "ensure_ready", "unload_start", "unload_done"}
	if diff := cmp.Diff(want, pub.Names("m")); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestMultiPublisherFansOut(t *testing.T) {
	a, b := NewMemoryPublisher(), NewMemoryPublisher()
	MultiPublisher{a, nil, b}.Publish(Event{Name: "x", ModelID: "m"})
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Fatalf("expected one event each, got %d/%d", len(a.Events()), len(b.Events()))
	}
}

func TestSwitch_BackgroundLoadOutlivesContext(t *testing.T) {
	pub := NewMemoryPublisher()
	m := newTestManager(t, ManagerConfig{Publisher: pub}, &enginetest.Loader{Delay: 20 * time.Millisecond}, "m")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	op, err := m.Switch(ctx, "m")
	if err != nil {
		t.Fatalf("Switch: %v", err)
	}
	if _, err := uuid.Parse(op); err != nil {
		t.Fatalf("op id %q is not a uuid: %v", op, err)
	}
	waitFor(t, "switch_done", func() bool {
		for _, n := range pub.Names("m") {
			if n == "switch_done" {
				return true
			}
		}
		return false
	})
	if !m.Ready() {
		t.Fatalf("expected model loaded by switch")
	}
}

func TestSwitch_UnknownModelFailsFast(t *testing.T) {
	m := NewWithConfig(ManagerConfig{})
	if _, err := m.Switch(context.Background(), "nope"); !IsModelNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestClose_StopsAllInstances(t *testing.T) {
	loader := &enginetest.Loader{}
	m := newTestManager(t, ManagerConfig{DrainTimeout: 50 * time.Millisecond}, loader, "a", "b")
	for _, id := range []string{"a", "b"} {
		if err := m.EnsureInstance(testCtx(t), id); err != nil {
			t.Fatalf("ensure %s: %v", id, err)
		}
	}
	if err := m.Close(testCtx(t)); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if st := m.Status(); len(st.Instances) != 0 || st.UsedMB != 0 {
		t.Fatalf("instances left after Close: %+v", st)
	}
	for i, e := range loader.Engines() {
		if e.Closed() != 1 {
			t.Fatalf("engine %d closed %d times", i, e.Closed())
		}
	}
}

func TestLRUMetadata_PersistsAndWarmStarts(t *testing.T) {
	lru := filepath.Join(t.TempDir(), "state", "lru.json")
	m := newTestManager(t, ManagerConfig{LRUPath: lru}, &enginetest.Loader{}, "a", "b")
	if err := m.EnsureInstance(testCtx(t), "b"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	raw, err := os.ReadFile(lru)
	if err != nil {
		t.Fatalf("lru file not written: %v", err)
	}
	var recs map[string]lruRecord
	if err := json.Unmarshal(raw, &recs); err != nil {
		t.Fatalf("lru json: %v", err)
	}
	if _, ok := recs["b"]; !ok || len(recs) != 1 {
		t.Fatalf("unexpected lru records: %+v", recs)
	}

	reg := m.ListModels()
	loader := &enginetest.Loader{}
	m2 := NewWithConfig(ManagerConfig{Registry: reg, LRUPath: lru, Loader: loader})
	t.Cleanup(func() { _ = m2.Close(context.Background()) })
	if diff := cmp.Diff([]string{"b"}, m2.RecentModels(5)); diff != "" {
		t.Fatalf("recent models mismatch (-want +got):\n%s", diff)
	}
	if err := m2.WarmStart(testCtx(t), 1); err != nil {
		t.Fatalf("WarmStart: %v", err)
	}
	if diff := cmp.Diff([]string{reg[1].Path}, loader.Loads()); diff != "" {
		t.Fatalf("warm start loads mismatch (-want +got):\n%s", diff)
	}
}

func TestLRUMetadata_CorruptFileIgnored(t *testing.T) {
	lru := filepath.Join(t.TempDir(), "lru.json")
	if err := os.WriteFile(lru, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewWithConfig(ManagerConfig{LRUPath: lru, Registry: []types.Model{{ID: "a"}}})
	if got := m.RecentModels(3); len(got) != 0 {
		t.Fatalf("expected no recent models, got %v", got)
	}
}

func TestSanityCheck(t *testing.T) {
	m := NewWithConfig(ManagerConfig{Registry: []types.Model{{ID: "gone", Path: "/does/not/exist.gguf"}}})
	r := m.SanityCheck()
	if r.LoaderConfigured || r.OK() || r.Error == "" {
		t.Fatalf("expected failing report without loader, got %+v", r)
	}
	if diff := cmp.Diff([]string{"gone"}, r.MissingModels); diff != "" {
		t.Fatalf("missing models mismatch (-want +got):\n%s", diff)
	}

	sessions := filepath.Join(t.TempDir(), "sessions")
	m2 := newTestManager(t, ManagerConfig{SessionDir: sessions}, &enginetest.Loader{}, "m")
	r2 := m2.SanityCheck()
	if !r2.OK() || !r2.SessionDirOK {
		t.Fatalf("expected healthy report, got %+v", r2)
	}
}
