package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"llmnode/internal/engine"
	"llmnode/internal/engine/enginetest"
	"llmnode/pkg/types"
)

func TestNewWithConfigDefaults(t *testing.T) {
	m := NewWithConfig(ManagerConfig{})
	if m.maxQueueDepth != defaultMaxQueueDepth {
		t.Fatalf("expected default maxQueueDepth=%d got %d", defaultMaxQueueDepth, m.maxQueueDepth)
	}
	if m.maxWait != defaultMaxWait || m.drainTimeout != defaultDrainTimeout {
		t.Fatalf("unexpected wait/drain defaults: %v %v", m.maxWait, m.drainTimeout)
	}
	if m.maxTokens != defaultMaxTokens || m.loadCfg.ContextSize != defaultContextSize {
		t.Fatalf("unexpected token/context defaults: %d %d", m.maxTokens, m.loadCfg.ContextSize)
	}
	if m.loadCfg.BatchSize != m.sampling.BatchSize {
		t.Fatalf("engine batch size should follow sampling default, got %d", m.loadCfg.BatchSize)
	}
}

func TestNewWithConfigKeepsNegativeMaxTokens(t *testing.T) {
	m := NewWithConfig(ManagerConfig{MaxTokens: -1})
	if m.maxTokens != -1 {
		t.Fatalf("negative max tokens should mean until EOS, got %d", m.maxTokens)
	}
	req := RequestFromInfer(m.DefaultSampling(), m.maxTokens, types.InferRequest{Prompt: "hi"})
	if req.MaxTokens != -1 {
		t.Fatalf("request default should follow the manager, got %d", req.MaxTokens)
	}
}

func TestListModelsReturnsCopy(t *testing.T) {
	reg := []types.Model{{ID: "a"}, {ID: "b"}}
	m := NewWithConfig(ManagerConfig{Registry: reg})
	out := m.ListModels()
	if len(out) != 2 {
		t.Fatalf("expected 2 got %d", len(out))
	}
	out[0].ID = "z"
	if m.ListModels()[0].ID != "a" {
		t.Fatalf("registry mutated via returned slice")
	}
}

func TestGetModelByID(t *testing.T) {
	m := NewWithConfig(ManagerConfig{Registry: []types.Model{{ID: "a"}, {ID: "b"}}})
	if mdl, ok := m.getModelByID("b"); !ok || mdl.ID != "b" {
		t.Fatalf("expected to find model b, got %+v ok=%v", mdl, ok)
	}
	if _, ok := m.getModelByID("z"); ok {
		t.Fatalf("expected not found for z")
	}
}

func TestReadyReflectsInstance(t *testing.T) {
	m := newTestManager(t, ManagerConfig{DefaultModel: "m1"}, &enginetest.Loader{}, "m1")
	if m.Ready() {
		t.Fatalf("expected not ready initially")
	}
	if err := m.EnsureInstance(testCtx(t), ""); err != nil {
		t.Fatalf("ensure default: %v", err)
	}
	if !m.Ready() {
		t.Fatalf("expected ready after ensure")
	}
}

func TestReady_FalseOnManagerError(t *testing.T) {
	m := NewWithConfig(ManagerConfig{})
	m.mu.Lock()
	m.state = StateReady
	m.cur = &ModelInfo{ID: "m"}
	m.mu.Unlock()
	if !m.Ready() {
		t.Fatalf("expected Ready() when state=ready and cur set")
	}
	m.mu.Lock()
	m.state = StateError
	m.mu.Unlock()
	if m.Ready() {
		t.Fatalf("expected Ready() false when state=error")
	}
}

func TestEnsureInstance_ModelNotFound(t *testing.T) {
	m := NewWithConfig(ManagerConfig{Loader: &enginetest.Loader{}})
	err := m.EnsureInstance(context.Background(), "missing")
	if !IsModelNotFound(err) {
		t.Fatalf("expected model not found error, got %v", err)
	}
}

func TestEnsureInstance_NoLoaderIsDependencyUnavailable(t *testing.T) {
	m := newTestManager(t, ManagerConfig{}, nil, "m")
	err := m.EnsureInstance(testCtx(t), "m")
	if !IsDependencyUnavailable(err) {
		t.Fatalf("expected dependency unavailable, got %v", err)
	}
}

func TestEnsureInstance_LoadErrorRollsBack(t *testing.T) {
	boom := errors.New("bad magic")
	loader := &enginetest.Loader{New: func(string, engine.LoadConfig) (*enginetest.Engine, error) { return nil, boom }}
	m := newTestManager(t, ManagerConfig{}, loader, "m")
	err := m.EnsureInstance(testCtx(t), "m")
	if !engine.IsLoadError(err) || !errors.Is(err, boom) {
		t.Fatalf("expected load error wrapping cause, got %v", err)
	}
	m.mu.RLock()
	_, exists := m.instances["m"]
	used := m.usedEstMB
	m.mu.RUnlock()
	if exists || used != 0 {
		t.Fatalf("failed load left state behind: exists=%v used=%d", exists, used)
	}
	if snap := m.Snapshot(); snap.State != StateError || snap.Err == "" {
		t.Fatalf("expected error snapshot, got %+v", snap)
	}
}

func TestEnsureInstance_FastPathNoDoubleCount(t *testing.T) {
	loader := &enginetest.Loader{}
	m := newTestManager(t, ManagerConfig{}, loader, "m")
	if err := m.EnsureInstance(testCtx(t), "m"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	m.mu.RLock()
	used, last := m.usedEstMB, m.instances["m"].LastUsed
	m.mu.RUnlock()
	time.Sleep(5 * time.Millisecond)
	if err := m.EnsureInstance(testCtx(t), "m"); err != nil {
		t.Fatalf("ensure fast: %v", err)
	}
	m.mu.RLock()
	used2, last2 := m.usedEstMB, m.instances["m"].LastUsed
	m.mu.RUnlock()
	if used2 != used {
		t.Fatalf("usedEstMB changed on fast path: %d -> %d", used, used2)
	}
	if !last2.After(last) {
		t.Fatalf("LastUsed not updated on fast path")
	}
	if n := len(loader.Loads()); n != 1 {
		t.Fatalf("expected one load, got %d", n)
	}
}

func TestEnsureInstance_ConcurrentCallsShareOneLoad(t *testing.T) {
	loader := &enginetest.Loader{Delay: 50 * time.Millisecond}
	m := newTestManager(t, ManagerConfig{}, loader, "m")
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.EnsureInstance(testCtx(t), "m")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("ensure: %v", err)
		}
	}
	if n := len(loader.Loads()); n != 1 {
		t.Fatalf("expected a single shared load, got %d", n)
	}
}

func TestEnsureInstance_ContextBoundsOnlyTheWait(t *testing.T) {
	loader := &enginetest.Loader{Delay: 100 * time.Millisecond}
	m := newTestManager(t, ManagerConfig{}, loader, "m")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := m.EnsureInstance(ctx, "m"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	waitFor(t, "background load", m.Ready)
}

func TestEstimateVRAMMBUsesFileSize(t *testing.T) {
	dir := t.TempDir()
	p := createModelFile(t, dir, "m1.bin", 2)
	m := NewWithConfig(ManagerConfig{})
	if mb := m.estimateVRAMMB(types.Model{Path: p}); mb < 2 {
		t.Fatalf("expected >=2MB, got %d", mb)
	}
	if mb := m.estimateVRAMMB(types.Model{Path: "/does/not/exist"}); mb != 1 {
		t.Fatalf("expected 1MB for unreadable file, got %d", mb)
	}
}

func TestEvictionLRUUntilFits(t *testing.T) {
	dir := t.TempDir()
	reg := []types.Model{
		{ID: "a", Path: createModelFile(t, dir, "a.bin", 10)},
		{ID: "b", Path: createModelFile(t, dir, "b.bin", 10)},
		{ID: "c", Path: createModelFile(t, dir, "c.bin", 15)},
	}
	loader := &enginetest.Loader{}
	m := NewWithConfig(ManagerConfig{Registry: reg, BudgetMB: 30, Loader: loader})
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	if err := m.EnsureInstance(testCtx(t), "a"); err != nil {
		t.Fatalf("ensure a: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := m.EnsureInstance(testCtx(t), "b"); err != nil {
		t.Fatalf("ensure b: %v", err)
	}
	// 10+10+15 exceeds 30, so the least recently used (a) must go.
	if err := m.EnsureInstance(testCtx(t), "c"); err != nil {
		t.Fatalf("ensure c: %v", err)
	}

	m.mu.RLock()
	_, hasA := m.instances["a"]
	_, hasB := m.instances["b"]
	_, hasC := m.instances["c"]
	used := m.usedEstMB
	m.mu.RUnlock()
	if hasA || !hasB || !hasC {
		t.Fatalf("unexpected instances a=%v b=%v c=%v", hasA, hasB, hasC)
	}
	if used != 25 {
		t.Fatalf("expected used=25, got %d", used)
	}
	if closed := loader.Engines()[0].Closed(); closed != 1 {
		t.Fatalf("evicted engine closed %d times", closed)
	}
	if st := m.Status(); st.EvictionsTotal != 1 || st.LoadsTotal != 3 {
		t.Fatalf("unexpected totals: evictions=%d loads=%d", st.EvictionsTotal, st.LoadsTotal)
	}
}

func TestEvictUntilFits_BudgetExceededWhenNothingIdle(t *testing.T) {
	m := NewWithConfig(ManagerConfig{BudgetMB: 1})
	inst := newInstance("m", "m.gguf", 1, 1)
	inst.State = StateReady
	inst.genCh <- struct{}{}
	m.mu.Lock()
	m.instances["m"] = inst
	m.usedEstMB = 1
	m.mu.Unlock()

	err := m.evictUntilFits(10)
	if !IsBudgetExceeded(err) {
		t.Fatalf("expected budget exceeded error, got %v", err)
	}
	if IsDependencyUnavailable(err) {
		t.Fatalf("should not be dependency unavailable")
	}
	m.mu.RLock()
	_, still := m.instances["m"]
	m.mu.RUnlock()
	if !still {
		t.Fatalf("busy instance must not be evicted")
	}
}

func TestEnsureInstance_ModelLargerThanBudget(t *testing.T) {
	dir := t.TempDir()
	reg := []types.Model{{ID: "big", Path: createModelFile(t, dir, "big.bin", 8)}}
	m := NewWithConfig(ManagerConfig{Registry: reg, BudgetMB: 4, Loader: &enginetest.Loader{}})
	if err := m.EnsureInstance(testCtx(t), "big"); !IsBudgetExceeded(err) {
		t.Fatalf("expected budget exceeded, got %v", err)
	}
}

func TestStatusAndSnapshot(t *testing.T) {
	m := newTestManager(t, ManagerConfig{DefaultModel: "m", BudgetMB: 100, MarginMB: 5}, &enginetest.Loader{}, "m")
	if err := m.EnsureInstance(testCtx(t), "m"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	snap := m.Snapshot()
	if snap.State != StateReady || snap.CurrentModel == nil || snap.CurrentModel.ID != "m" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	st := m.Status()
	if st.BudgetMB != 100 || st.MarginMB != 5 {
		t.Fatalf("unexpected status budget/margin: %+v", st)
	}
	if len(st.Instances) != 1 || st.Instances[0].ModelID != "m" {
		t.Fatalf("unexpected instances in status: %+v", st.Instances)
	}
	if st.Instances[0].ContextSize != defaultContextSize || st.Instances[0].MaxQueueDepth != defaultMaxQueueDepth {
		t.Fatalf("unexpected instance detail: %+v", st.Instances[0])
	}
	if st.ServerTimeUnix == 0 || st.LoadsTotal != 1 {
		t.Fatalf("unexpected counters: %+v", st)
	}
}

func TestStatusCountsWarmupAndDraining(t *testing.T) {
	m := NewWithConfig(ManagerConfig{})
	a := newInstance("a", "a.gguf", 10, 2)
	b := newInstance("b", "b.gguf", 20, 2)
	b.State = StateDraining
	m.mu.Lock()
	m.instances["a"] = a
	m.instances["b"] = b
	m.mu.Unlock()
	st := m.Status()
	if st.WarmupsInProgress != 1 || st.DrainingCount != 1 {
		t.Fatalf("expected one warmup and one draining, got %d/%d", st.WarmupsInProgress, st.DrainingCount)
	}
	if st.Instances[0].ModelID != "a" {
		t.Fatalf("instances should be sorted by id: %+v", st.Instances)
	}
}

func TestSetEventPublisherNilResetsNoop(t *testing.T) {
	m := NewWithConfig(ManagerConfig{})
	m.SetEventPublisher(nil)
	m.publish("x", "m", nil)
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		err  error
		is   func(error) bool
		name string
	}{
		{ErrBudgetExceeded("capacity"), IsBudgetExceeded, "budget"},
		{ErrModelNotFound("m"), IsModelNotFound, "not found"},
		{tooBusyError{modelID: "m"}, IsTooBusy, "busy"},
		{jobNotFoundError{id: "j"}, IsJobNotFound, "job"},
		{badRequestError{msg: "x"}, IsBadRequest, "bad request"},
		{ErrDependencyUnavailable("x"), IsDependencyUnavailable, "dependency"},
	}
	for _, tc := range cases {
		wrapped := errors.Join(errors.New("context"), tc.err)
		if !tc.is(tc.err) || !tc.is(wrapped) {
			t.Fatalf("%s: classification failed for %v", tc.name, tc.err)
		}
	}
}
