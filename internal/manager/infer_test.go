package manager

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"llmnode/internal/engine"
	"llmnode/internal/engine/enginetest"
	"llmnode/internal/generate"
	"llmnode/internal/sampling"
	"llmnode/pkg/types"
)

func ptr[T any](v T) *T { return &v }

func TestRequestFromInfer_OverlaysSetFields(t *testing.T) {
	def := sampling.Defaults()
	def.LogitBias = []sampling.LogitBias{{Token: 7, Bias: -1}}
	seed := uint64(9)
	in := types.InferRequest{
		Prompt:        "hi",
		Temperature:   ptr(float32(0.2)),
		TopK:          ptr(5),
		Mirostat:      ptr(2),
		RepeatLastN:   ptr(-1),
		LogitBias:     []types.LogitBias{{Token: 3, Bias: 2}},
		Stop:          "User:",
		Seed:          &seed,
		EchoPrompt:    true,
		IgnoreEOS:     true,
		LoadSession:   "a.snap",
		CreateSession: true,
	}
	req := RequestFromInfer(def, 64, in)

	want := def
	want.Temperature = 0.2
	want.TopK = 5
	want.Mirostat = sampling.MirostatV2
	want.RepeatLastN = -1
	want.StopSequence = "User:"
	want.LogitBias = []sampling.LogitBias{{Token: 7, Bias: -1}, {Token: 3, Bias: 2}}
	if diff := cmp.Diff(want, req.Sampling); diff != "" {
		t.Fatalf("sampling mismatch (-want +got):\n%s", diff)
	}
	if req.FeedPrompt || !req.IgnoreEOS || req.MaxTokens != 64 || req.Seed == nil || *req.Seed != 9 {
		t.Fatalf("unexpected request flags: %+v", req)
	}
	if req.LoadSession != "a.snap" || !req.CreateSessionIfMissing {
		t.Fatalf("session fields not carried: %+v", req)
	}
	if len(def.LogitBias) != 1 {
		t.Fatalf("defaults mutated: %+v", def.LogitBias)
	}
}

func TestRequestFromInfer_ExplicitMaxTokens(t *testing.T) {
	req := RequestFromInfer(sampling.Defaults(), 64, types.InferRequest{MaxTokens: ptr(0), PromptOnly: true})
	if req.MaxTokens != 0 || !req.FeedPromptOnly || !req.FeedPrompt {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestSubmitInfer_UsesManagerDefaults(t *testing.T) {
	def := sampling.Defaults()
	def.Temperature = 0
	m := newTestManager(t, ManagerConfig{Sampling: &def, MaxTokens: 2}, chainLoader(), "m")
	c := &collector{}
	job, err := m.SubmitInfer(testCtx(t), types.InferRequest{Model: "m", Prompt: "Hello"}, c.sink)
	if err != nil {
		t.Fatalf("SubmitInfer: %v", err)
	}
	res, _ := job.Wait(testCtx(t))
	if res.StopReason != generate.StopLength || res.GeneratedTokens != 2 {
		t.Fatalf("expected length stop after 2 tokens, got %+v", res)
	}
	if diff := cmp.Diff([]string{"the", "cat"}, c.texts()); diff != "" {
		t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestTokenize(t *testing.T) {
	m := newTestManager(t, ManagerConfig{}, &enginetest.Loader{}, "m")
	resp, err := m.Tokenize(testCtx(t), "m", "Hello world", true)
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	want := types.TokenizeResponse{Tokens: []int32{int32(enginetest.BOS), 3, 4}, Pieces: []string{"", "Hello", "world"}}
	if diff := cmp.Diff(want, resp); diff != "" {
		t.Fatalf("tokenize mismatch (-want +got):\n%s", diff)
	}
	if _, err := m.Tokenize(testCtx(t), "m", "unknownword", false); !engine.IsTokenization(err) {
		t.Fatalf("expected tokenization error, got %v", err)
	}
}

func TestEmbed(t *testing.T) {
	m := newTestManager(t, ManagerConfig{}, &enginetest.Loader{}, "m")
	resp, err := m.Embed(testCtx(t), "m", "Hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if resp.Dimensions != 4 || len(resp.Embedding) != 4 {
		t.Fatalf("unexpected embedding: %+v", resp)
	}
	var sum float32
	for _, v := range resp.Embedding {
		sum += v
	}
	if sum < 0.99 || sum > 1.01 {
		t.Fatalf("bag-of-ids embedding should sum to 1, got %v", sum)
	}
	if _, err := m.Embed(testCtx(t), "nope", "Hello"); !IsModelNotFound(err) {
		t.Fatalf("expected model not found, got %v", err)
	}
}

func TestEmbedEvaluatesInputInOneBatch(t *testing.T) {
	loader := &enginetest.Loader{}
	cfg := sampling.Defaults()
	cfg.BatchSize = 1
	m := newTestManager(t, ManagerConfig{Sampling: &cfg}, loader, "m")
	if _, err := m.Embed(testCtx(t), "m", "Hello world the cat"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	engines := loader.Engines()
	if len(engines) != 1 {
		t.Fatalf("expected one engine, got %d", len(engines))
	}
	batches := engines[0].Batches()
	if len(batches) != 1 || len(batches[0]) != 5 {
		t.Fatalf("expected BOS plus 4 words in a single batch, got %v", batches)
	}
}

func TestInfer_EmitsWireEventsWithUsage(t *testing.T) {
	m := newTestManager(t, ManagerConfig{}, chainLoader(), "m")
	events := make(chan types.InferenceEvent, 16)
	zero := float32(0)
	id, err := m.Infer(testCtx(t), types.InferRequest{Model: "m", Prompt: "Hello", Temperature: &zero}, func(ev types.InferenceEvent) { events <- ev })
	if err != nil || id == "" {
		t.Fatalf("Infer: id=%q err=%v", id, err)
	}
	var got []types.InferenceEvent
	for ev := range events {
		got = append(got, ev)
		if ev.Type == "end" {
			break
		}
	}
	want := []types.InferenceEvent{
		{Type: "token", Text: "the"},
		{Type: "token", Text: "cat"},
		{Type: "token", Text: "sat"},
		{Type: "token", Final: true},
		{Type: "end", StopReason: "eos", Usage: &types.Usage{PromptTokens: 2, CompletionTokens: 3, TotalTokens: 5}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}
