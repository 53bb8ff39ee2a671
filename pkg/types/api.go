package types

// LogitBias adds Bias to the logit of Token before sampling.
type LogitBias struct {
	// example: 13
	Token int32 `json:"token" example:"13"`
	// Use a large negative value to forbid the token.
	// example: -100
	Bias float32 `json:"bias" example:"-100"`
}

// InferRequest represents an inference request payload. Sampling fields left
// out fall back to the server defaults.
type InferRequest struct {
	// Optional model identifier. If empty, the server default is used.
	// example: tinyllama-q4
	Model string `json:"model,omitempty" example:"tinyllama-q4"`
	// Prompt text fed before generation. May be empty when resuming a session.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt" example:"Write a haiku about the ocean."`
	// Maximum number of new tokens; 0 only evaluates the prompt, negative
	// generates until EOS or a full context window.
	// example: 128
	MaxTokens *int `json:"max_tokens,omitempty" example:"128"`

	// example: 0.7
	Temperature *float32 `json:"temperature,omitempty" example:"0.7"`
	// example: 40
	TopK *int `json:"top_k,omitempty" example:"40"`
	// example: 0.9
	TopP *float32 `json:"top_p,omitempty" example:"0.9"`
	// Tail-free sampling z; 1 disables it.
	// example: 1
	TailFreeZ *float32 `json:"tfs_z,omitempty" example:"1"`
	// Locally typical sampling p; 1 disables it.
	// example: 1
	TypicalP *float32 `json:"typical_p,omitempty" example:"1"`
	// example: 1.1
	RepeatPenalty *float32 `json:"repeat_penalty,omitempty" example:"1.1"`
	// Tokens considered for repetition penalties; -1 means the whole window.
	// example: 64
	RepeatLastN *int `json:"repeat_last_n,omitempty" example:"64"`
	// example: 0
	FrequencyPenalty *float32 `json:"frequency_penalty,omitempty" example:"0"`
	// example: 0
	PresencePenalty *float32 `json:"presence_penalty,omitempty" example:"0"`
	// example: true
	PenalizeNewline *bool `json:"penalize_newline,omitempty" example:"true"`
	// 0 off, 1 mirostat, 2 mirostat v2.
	// example: 0
	Mirostat *int `json:"mirostat,omitempty" example:"0"`
	// example: 5
	MirostatTau *float32 `json:"mirostat_tau,omitempty" example:"5"`
	// example: 0.1
	MirostatEta *float32    `json:"mirostat_eta,omitempty" example:"0.1"`
	LogitBias   []LogitBias `json:"logit_bias,omitempty"`
	// Generation stops once the text tokenizes to this sequence; the match is
	// not emitted.
	// example: User:
	Stop string `json:"stop,omitempty" example:"User:"`
	// Random seed for reproducibility; omitted lets the server choose.
	// example: 42
	Seed *uint64 `json:"seed,omitempty" example:"42"`
	// example: 4
	Threads *int `json:"threads,omitempty" example:"4"`
	// example: 8
	BatchSize *int `json:"batch_size,omitempty" example:"8"`

	// Stream the prompt back as tokens while it is evaluated.
	EchoPrompt bool `json:"echo_prompt,omitempty"`
	// Evaluate the prompt and stop without sampling (session pre-caching).
	PromptOnly bool `json:"prompt_only,omitempty"`
	IgnoreEOS  bool `json:"ignore_eos,omitempty"`
	// Snapshot to resume from, relative to the server's session directory.
	// example: chat-1.snap
	LoadSession string `json:"load_session,omitempty" example:"chat-1.snap"`
	// Snapshot to write when generation finishes.
	// example: chat-1.snap
	SaveSession string `json:"save_session,omitempty" example:"chat-1.snap"`
	// Start a fresh session when load_session does not exist yet.
	CreateSession bool `json:"create_session,omitempty"`
}

// InferenceEvent is one NDJSON line of a /infer stream. Every stream ends
// with exactly one "end" line.
type InferenceEvent struct {
	// token, error or end.
	// example: token
	Type string `json:"type" example:"token"`
	// example: Hello
	Text string `json:"text,omitempty" example:"Hello"`
	// Set on the single empty token that precedes end.
	Final bool `json:"final,omitempty"`
	// Error description for type=error.
	Message string `json:"message,omitempty"`
	// Set on end: eos, length, stop, prompt_only, cancelled or error.
	// example: eos
	StopReason string `json:"stop_reason,omitempty" example:"eos"`
	// Set on end.
	Usage *Usage `json:"usage,omitempty"`
}

// Usage contains token accounting for one generation.
type Usage struct {
	// example: 12
	PromptTokens int `json:"prompt_tokens" example:"12"`
	// example: 64
	CompletionTokens int `json:"completion_tokens" example:"64"`
	// example: 76
	TotalTokens int `json:"total_tokens" example:"76"`
}

// TokenizeRequest is the body of POST /tokenize.
type TokenizeRequest struct {
	// example: tinyllama-q4
	Model string `json:"model,omitempty" example:"tinyllama-q4"`
	// example: Hello world
	Text   string `json:"text" example:"Hello world"`
	AddBOS bool   `json:"add_bos,omitempty"`
}

// TokenizeResponse lists token ids and their decoded pieces.
type TokenizeResponse struct {
	Tokens []int32  `json:"tokens"`
	Pieces []string `json:"pieces"`
}

// EmbedRequest is the body of POST /embed.
type EmbedRequest struct {
	// example: tinyllama-q4
	Model string `json:"model,omitempty" example:"tinyllama-q4"`
	// example: graph database
	Text string `json:"text" example:"graph database"`
}

// EmbedResponse carries the embedding of the evaluated text.
type EmbedResponse struct {
	Embedding []float32 `json:"embedding"`
	// example: 4096
	Dimensions int `json:"dimensions" example:"4096"`
}

// OperationResponse acknowledges an asynchronous operation.
type OperationResponse struct {
	// example: 2f1c7a8e-2b7e-4bde-9d0e-0b8f3f0c1c2d
	OpID string `json:"op_id" example:"2f1c7a8e-2b7e-4bde-9d0e-0b8f3f0c1c2d"`
	// example: tinyllama-q4
	ModelID string `json:"model_id" example:"tinyllama-q4"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// List of available models.
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// InstanceStatus summarizes a loaded instance for /status.
type InstanceStatus struct {
	// ID of the model this instance serves.
	// example: tinyllama-q4
	ModelID string `json:"model_id" example:"tinyllama-q4"`
	// Lifecycle state: loading, ready, draining or error.
	// example: ready
	State string `json:"state" example:"ready"`
	// Last time this instance served a request (unix seconds).
	// example: 1700000000
	LastUsed int64 `json:"last_used_unix" example:"1700000000"`
	// Estimated VRAM usage in MB.
	// example: 1200
	EstVRAMMB int `json:"est_vram_mb" example:"1200"`
	// Requests admitted and waiting or running.
	// example: 0
	QueueLen int `json:"queue_len" example:"0"`
	// 1 while a generation runs on the instance's worker.
	// example: 1
	Inflight int `json:"inflight" example:"1"`
	// Maximum queued requests allowed before backpressure triggers.
	// example: 32
	MaxQueueDepth int `json:"max_queue_depth" example:"32"`
	// Context window of the loaded engine.
	// example: 2048
	ContextSize int `json:"context_size,omitempty" example:"2048"`
	// ID of the running job, if any.
	CurrentJob string `json:"current_job,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Loaded/managed instances.
	Instances []InstanceStatus `json:"instances"`
	// VRAM budget in MB across all instances.
	// example: 8192
	BudgetMB int `json:"budget_mb" example:"8192"`
	// Estimated used VRAM in MB.
	// example: 2048
	UsedMB int `json:"used_est_mb" example:"2048"`
	// Reserved VRAM margin in MB.
	// example: 512
	MarginMB int `json:"margin_mb" example:"512"`
	// Optional top-level error message.
	Error string `json:"error,omitempty"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
	// Total number of evictions performed to free VRAM.
	// example: 5
	EvictionsTotal uint64 `json:"evictions_total" example:"5"`
	// Total number of model loads.
	// example: 12
	LoadsTotal uint64 `json:"loads_total" example:"12"`
	// Overall manager state (e.g., loading, ready, error).
	// example: ready
	State string `json:"state" example:"ready"`
	// Number of instances currently warming up (loading).
	// example: 1
	WarmupsInProgress int `json:"warmups_in_progress" example:"1"`
	// Number of instances currently draining (unload in progress).
	// example: 1
	DrainingCount int `json:"draining_count" example:"1"`
	// Jobs queued or running across all instances.
	// example: 2
	ActiveJobs int `json:"active_jobs" example:"2"`
}
