package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"llmnode/pkg/types"
)

// streamBuffer is how many events may queue between the generating worker
// and a slow client before the worker waits.
const streamBuffer = 64

// infer godoc
// @Summary     Generate text
// @Description Streams NDJSON events: token lines, optional error lines and a final end line with stop reason and usage. The job ID is returned in X-Job-ID.
// @Tags        inference
// @Accept      json
// @Produce     application/x-ndjson
// @Param       request body     types.InferRequest true "Generation request"
// @Success     200     {object} types.InferenceEvent
// @Failure     400     {object} types.ErrorResponse
// @Failure     404     {object} types.ErrorResponse
// @Failure     429     {object} types.ErrorResponse
// @Failure     503     {object} types.ErrorResponse
// @Router      /infer [post]
func (h *handlers) infer(w http.ResponseWriter, r *http.Request) {
	var req types.InferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" && req.LoadSession == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	log := requestLogger(r, LevelInfo)
	start := time.Now()
	log.Info().Str("model", req.Model).Msg("infer start")

	// Shutdown and the infer timeout cancel the generation; a disconnected
	// client cancels it too, through the request context.
	ctx, cancel := joinContexts(r.Context(), serverBaseCtx)
	defer cancel()
	if inferTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, inferTimeout)
		defer cancelTimeout()
	}

	clientGone := r.Context().Done()
	events := make(chan types.InferenceEvent, streamBuffer)
	emit := func(ev types.InferenceEvent) {
		select {
		case events <- ev:
		case <-clientGone:
		}
	}
	jobID, err := h.svc.Infer(ctx, req, emit)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		status := writeError(w, err)
		log.Info().Int("status", status).Dur("dur", time.Since(start)).Err(err).Msg("infer end")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Job-ID", jobID)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	// Clients see X-Job-ID before the first token.
	if flusher != nil {
		flusher.Flush()
	}
	var out io.Writer = w
	if requestLogLevel(r) >= LevelDebug {
		out = io.MultiWriter(w, &loggingLineWriter{log: *log})
	}
	enc := json.NewEncoder(out)
	for {
		select {
		case ev := <-events:
			if err := enc.Encode(ev); err != nil {
				log.Debug().Err(err).Str("job", jobID).Msg("stream write failed")
				streamDisconnectsTotal.Inc()
				return
			}
			streamEventsTotal.WithLabelValues(ev.Type).Inc()
			if flusher != nil {
				flusher.Flush()
			}
			if ev.Type == "end" {
				log.Info().Int("status", http.StatusOK).Str("job", jobID).Str("stop_reason", ev.StopReason).
					Dur("dur", time.Since(start)).Msg("infer end")
				return
			}
		case <-clientGone:
			streamDisconnectsTotal.Inc()
			log.Info().Str("job", jobID).Dur("dur", time.Since(start)).Msg("client disconnected")
			return
		}
	}
}
