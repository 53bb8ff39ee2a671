package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"llmnode/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() []types.Model
	Status() types.StatusResponse
	Ready() bool
	// Infer queues a generation and returns its job ID. emit receives every
	// event of the stream, ending with exactly one "end" event.
	Infer(ctx context.Context, req types.InferRequest, emit func(types.InferenceEvent)) (string, error)
	Cancel(jobID string) error
	Tokenize(ctx context.Context, modelID, text string, addBOS bool) (types.TokenizeResponse, error)
	Embed(ctx context.Context, modelID, text string) (types.EmbedResponse, error)
	Switch(ctx context.Context, modelID string) (string, error)
	Unload(modelID string) error
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(MetricsMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			ExposedHeaders: []string{"X-Job-ID", "X-Request-Id"},
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	h := &handlers{svc: svc}
	r.Get("/models", h.models)
	r.Post("/models/{id}/load", h.load)
	r.Delete("/models/{id}", h.unload)
	r.Get("/status", h.status)
	r.Post("/infer", h.infer)
	r.Delete("/jobs/{id}", h.cancel)
	r.Post("/tokenize", h.tokenize)
	r.Post("/embed", h.embed)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)
	return r
}

type handlers struct{ svc Service }

// decodeJSON enforces the JSON content type and body limit.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		// Oversized bodies also land here; the size limit is not disclosed.
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// models godoc
// @Summary     List models
// @Description Models discovered in the models directory.
// @Tags        models
// @Produce     json
// @Success     200 {object} types.ModelsResponse
// @Router      /models [get]
func (h *handlers) models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: h.svc.ListModels()})
}

// status godoc
// @Summary     Instance status
// @Tags        status
// @Produce     json
// @Success     200 {object} types.StatusResponse
// @Router      /status [get]
func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status())
}

// load godoc
// @Summary     Load a model in the background
// @Tags        models
// @Produce     json
// @Param       id  path     string true "Model ID"
// @Success     202 {object} types.OperationResponse
// @Failure     404 {object} types.ErrorResponse
// @Router      /models/{id}/load [post]
func (h *handlers) load(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	op, err := h.svc.Switch(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, types.OperationResponse{OpID: op, ModelID: id})
}

// unload godoc
// @Summary     Drain and unload a model
// @Tags        models
// @Param       id  path string true "Model ID"
// @Success     204
// @Failure     404 {object} types.ErrorResponse
// @Router      /models/{id} [delete]
func (h *handlers) unload(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Unload(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// cancel godoc
// @Summary     Cancel a queued or running generation
// @Tags        inference
// @Param       id  path string true "Job ID (X-Job-ID of the /infer response)"
// @Success     204
// @Failure     404 {object} types.ErrorResponse
// @Router      /jobs/{id} [delete]
func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Cancel(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// tokenize godoc
// @Summary     Tokenize text
// @Tags        inference
// @Accept      json
// @Produce     json
// @Param       request body     types.TokenizeRequest true "Text to tokenize"
// @Success     200     {object} types.TokenizeResponse
// @Failure     400     {object} types.ErrorResponse
// @Router      /tokenize [post]
func (h *handlers) tokenize(w http.ResponseWriter, r *http.Request) {
	var req types.TokenizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := h.svc.Tokenize(r.Context(), req.Model, req.Text, req.AddBOS)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// embed godoc
// @Summary     Embed text
// @Tags        inference
// @Accept      json
// @Produce     json
// @Param       request body     types.EmbedRequest true "Text to embed"
// @Success     200     {object} types.EmbedResponse
// @Failure     400     {object} types.ErrorResponse
// @Router      /embed [post]
func (h *handlers) embed(w http.ResponseWriter, r *http.Request) {
	var req types.EmbedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSONError(w, http.StatusBadRequest, "text is required")
		return
	}
	resp, err := h.svc.Embed(r.Context(), req.Model, req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
