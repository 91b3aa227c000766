package rest

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/deliveryopt/internal/logctx"
	"github.com/italolelis/deliveryopt/internal/storage"
	"github.com/italolelis/deliveryopt/pkg/do"
	"github.com/italolelis/deliveryopt/pkg/do/rpc"
)

const maxRequestBody = 1 << 20

// DownloadsHandler exposes a do.Service over the /v1 JSON API.
type DownloadsHandler struct {
	svc     do.Service
	journal storage.DownloadReadRepository
	token   string
}

// NewDownloadsHandler creates the handler. A nil journal disables listing and
// an empty token disables authentication.
func NewDownloadsHandler(svc do.Service, journal storage.DownloadReadRepository, token string) *DownloadsHandler {
	return &DownloadsHandler{
		svc:     svc,
		journal: journal,
		token:   token,
	}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.token != "" {
		r.Use(h.bearerAuthMiddleware)
	}

	r.Route("/v1/downloads", func(r chi.Router) {
		r.Post("/", h.HandleCreate)
		r.Get("/", h.HandleList)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/status", h.HandleStatus)
			r.Put("/properties/{name}", h.HandleSetProperty)
			r.Get("/properties/{name}", h.HandleGetProperty)
			r.Post("/{action:start|pause|finalize|abort}", h.HandleAction)
		})
	})

	return r
}

func (h *DownloadsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req rpc.CreateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		h.writeError(w, r, do.Errorf("create", do.ErrInvalidArg, "invalid request body: %w", err))

		return
	}

	id, err := h.svc.Create(r.Context(), req.URI, req.LocalPath)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	h.writeJSON(w, r, http.StatusCreated, rpc.CreateResponse{ID: id})
}

// HandleList returns the download journal, newest first.
func (h *DownloadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		h.writeError(w, r, do.Errorf("list", do.ErrNotImplemented, "the download journal is disabled"))

		return
	}

	recs, err := h.journal.GetDownloads(r.Context())
	if err != nil {
		h.writeError(w, r, do.NewError("list", do.ErrFail, err))

		return
	}

	out := make([]rpc.Record, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rpc.Record{
			ID:                rec.DownloadID,
			URI:               rec.URI,
			LocalPath:         rec.LocalPath,
			CallerName:        rec.CallerName,
			CorrelationVector: rec.CorrelationVector,
			State:             rec.State,
			BytesTransferred:  rec.BytesTransferred,
			BytesTotal:        rec.BytesTotal,
			ErrorCode:         rec.ErrorCode,
			CreatedAt:         rec.CreatedAt,
			UpdatedAt:         rec.UpdatedAt,
		})
	}

	h.writeJSON(w, r, http.StatusOK, out)
}

func (h *DownloadsHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	h.writeJSON(w, r, http.StatusOK, rpc.NewStatusResponse(s))
}

func (h *DownloadsHandler) HandleSetProperty(w http.ResponseWriter, r *http.Request) {
	p, err := do.ParseProperty(chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	var wire rpc.Value
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&wire); err != nil {
		h.writeError(w, r, do.Errorf("set_property", do.ErrInvalidArg, "invalid request body: %w", err))

		return
	}

	v, err := rpc.DecodeValue(wire)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	if err := h.svc.SetProperty(r.Context(), chi.URLParam(r, "id"), p, v); err != nil {
		h.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadsHandler) HandleGetProperty(w http.ResponseWriter, r *http.Request) {
	p, err := do.ParseProperty(chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	v, err := h.svc.GetProperty(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	wire, err := rpc.EncodeValue(v)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	h.writeJSON(w, r, http.StatusOK, wire)
}

func (h *DownloadsHandler) HandleAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := logctx.WithDownloadID(r.Context(), id)

	var err error

	switch chi.URLParam(r, "action") {
	case "start":
		err = h.svc.Start(ctx, id)
	case "pause":
		err = h.svc.Pause(ctx, id)
	case "finalize":
		err = h.svc.Finalize(ctx, id)
	case "abort":
		err = h.svc.Abort(ctx, id)
	}

	if err != nil {
		h.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadsHandler) bearerAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) != 1 {
			http.Error(w, "invalid token", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusFor maps an error code to the HTTP status of the answer.
func statusFor(code do.Errc) int {
	switch code {
	case do.ErrInvalidArg, do.ErrUnknownPropertyID:
		return http.StatusBadRequest
	case do.ErrNotFound:
		return http.StatusNotFound
	case do.ErrInvalidState:
		return http.StatusConflict
	case do.ErrNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func (h *DownloadsHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	logger := logctx.LoggerFromContext(r.Context())

	code := do.CodeOf(err)
	status := statusFor(code)

	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed", "err", err, "code", code.Error())
	} else {
		logger.DebugContext(r.Context(), "request rejected", "err", err, "code", code.Error())
	}

	message := err.Error()

	var de *do.Error
	if errors.As(err, &de) && de.Err != nil {
		message = de.Err.Error()
	}

	h.writeJSON(w, r, status, rpc.ErrorResponse{Code: int32(code), Message: message})
}

func (h *DownloadsHandler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}
