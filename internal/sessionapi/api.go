// Package sessionapi exposes a triage session over HTTP: JSON snapshots,
// the current image, decision endpoints and a websocket snapshot stream.
package sessionapi

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/culler/internal/authmw"
	"github.com/linnemanlabs/culler/internal/triage"
)

// Session defines the triage operations sessionapi needs.
type Session interface {
	Start(ctx context.Context) error
	KeepCurrent(ctx context.Context) error
	DeleteCurrent(ctx context.Context) error
	DeleteTrashed(ctx context.Context) error
	ResetData(ctx context.Context) error
	OpenSettings(ctx context.Context) error
	TakePickerOffer(ctx context.Context) (bool, error)
	Trashed(ctx context.Context) ([]triage.AssetID, error)
	Snapshot() triage.Snapshot
	Image() (triage.AssetID, image.Image, bool)
	Subscribe() (<-chan triage.Snapshot, func())
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	sess   Session
	token  string
}

// New creates a new API handler. A non-empty token is required as a bearer
// token on every mutating route.
func New(logger log.Logger, sess Session, token string) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if sess == nil {
		panic(xerrors.New("session is required"))
	}
	return &API{
		logger: logger,
		sess:   sess,
		token:  token,
	}
}

// RegisterRoutes attaches API endpoints to the router. The events stream is
// registered separately through RegisterStream.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/session", a.handleSnapshot)
		r.Get("/session/image", a.handleImage)
		r.Get("/trash", a.handleTrash)

		r.Group(func(r chi.Router) {
			r.Use(authmw.BearerToken(a.token))
			r.Post("/session/start", a.handleStart)
			r.Post("/session/keep", a.handleKeep)
			r.Post("/session/delete", a.handleDelete)
			r.Post("/session/reset", a.handleReset)
			r.Post("/session/picker", a.handlePicker)
			r.Post("/trash/purge", a.handlePurge)
			r.Post("/settings", a.handleSettings)
		})
	})
}

// RegisterStream attaches the websocket snapshot stream. It must be mounted
// on a router whose middleware leaves the ResponseWriter hijackable.
func (a *API) RegisterStream(r chi.Router) {
	r.Get("/api/v1/session/events", a.handleEvents)
}

// writeError maps session errors onto status codes.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error, op string) {
	switch {
	case errors.Is(err, triage.ErrClosed):
		http.Error(w, `{"error":"session closed"}`, http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, `{"error":"request cancelled"}`, http.StatusServiceUnavailable)
	default:
		a.logger.Error(r.Context(), err, "session operation failed", "op", op)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}
