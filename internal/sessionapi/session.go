package sessionapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/disintegration/imaging"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/culler/internal/triage"
)

const jpegQuality = 85

func (a *API) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := a.sess.Snapshot()
	annotate(r.Context(), snap)
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleImage(w http.ResponseWriter, r *http.Request) {
	id, img, ok := a.sess.Image()
	if !ok {
		http.Error(w, `{"error":"no image"}`, http.StatusNotFound)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("culler.asset.id", string(id)))

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Asset-Id", string(id))
	if err := imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		// headers are already out; the client sees a truncated body
		a.logger.Warn(r.Context(), "failed to encode image", "asset_id", string(id), "err", err)
	}
}

func (a *API) handleTrash(w http.ResponseWriter, r *http.Request) {
	ids, err := a.sess.Trashed(r.Context())
	if err != nil {
		a.writeError(w, r, err, "trashed")
		return
	}
	if ids == nil {
		ids = []triage.AssetID{}
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.Int("culler.trash.size", len(ids)))

	writeJSON(w, http.StatusOK, map[string]any{"trashed": ids})
}

// mutate runs a session operation and answers with the resulting snapshot.
func (a *API) mutate(op string, fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		span := trace.SpanFromContext(r.Context())
		span.SetAttributes(attribute.String("culler.op", op))

		if err := fn(r.Context()); err != nil {
			a.writeError(w, r, err, op)
			return
		}
		snap := a.sess.Snapshot()
		annotate(r.Context(), snap)
		writeJSON(w, http.StatusOK, snap)
	}
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	a.mutate("start", a.sess.Start)(w, r)
}

func (a *API) handleKeep(w http.ResponseWriter, r *http.Request) {
	a.mutate("keep", a.sess.KeepCurrent)(w, r)
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	a.mutate("delete", a.sess.DeleteCurrent)(w, r)
}

func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	a.mutate("reset", a.sess.ResetData)(w, r)
}

func (a *API) handlePurge(w http.ResponseWriter, r *http.Request) {
	a.mutate("purge", a.sess.DeleteTrashed)(w, r)
}

func (a *API) handlePicker(w http.ResponseWriter, r *http.Request) {
	offer, err := a.sess.TakePickerOffer(r.Context())
	if err != nil {
		a.writeError(w, r, err, "picker")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"offer_picker": offer})
}

func (a *API) handleSettings(w http.ResponseWriter, r *http.Request) {
	err := a.sess.OpenSettings(r.Context())
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, errors.ErrUnsupported):
		http.Error(w, `{"error":"settings not supported"}`, http.StatusNotImplemented)
	default:
		a.writeError(w, r, err, "settings")
	}
}

func annotate(ctx context.Context, snap triage.Snapshot) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("culler.state", string(snap.State)),
		attribute.Int("culler.remaining", snap.Remaining),
	)
}
