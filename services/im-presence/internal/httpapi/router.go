// Package httpapi serves the HTTP side of the presence service: the WebSocket
// upgrade, metrics, health and the internal admin endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"yuim/libs/core-push-go/pkg/event"
	"yuim/services/im-presence/internal/ingest"
	"yuim/services/im-presence/internal/registry"
)

const maxBody = 64 << 10

// Presence is the read side of the session registry.
type Presence interface {
	Counts() registry.Stats
	SessionsOf(userID string) []registry.Target
}

// Ingester accepts chapter releases posted by the catalog service.
type Ingester interface {
	Ingest(ctx context.Context, rel event.ChapterRelease) (event.Event, error)
}

type Deps struct {
	// WS upgrades /ws; nil leaves the route unmounted.
	WS       http.Handler
	Presence Presence
	Ingest   Ingester // optional
	Log      *zap.Logger
}

func NewRouter(d Deps) http.Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	a := &api{d: d, log: d.Log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	r.Handle("/metrics", promhttp.Handler())
	if d.WS != nil {
		r.Get("/ws", d.WS.ServeHTTP)
	}

	r.Route("/internal", func(r chi.Router) {
		r.Use(a.accessLog)
		r.Get("/stats", a.stats)
		r.Get("/users/{userID}/sessions", a.userSessions)
		if d.Ingest != nil {
			r.Post("/chapters", a.postChapter)
		}
	})
	return r
}

type api struct {
	d   Deps
	log *zap.Logger
}

func (a *api) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("http",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (a *api) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.d.Presence.Counts())
}

type sessionView struct {
	Handle   string `json:"handle"`
	Kind     string `json:"kind"`
	Endpoint string `json:"endpoint"`
}

func (a *api) userSessions(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "userID")
	ts := a.d.Presence.SessionsOf(uid)
	out := make([]sessionView, 0, len(ts))
	for _, t := range ts {
		out = append(out, sessionView{
			Handle:   string(t.Handle),
			Kind:     string(t.Session.Kind()),
			Endpoint: t.Session.Endpoint(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": uid, "online": len(out) > 0, "sessions": out})
}

func (a *api) postChapter(w http.ResponseWriter, r *http.Request) {
	var rel event.ChapterRelease
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(&rel); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	evt, err := a.d.Ingest.Ingest(r.Context(), rel)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"event_id": evt.ID})
	case errors.Is(err, ingest.ErrDuplicate):
		writeJSON(w, http.StatusOK, map[string]any{"duplicate": true})
	case errors.Is(err, ingest.ErrInvalidRelease):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		a.log.Warn("chapter ingest failed", zap.String("manga_id", rel.MangaID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "ingest unavailable")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
