package api

import (
	"context"
	"net/http"

	"onboardvoice/internal/auth"
	"onboardvoice/internal/db"
	"onboardvoice/internal/session"
	"onboardvoice/internal/ws"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// SyncLedger lists recorded step syncs. Nil when no database is configured.
type SyncLedger interface {
	ListStepSyncs(ctx context.Context, sessionID string) ([]db.StepSync, error)
}

type Dependencies struct {
	Sessions *session.Manager
	Ledger   SyncLedger
	Hub      *ws.Hub
	Auth     *auth.JWTConfig
	Log      *zap.Logger
}

func Routes(d Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestLogger(d.Log))
	if d.Auth == nil {
		d.Auth = auth.NewJWTConfig("", false)
	}
	r.Use(d.Auth.Middleware)

	r.Post("/sessions", d.createSession)
	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Get("/", d.getSession)
		r.Delete("/", d.closeSession)
		r.Post("/events", d.postEvent)
		r.Post("/input", d.postInput)
		r.Post("/turn-finished", d.postTurnFinished)
		r.Post("/external-action", d.postExternalAction)
		r.Get("/return", d.getReturn)
		r.Get("/syncs", d.listSyncs)
	})

	r.Get("/ws", d.wsHandler)

	return r
}
