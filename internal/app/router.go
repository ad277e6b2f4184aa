package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ledgerkeep/ledgerkeep/internal/ap"
	"github.com/ledgerkeep/ledgerkeep/internal/ar"
	"github.com/ledgerkeep/ledgerkeep/internal/fiscal"
	"github.com/ledgerkeep/ledgerkeep/internal/ledger"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger        *slog.Logger
	Config        *Config
	FiscalHandler *fiscal.Handler
	LedgerHandler *ledger.Handler
	ARHandler     *ar.Handler
	APHandler     *ap.Handler
}

// NewRouter constructs the chi.Router with Ledgerkeep defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger: params.Logger,
		Config: params.Config,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(api chi.Router) {
		if params.FiscalHandler != nil {
			api.Route("/fiscal", params.FiscalHandler.MountRoutes)
		}
		if params.LedgerHandler != nil {
			api.Route("/ledger", params.LedgerHandler.MountRoutes)
		}
		if params.ARHandler != nil {
			api.Route("/finance/ar", params.ARHandler.MountRoutes)
		}
		if params.APHandler != nil {
			api.Route("/finance/ap", params.APHandler.MountRoutes)
		}
	})

	return r
}
