package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/kiwari-pos/till/internal/config"
	"github.com/kiwari-pos/till/internal/enum"
	"github.com/kiwari-pos/till/internal/handler"
	"github.com/kiwari-pos/till/internal/logger"
	mw "github.com/kiwari-pos/till/internal/middleware"
	"github.com/kiwari-pos/till/internal/service"
	"github.com/kiwari-pos/till/internal/ws"
)

// New creates a Chi router with all application routes wired up.
// Applies authentication, branch scoping, and role-based middleware as needed.
func New(cfg *config.Config, engine *service.Engine, hub *ws.Hub) chi.Router {
	r := chi.NewRouter()

	// Standard middleware
	r.Use(middleware.RequestID)
	r.Use(mw.RequestLogger)
	r.Use(middleware.Recoverer)

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", mw.ManagerPINHeader},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300, // 5 minutes
	}))

	// Public routes
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !engine.Overlays.Available() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"degraded","store":"unavailable"}`))
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	})

	// WebSocket route (handles auth internally via query param)
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWS(hub, cfg.JWTSecret, cfg.BranchID, w, r)
	})

	slotHandler := handler.NewSlotHandler(engine.Slots, engine.Checkout)
	cartHandler := handler.NewCartHandler(engine.Carts)
	orderHandler := handler.NewOrderHandler(engine.Overlays, engine.Checkout, engine.Carts)
	syncHandler := handler.NewSyncHandler(engine.Sync)

	// Protected routes (require authentication and this branch)
	r.Group(func(r chi.Router) {
		r.Use(mw.Authenticate(cfg.JWTSecret))
		r.Use(mw.RequireBranch(cfg.BranchID))

		r.Route("/slots", func(r chi.Router) {
			slotHandler.RegisterRoutes(r)

			r.Route("/{sid}/cart", cartHandler.RegisterRoutes)
			r.Route("/{sid}/order", func(r chi.Router) {
				orderHandler.RegisterSlotRoutes(r)

				// Editing a placed order needs a manager
				r.With(mw.RequireManager(cfg.ManagerPINHash)).Get("/edit", orderHandler.Edit)
			})
		})

		// Day-level views and sync control
		r.Group(func(r chi.Router) {
			r.Use(mw.RequireRole(enum.RoleOwner, enum.RoleManager, enum.RoleCashier))
			r.Route("/orders", orderHandler.RegisterRoutes)
			r.Route("/sync", syncHandler.RegisterRoutes)
		})
	})

	logger.For("http").Info("router initialized")
	return r
}
