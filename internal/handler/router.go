package handler

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-plt-approvals/internal/auth"
	"github.com/pesio-ai/be-plt-approvals/internal/middleware"
)

// RouterConfig holds the middleware settings for NewRouter.
type RouterConfig struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// NewRouter mounts every route. The task channel sits outside the timeout
// and request logger since its connections are long-lived.
func NewRouter(h *HTTPHandler, tokens *auth.Manager, cfg RouterConfig, log *zerolog.Logger) http.Handler {
	api := http.NewServeMux()

	// Health check
	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	api.HandleFunc("/api/v1/auth/token/refresh", h.RefreshToken)

	protected := http.NewServeMux()
	protected.HandleFunc("/api/v1/actions", h.ListActions)

	// Step routes
	protected.HandleFunc("/api/v1/steps", h.Steps)
	protected.HandleFunc("/api/v1/steps/get", h.GetStep)
	protected.HandleFunc("/api/v1/steps/update", h.UpdateStep)
	protected.HandleFunc("/api/v1/steps/delete", h.DeleteStep)
	protected.HandleFunc("/api/v1/steps/move", h.MoveStep)
	protected.HandleFunc("/api/v1/steps/commit", h.CommitOrder)
	protected.HandleFunc("/api/v1/steps/discard", h.DiscardOrder)

	// Task routes
	protected.HandleFunc("/api/v1/tasks", h.ListTasks)
	protected.HandleFunc("/api/v1/tasks/submit", h.Submit)
	protected.HandleFunc("/api/v1/tasks/decide", h.Decide)
	protected.HandleFunc("/api/v1/tasks/history", h.History)

	api.Handle("/api/v1/", middleware.Auth(tokens, false)(protected))

	// Apply middleware
	chained := middleware.Chain(api,
		middleware.RequestID,
		middleware.Logger(log),
		middleware.Recovery(log),
		middleware.CORS(cfg.AllowedOrigins),
		middleware.Timeout(cfg.RequestTimeout),
	)

	root := http.NewServeMux()
	root.Handle("/api/v1/ws/tasks", middleware.Chain(http.HandlerFunc(h.TaskChannel),
		middleware.RequestID,
		middleware.Recovery(log),
		middleware.Auth(tokens, true),
	))
	root.Handle("/", chained)
	return root
}
