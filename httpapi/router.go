// Package httpapi exposes a task over HTTP: list its actions, read and write
// its parameters, and inject blind obeys and kicks.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/goliatone/go-drama"
	"github.com/goliatone/go-drama/dispatcher"
)

// Task is the surface of a running task the routes need. *task.Runtime
// satisfies it.
type Task interface {
	Name() string
	Actions(ctx context.Context) ([]dispatcher.ActionInfo, error)
	Obey(action string, args []any, kwargs map[string]any) error
	Kick(action string, args []any, kwargs map[string]any) error
	ParamNames() []string
	Param(name string) (any, error)
	SetParam(name string, value any) error
}

// NewRouter registers every route for t. Middleware is applied globally in
// the order given, after request ids and panic recovery.
func NewRouter(t Task, logger drama.Logger, middlewares ...func(http.Handler) http.Handler) http.Handler {
	h := &handler{task: t, logger: drama.NormalizeLogger(logger)}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	for _, mw := range middlewares {
		r.Use(mw)
	}

	r.Get("/health", h.health)
	r.Route("/actions", func(r chi.Router) {
		r.Get("/", h.listActions)
		r.Post("/{name}/obey", h.obey)
		r.Post("/{name}/kick", h.kick)
	})
	r.Route("/params", func(r chi.Router) {
		r.Get("/", h.listParams)
		r.Get("/{name}", h.getParam)
		r.Put("/{name}", h.setParam)
	})
	return r
}

// NewServer wraps handler in a server with the given timeouts.
func NewServer(addr string, handler http.Handler, readTimeout, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
	}
}
