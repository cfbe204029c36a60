package cli

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/cpd/internal/dictionary"
	"github.com/mesh-intelligence/cpd/internal/project"
	"github.com/mesh-intelligence/cpd/pkg/types"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var (
		addr       string
		projectArg string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve project status, logs and metrics over HTTP",
		Long: `Serve keeps a project open and answers on:

  GET    /healthz     liveness
  GET    /status      project state and connection
  POST   /reconnect   re-test the backend connection
  GET    /properties  property dictionary
  GET    /logs        recent log panel entries
  DELETE /logs        clear the log panel
  GET    /recent      recently opened projects
  GET    /metrics     Prometheus metrics

Without --project only /healthz, /logs, /recent and /metrics answer.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.cfg.Serve.Addr
			}
			var p *project.Project
			if projectArg != "" {
				var err error
				if p, err = a.openProject(cmd, projectArg); err != nil {
					return err
				}
				defer p.Close()
			}
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return &UserError{Message: "cannot listen on " + addr, Cause: err.Error(), Fix: "choose another --addr or serve.addr", ExitCode: ExitConfig, Err: err}
			}
			return a.serve(cmd.Context(), ln, a.router(p))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: serve.addr)")
	cmd.Flags().StringVarP(&projectArg, "project", "p", "", "project to keep open")
	return cmd
}

// serve runs the server on ln until ctx is done or the server fails.
func (a *app) serve(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info("serve.listen", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		a.log.Error("serve.failed", "err", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	a.log.Info("serve.stopped")
	return serveErr
}

// router builds the status API. p may be nil.
func (a *app) router(p *project.Project) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respond(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/logs", func(w http.ResponseWriter, _ *http.Request) {
		respond(w, http.StatusOK, a.panel.Entries())
	})
	r.Delete("/logs", func(w http.ResponseWriter, _ *http.Request) {
		a.panel.Clear()
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/recent", func(w http.ResponseWriter, _ *http.Request) {
		respond(w, http.StatusOK, a.recent.Load())
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))

	if p == nil {
		return r
	}
	dict := dictionary.New(p.Gateway())
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		respond(w, http.StatusOK, report(p))
	})
	r.Post("/reconnect", func(w http.ResponseWriter, r *http.Request) {
		if _, err := p.Reconnect(r.Context()); err != nil {
			a.log.Warn("serve.reconnect", "err", err)
		}
		respond(w, http.StatusOK, report(p))
	})
	r.Get("/properties", func(w http.ResponseWriter, r *http.Request) {
		f := dictionary.Filter{
			IncludeDeprecated: r.URL.Query().Get("all") == "true",
			Prefix:            r.URL.Query().Get("prefix"),
		}
		defs, err := dict.List(r.Context(), f)
		if err != nil {
			respondError(w, err)
			return
		}
		if defs == nil {
			defs = []types.PropertyDefinition{}
		}
		respond(w, http.StatusOK, defs)
	})
	r.Get("/properties/{id}", func(w http.ResponseWriter, r *http.Request) {
		def, err := dict.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			respondError(w, err)
			return
		}
		respond(w, http.StatusOK, def)
	})
	return r
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch types.KindOf(err) {
	case types.KindNotFound:
		status = http.StatusNotFound
	case types.KindValidation:
		status = http.StatusBadRequest
	case types.KindConnection, types.KindReadOnlyMode:
		status = http.StatusServiceUnavailable
	}
	respond(w, status, map[string]string{"error": toUserError(err).Message, "kind": string(types.KindOf(err))})
}
