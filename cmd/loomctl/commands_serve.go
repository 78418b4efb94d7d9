package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomctx/loomctx/internal/errs"
	"github.com/loomctx/loomctx/internal/observability"
	"github.com/loomctx/loomctx/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose the Block CRUD surface over HTTP, plus /metrics and /healthz",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8088", "listen address")
	return cmd
}

// serveRuntimes is the set of agent runtimes the HTTP surface dispatches
// into, resolved lazily per (agent_id, user_id) pair the same way "chat"
// and "block" subcommands do.
type serveRuntimes struct {
	cfg *Config
}

func (s *serveRuntimes) runtimeFor(agentID, userID string) (*agentRuntime, error) {
	if agentID == "" || userID == "" {
		return nil, newUsageError("agent_id and user_id query parameters are required")
	}
	return buildRuntime(s.cfg, agentID, userID)
}

func runServe(ctx context.Context, addr string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	runtimes := &serveRuntimes{cfg: cfg}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/blocks", runtimes.handleBlocks)
	mux.HandleFunc("/blocks/", runtimes.handleBlockByID)
	mux.HandleFunc("/blocks/search", runtimes.handleBlockSearch)
	mux.HandleFunc("/blocks/user/", runtimes.handleBlocksByUser)

	srv := &http.Server{Addr: addr, Handler: withRequestLogging(mux, sharedMetrics(), sharedTracer(cfg))}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	slog.Info("loomctl serve listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		slog.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}

// statusRecorder captures the status code a handler wrote so it can be
// reported to both the log line and the HTTPRequestDuration histogram.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func withRequestLogging(next http.Handler, metrics *observability.Metrics, tracer *observability.Tracer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		ctx := r.Context()
		var span trace.Span
		if tracer != nil {
			ctx, span = tracer.TraceHTTPRequest(ctx, r.Method, r.URL.Path)
		}

		next.ServeHTTP(rec, r.WithContext(ctx))
		elapsed := time.Since(start)

		if span != nil {
			if rec.status >= 500 {
				tracer.RecordError(span, fmt.Errorf("http %d", rec.status))
			}
			span.End()
		}

		slog.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", elapsed)
		if metrics != nil {
			metrics.HTTPRequestDuration.
				WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).
				Observe(elapsed.Seconds())
		}
	})
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleBlocks dispatches POST /blocks (create).
func (s *serveRuntimes) handleBlocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed on /blocks", r.Method))
		return
	}

	var b models.Block
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode block: %w", err))
		return
	}
	if b.ID == "" || b.UserID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("id and user_id are required"))
		return
	}

	rt, err := s.runtimeFor(r.URL.Query().Get("agent_id"), b.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	now := models.NowMillis()
	b.CreatedAt = now
	b.UpdatedAt = now
	if err := rt.store.Store(r.Context(), &b); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"block_id": b.ID})
}

// handleBlockByID dispatches GET/PUT/DELETE /blocks/:id.
func (s *serveRuntimes) handleBlockByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/blocks/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("no route for %s", r.URL.Path))
		return
	}

	userID := r.URL.Query().Get("user_id")
	rt, err := s.runtimeFor(r.URL.Query().Get("agent_id"), userID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		b, err := rt.store.Get(r.Context(), id)
		if err != nil {
			writeError(w, statusForStoreErr(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]*models.Block{"block": b})

	case http.MethodPut:
		var b models.Block
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode block: %w", err))
			return
		}
		b.ID = id
		b.UpdatedAt = models.NowMillis()
		newID, err := rt.store.Update(r.Context(), id, &b)
		if err != nil {
			writeError(w, statusForStoreErr(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"block_id": newID})

	case http.MethodDelete:
		if err := rt.store.Delete(r.Context(), id); err != nil {
			writeError(w, statusForStoreErr(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed on /blocks/:id", r.Method))
	}
}

// handleBlockSearch dispatches POST /blocks/search.
func (s *serveRuntimes) handleBlockSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed on /blocks/search", r.Method))
		return
	}

	var q models.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode query: %w", err))
		return
	}

	rt, err := s.runtimeFor(r.URL.Query().Get("agent_id"), q.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	results, err := rt.store.Query(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]models.SearchResult{"blocks": results})
}

// handleBlocksByUser dispatches GET /blocks/user/:user_id.
func (s *serveRuntimes) handleBlocksByUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed on /blocks/user/:user_id", r.Method))
		return
	}
	userID := strings.TrimPrefix(r.URL.Path, "/blocks/user/")
	if userID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("user_id is required"))
		return
	}

	rt, err := s.runtimeFor(r.URL.Query().Get("agent_id"), userID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	results, err := rt.store.Query(r.Context(), models.Query{UserID: userID, Sort: models.SortNewestFirst, Limit: limit})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]models.SearchResult{"blocks": results})
}

func statusForStoreErr(err error) int {
	if errors.Is(err, errs.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
