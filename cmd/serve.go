package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meridian-health/priorauth-cli/internal/model"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the decision API server",
	Long: `serve exposes the decision pipeline over HTTP:

  POST /v1/decisions   evaluate a case bundle
  GET  /v1/metrics     pipeline counters
  GET  /health         liveness probe`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (defaults to server.port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate("serve"); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	environment, err := buildEnv(ctx, cfg)
	if err != nil {
		return err
	}
	defer environment.Close()

	port := servePort
	if port == 0 {
		port = cfg.Server.Port
	}

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           newServeMux(environment),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("decision server listening", zap.Int("port", port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		zap.L().Info("shutting down decision server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}

func newServeMux(environment *env) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", handleHealth)
	r.Post("/v1/decisions", handleDecisions(environment))
	r.Get("/v1/metrics", handleMetrics(environment))
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decisionRequest is a case bundle plus an optional policy document id.
type decisionRequest struct {
	CaseID   string         `json:"case_id"`
	PolicyID string         `json:"policy_id"`
	Facts    []model.Fact   `json:"facts"`
	Metadata map[string]any `json:"metadata,omitempty"`
	DocID    string         `json:"doc_id,omitempty"`
}

func handleDecisions(environment *env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req decisionRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if req.CaseID == "" || req.PolicyID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "case_id and policy_id are required"})
			return
		}

		bundle := &model.CaseBundle{
			CaseID:   req.CaseID,
			PolicyID: req.PolicyID,
			Facts:    req.Facts,
			Metadata: req.Metadata,
		}
		results := environment.router.Evaluate(r.Context(), bundle, req.DocID)

		writeJSON(w, http.StatusOK, map[string]any{
			"case_id": req.CaseID,
			"results": results,
		})
	}
}

func handleMetrics(environment *env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, environment.metrics.Snapshot())
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Warn("response encode failed", zap.Error(err))
	}
}
