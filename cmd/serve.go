package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/docpipe/internal/orchestrator"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for extraction requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))

		r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Post("/extract", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				FilePath   string `json:"file_path"`
				DocType    string `json:"doc_type"`
				ExternalID string `json:"external_id"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
				return
			}
			if body.FilePath == "" || body.DocType == "" {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "file_path and doc_type are required"})
				return
			}

			result, failure := env.Orchestrator.Run(req.Context(), orchestrator.RunRequest{
				FilePath:   body.FilePath,
				DocType:    body.DocType,
				ExternalID: body.ExternalID,
			})
			if failure != nil {
				writeJSON(w, http.StatusUnprocessableEntity, failure)
				return
			}
			writeJSON(w, http.StatusOK, result)
		})

		r.Get("/audit/{requestID}", func(w http.ResponseWriter, req *http.Request) {
			requestID := chi.URLParam(req, "requestID")
			events, err := env.Store.ListAuditEvents(req.Context(), requestID)
			if err != nil {
				zap.L().Error("audit trail lookup failed",
					zap.String("request_id", requestID),
					zap.Error(err))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "audit lookup failed"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"request_id": requestID,
				"events":     events,
			})
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			_ = srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
