// Package server exposes the REST API and the interactive websocket
// channel.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/nstogner/aide/pkg/automation"
	"github.com/nstogner/aide/pkg/confirm"
	"github.com/nstogner/aide/pkg/runner"
	"github.com/nstogner/aide/pkg/store"
)

// Server serves the REST API and the chat websocket.
type Server struct {
	automations store.AutomationStore
	executions  store.ExecutionStore
	users       store.UserStore
	executor    *automation.Executor
	gateway     *confirm.Automation
	runner      *runner.Runner
	srv         *http.Server
}

// New creates a new Server.
func New(
	automations store.AutomationStore,
	executions store.ExecutionStore,
	users store.UserStore,
	executor *automation.Executor,
	gateway *confirm.Automation,
	research *runner.Runner,
) *Server {
	return &Server{
		automations: automations,
		executions:  executions,
		users:       users,
		executor:    executor,
		gateway:     gateway,
		runner:      research,
	}
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()

	// Automation routes
	mux.HandleFunc("GET /api/automations", s.handleListAutomations)
	mux.HandleFunc("POST /api/automations", s.handleCreateAutomation)
	mux.HandleFunc("GET /api/automations/{id}", s.handleGetAutomation)
	mux.HandleFunc("PUT /api/automations/{id}", s.handleUpdateAutomation)
	mux.HandleFunc("DELETE /api/automations/{id}", s.handleDeleteAutomation)
	mux.HandleFunc("POST /api/automations/{id}/trigger", s.handleTriggerAutomation)
	mux.HandleFunc("POST /api/automations/{id}/cancel", s.handleCancelExecution)

	// Execution history
	mux.HandleFunc("GET /api/automations/{id}/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("POST /api/executions/{id}/cancel", s.handleCancelByExecution)

	// Confirmations
	mux.HandleFunc("GET /api/users/{id}/confirmations", s.handlePendingConfirmations)
	mux.HandleFunc("POST /api/confirmations/{id}/response", s.handleConfirmationResponse)

	// Interactive chat
	mux.HandleFunc("/api/chat/{id}", s.handleChatWebSocket)

	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.corsMiddleware(mux),
	}

	slog.Info("Starting server", "addr", addr)
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	slog.Error("API Error", "error", err)
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}
