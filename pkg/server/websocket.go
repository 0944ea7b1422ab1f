package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nstogner/aide/pkg/confirm"
	"github.com/nstogner/aide/pkg/domain"
	"github.com/nstogner/aide/pkg/runner"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// clientMessage is one control message from the chat client.
type clientMessage struct {
	Type      string `json:"type"` // message, pause, resume, interrupt, confirmation_response
	Content   string `json:"content,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	OptionID  string `json:"option_id,omitempty"`
	Approved  bool   `json:"approved,omitempty"`
	Value     string `json:"value,omitempty"`

	DeepThought bool `json:"deep_thought,omitempty"`
	FastMode    bool `json:"fast_mode,omitempty"`
}

// serverEvent is one push event to the chat client.
type serverEvent struct {
	Type       string                      `json:"type"` // tool_call_start, iteration, reasoning, response, confirmation_request, paused, error
	Iteration  *domain.Iteration           `json:"iteration,omitempty"`
	Thought    string                      `json:"thought,omitempty"`
	Content    string                      `json:"content,omitempty"`
	Iterations int                         `json:"iterations,omitempty"`
	Request    *domain.ConfirmationRequest `json:"request,omitempty"`
	Error      string                      `json:"error,omitempty"`
}

// chatSession is one live interactive conversation over a websocket.
// The connection is the durability boundary for its confirmations.
type chatSession struct {
	server       *Server
	ws           *websocket.Conn
	writeMu      sync.Mutex
	user         *domain.User
	trajectoryID string
	gateway      *confirm.Interactive

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func (s *Server) handleChatWebSocket(w http.ResponseWriter, r *http.Request) {
	trajectoryID := r.PathValue("id")
	if trajectoryID == "" {
		trajectoryID = uuid.New().String()
	}

	var user *domain.User
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		u, err := s.users.GetUser(r.Context(), userID)
		if err != nil {
			http.Error(w, "User not found", http.StatusNotFound)
			return
		}
		user = u
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	sess := &chatSession{
		server:       s,
		ws:           ws,
		user:         user,
		trajectoryID: trajectoryID,
	}
	sess.gateway = confirm.NewInteractive(func(req *domain.ConfirmationRequest) error {
		return sess.send(serverEvent{Type: "confirmation_request", Request: req})
	})
	defer func() {
		sess.pause()
		sess.gateway.CancelAll()
	}()

	slog.Info("Chat session opened", "trajectoryID", trajectoryID)

	for {
		var msg clientMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			slog.Error("WebSocket read error", "error", err)
			return
		}

		switch msg.Type {
		case "message":
			if msg.Content == "" {
				continue
			}
			sess.startRun(r.Context(), msg)

		case "pause":
			sess.pause()
			sess.send(serverEvent{Type: "paused"})

		case "resume":
			// An empty content continues the trajectory where the
			// pause left it.
			sess.startRun(r.Context(), msg)

		case "interrupt":
			// Interrupt = pause, then resume with the new message.
			sess.pause()
			sess.startRun(r.Context(), msg)

		case "confirmation_response":
			resolved := sess.gateway.Resolve(msg.RequestID, &domain.ConfirmationResponse{
				RequestID: msg.RequestID,
				OptionID:  msg.OptionID,
				Approved:  msg.Approved,
				Value:     msg.Value,
			})
			if !resolved {
				sess.send(serverEvent{Type: "error", Error: "no pending confirmation " + msg.RequestID})
			}

		default:
			sess.send(serverEvent{Type: "error", Error: "unknown message type " + msg.Type})
		}
	}
}

// startRun launches one turn in the background. A second message while
// a run is active is rejected; the client must pause or interrupt.
func (sess *chatSession) startRun(parent context.Context, msg clientMessage) {
	sess.mu.Lock()
	if sess.running {
		sess.mu.Unlock()
		sess.send(serverEvent{Type: "error", Error: "a run is already active; pause or interrupt first"})
		return
	}
	ctx, cancel := context.WithCancel(parent)
	sess.cancel = cancel
	sess.done = make(chan struct{})
	sess.running = true
	done := sess.done
	sess.mu.Unlock()

	go func() {
		defer func() {
			sess.mu.Lock()
			sess.running = false
			sess.cancel = nil
			sess.mu.Unlock()
			close(done)
		}()

		result, err := sess.server.runner.Run(ctx, runner.Input{
			TrajectoryID: sess.trajectoryID,
			Query:        msg.Content,
			User:         sess.user,
			DeepThought:  msg.DeepThought,
			FastMode:     msg.FastMode,
			Gateway:      sess.gateway,
			Hooks: runner.Hooks{
				OnToolCallStart: func(it domain.Iteration) {
					sess.send(serverEvent{Type: "tool_call_start", Iteration: &it})
				},
				OnIteration: func(it domain.Iteration) {
					sess.send(serverEvent{Type: "iteration", Iteration: &it})
				},
				OnReasoning: func(thought string) {
					sess.send(serverEvent{Type: "reasoning", Thought: thought})
				},
			},
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				// Paused or interrupted; the trajectory stays
				// resumable at its last persisted step.
				return
			}
			sess.send(serverEvent{Type: "error", Error: err.Error()})
			return
		}
		sess.send(serverEvent{
			Type:       "response",
			Content:    result.Response,
			Iterations: result.Iterations,
		})
	}()
}

// pause stops the active run at the next iteration boundary and waits
// for it to land.
func (sess *chatSession) pause() {
	sess.mu.Lock()
	cancel := sess.cancel
	done := sess.done
	sess.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		select {
		case <-done:
		case <-time.After(30 * time.Second):
			slog.Warn("Timed out waiting for run to pause", "trajectoryID", sess.trajectoryID)
		}
	}
}

func (sess *chatSession) send(ev serverEvent) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	return sess.ws.WriteJSON(ev)
}
