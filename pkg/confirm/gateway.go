// Package confirm mediates approval of risky tool calls between the
// orchestration loop and an external actor. Two gateways share one
// interface: an interactive gateway tied to a live connection, and an
// automation gateway that persists the handshake durably with expiry.
package confirm

import (
	"context"
	"errors"
	"time"

	"github.com/nstogner/aide/pkg/domain"
)

// ErrConfirmationTimeout is returned when a confirmation expires before
// any actor responds. It is never retried by the automation executor.
var ErrConfirmationTimeout = errors.New("confirmation timeout")

// DefaultTimeout is the conservative window for unattended runs.
const DefaultTimeout = 24 * time.Hour

// Gateway suspends a tool call until its confirmation request is
// resolved, denied, cancelled, or expired.
type Gateway interface {
	RequestConfirmation(ctx context.Context, req *domain.ConfirmationRequest) (*domain.ConfirmationResponse, error)
}
