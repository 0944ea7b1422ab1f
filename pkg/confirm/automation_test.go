package confirm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nstogner/aide/pkg/domain"
	"github.com/nstogner/aide/pkg/store/sqlite"
)

func newTestGateway(t *testing.T, timeout time.Duration) (*Automation, *sqlite.Store) {
	t.Helper()
	st, err := sqlite.New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewAutomation(st, st, timeout), st
}

func seedExecution(t *testing.T, st *sqlite.Store, executionID string) {
	t.Helper()
	ctx := context.Background()
	if err := st.CreateUser(ctx, &domain.User{ID: "user-1", Name: "Test User"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	err := st.CreateAutomation(ctx, &domain.Automation{
		ID: "auto-1", UserID: "user-1", Name: "Nightly Cleanup",
		Prompt: "tidy up", TriggerType: domain.TriggerCron, Status: domain.AutomationActive,
	})
	if err != nil {
		t.Fatalf("CreateAutomation: %v", err)
	}
	err = st.CreateExecution(ctx, &domain.Execution{
		ID: executionID, AutomationID: "auto-1", Status: domain.ExecutionRunning,
	})
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
}

// waitForPending polls until the execution's confirmation row exists.
func waitForPending(t *testing.T, a *Automation) domain.PendingConfirmationView {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pending, err := a.Pending(context.Background(), "user-1")
		if err != nil {
			t.Fatalf("Pending: %v", err)
		}
		if len(pending) > 0 {
			return pending[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a pending confirmation")
	return domain.PendingConfirmationView{}
}

func TestAutomationRequestApproveResumes(t *testing.T) {
	a, st := newTestGateway(t, time.Hour)
	seedExecution(t, st, "exec-1")
	ctx := context.Background()

	gw := a.ForExecution("exec-1")
	type result struct {
		resp *domain.ConfirmationResponse
		err  error
	}
	resc := make(chan result, 1)
	go func() {
		resp, err := gw.RequestConfirmation(ctx, &domain.ConfirmationRequest{
			Title:     "Send the report?",
			Operation: "send",
			Context:   domain.ConfirmationContext{ToolName: "email"},
		})
		resc <- result{resp, err}
	}()

	row := waitForPending(t, a)
	if row.ExecutionID != "exec-1" || row.AutomationName != "Nightly Cleanup" {
		t.Errorf("pending row = %+v", row)
	}

	// The owning execution is parked while the request waits.
	exec, _ := st.GetExecution(ctx, "exec-1")
	if exec.Status != domain.ExecutionAwaitingConfirmation {
		t.Errorf("execution status = %q, want awaiting_confirmation", exec.Status)
	}

	if err := a.Respond(ctx, row.ID, &domain.ConfirmationResponse{Approved: true, OptionID: "yes"}); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	res := <-resc
	if res.err != nil {
		t.Fatalf("RequestConfirmation: %v", res.err)
	}
	if !res.resp.Approved || res.resp.OptionID != "yes" {
		t.Errorf("resp = %+v", res.resp)
	}

	// Durable record and execution status reflect the approval.
	conf, _ := st.GetConfirmation(ctx, row.ID)
	if conf.Status != domain.ConfirmationApproved || conf.RespondedAt == nil {
		t.Errorf("confirmation row = %+v", conf)
	}
	exec, _ = st.GetExecution(ctx, "exec-1")
	if exec.Status != domain.ExecutionRunning {
		t.Errorf("execution status after approval = %q, want running", exec.Status)
	}
}

func TestAutomationRequestDenied(t *testing.T) {
	a, st := newTestGateway(t, time.Hour)
	seedExecution(t, st, "exec-1")
	ctx := context.Background()

	resc := make(chan *domain.ConfirmationResponse, 1)
	go func() {
		resp, err := a.ForExecution("exec-1").RequestConfirmation(ctx, &domain.ConfirmationRequest{
			Operation: "delete",
		})
		if err != nil {
			t.Errorf("RequestConfirmation: %v", err)
		}
		resc <- resp
	}()

	row := waitForPending(t, a)
	if err := a.Respond(ctx, row.ID, &domain.ConfirmationResponse{Approved: false}); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	resp := <-resc
	if resp.Approved {
		t.Error("denied response reported as approved")
	}
	conf, _ := st.GetConfirmation(ctx, row.ID)
	if conf.Status != domain.ConfirmationDenied {
		t.Errorf("confirmation status = %q, want denied", conf.Status)
	}
}

func TestAutomationRequestExpires(t *testing.T) {
	a, st := newTestGateway(t, 30*time.Millisecond)
	seedExecution(t, st, "exec-1")
	ctx := context.Background()

	_, err := a.ForExecution("exec-1").RequestConfirmation(ctx, &domain.ConfirmationRequest{
		Operation: "send",
	})
	if !errors.Is(err, ErrConfirmationTimeout) {
		t.Fatalf("err = %v, want ErrConfirmationTimeout", err)
	}

	pending, _ := a.Pending(ctx, "user-1")
	if len(pending) != 0 {
		t.Errorf("expired confirmation still listed as pending: %+v", pending)
	}
}

func TestRespondRejectsNonPending(t *testing.T) {
	a, st := newTestGateway(t, time.Hour)
	seedExecution(t, st, "exec-1")
	ctx := context.Background()

	err := st.CreateConfirmation(ctx, &domain.PendingConfirmation{
		ID: "conf-1", ExecutionID: "exec-1",
		Status: domain.ConfirmationExpired, ExpiresAt: time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("CreateConfirmation: %v", err)
	}

	err = a.Respond(ctx, "conf-1", &domain.ConfirmationResponse{Approved: true})
	if err == nil || !strings.Contains(err.Error(), "not pending") {
		t.Fatalf("err = %v, want not-pending rejection", err)
	}
}

func TestRespondWithoutLiveWaiter(t *testing.T) {
	a, st := newTestGateway(t, time.Hour)
	seedExecution(t, st, "exec-1")
	ctx := context.Background()

	// A row left over from a previous process: durably pending, but no
	// goroutine is parked on it.
	err := st.CreateConfirmation(ctx, &domain.PendingConfirmation{
		ID: "conf-1", ExecutionID: "exec-1",
		Status: domain.ConfirmationPending, ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateConfirmation: %v", err)
	}

	err = a.Respond(ctx, "conf-1", &domain.ConfirmationResponse{Approved: true})
	if err == nil || !strings.Contains(err.Error(), "no live waiter") {
		t.Fatalf("err = %v, want no-live-waiter error", err)
	}

	// The durable answer is still recorded.
	conf, _ := st.GetConfirmation(ctx, "conf-1")
	if conf.Status != domain.ConfirmationApproved {
		t.Errorf("confirmation status = %q, want approved", conf.Status)
	}
}

func TestSweepExpired(t *testing.T) {
	a, st := newTestGateway(t, time.Hour)
	seedExecution(t, st, "exec-1")
	ctx := context.Background()

	err := st.CreateConfirmation(ctx, &domain.PendingConfirmation{
		ID: "conf-1", ExecutionID: "exec-1",
		Status: domain.ConfirmationPending, ExpiresAt: time.Now().UTC().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("CreateConfirmation: %v", err)
	}

	if err := a.SweepExpired(ctx); err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}

	conf, _ := st.GetConfirmation(ctx, "conf-1")
	if conf.Status != domain.ConfirmationExpired {
		t.Errorf("confirmation status = %q, want expired", conf.Status)
	}
	exec, _ := st.GetExecution(ctx, "exec-1")
	if exec.Status != domain.ExecutionCancelled {
		t.Errorf("execution status = %q, want cancelled", exec.Status)
	}
	if exec.ErrorMessage != "Confirmation timeout expired" {
		t.Errorf("ErrorMessage = %q", exec.ErrorMessage)
	}
	if exec.CompletedAt == nil {
		t.Error("CompletedAt not set on swept execution")
	}
}
