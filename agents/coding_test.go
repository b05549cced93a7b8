package agents

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRenderPrompt(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		wantAll []string
	}{
		{
			name: "first attempt has no feedback section",
			task: Task{
				TicketID:    "42",
				TicketTitle: "Add retry budget",
				TicketBody:  "Implement max_retries_ci enforcement.",
				Branch:      "ticket-42",
			},
			wantAll: []string{"ticket #42", "Add retry budget", "ticket-42"},
		},
		{
			name: "retry attempt includes feedback",
			task: Task{
				TicketID:    "42",
				TicketTitle: "Add retry budget",
				TicketBody:  "Implement max_retries_ci enforcement.",
				Branch:      "ticket-42",
				Feedback:    "TestRetryBudget failed: expected 3 got 2",
			},
			wantAll: []string{"Previous failure", "TestRetryBudget failed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := renderPrompt(tt.task)
			if err != nil {
				t.Fatalf("renderPrompt() error = %v", err)
			}
			for _, want := range tt.wantAll {
				if !strings.Contains(got, want) {
					t.Errorf("renderPrompt() missing %q in:\n%s", want, got)
				}
			}
		})
	}
}

func TestRenderPrompt_NoFeedbackOmitsSection(t *testing.T) {
	got, err := renderPrompt(Task{TicketID: "1", TicketTitle: "x", Branch: "ticket-1"})
	if err != nil {
		t.Fatalf("renderPrompt() error = %v", err)
	}
	if strings.Contains(got, "Previous failure") {
		t.Errorf("renderPrompt() should omit feedback section when Feedback is empty, got:\n%s", got)
	}
}

func TestWorker_Execute_MissingBinary(t *testing.T) {
	w := NewWorker("/nonexistent/path/to/agent-binary", time.Second, false)

	result, err := w.Execute(context.Background(), Task{
		TicketID:    "1",
		TicketTitle: "test",
		RepoPath:    t.TempDir(),
		Branch:      "ticket-1",
	})
	if err != nil {
		t.Fatalf("Execute() returned a Go error, want success=false mapping: %v", err)
	}
	if result.Success {
		t.Error("Execute() with missing binary should report Success=false")
	}
	if result.Error == "" {
		t.Error("Execute() with missing binary should populate Error")
	}
}

func TestWorker_Execute_Success(t *testing.T) {
	w := NewWorker("true", 5*time.Second, false)

	result, err := w.Execute(context.Background(), Task{
		TicketID:    "7",
		TicketTitle: "noop",
		RepoPath:    t.TempDir(),
		Branch:      "ticket-7",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.Success {
		t.Errorf("Execute() with `true` binary should succeed, got Error=%q", result.Error)
	}
}

func TestWorker_Execute_NonZeroExit(t *testing.T) {
	w := NewWorker("false", 5*time.Second, false)

	result, err := w.Execute(context.Background(), Task{
		TicketID:    "8",
		TicketTitle: "fails",
		RepoPath:    t.TempDir(),
		Branch:      "ticket-8",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Success {
		t.Error("Execute() with `false` binary should report Success=false")
	}
	if result.ExitCode == 0 {
		t.Error("Execute() with `false` binary should record a non-zero exit code")
	}
}

type recordingAudit struct {
	prompts   []string
	responses []string
	errs      []string
}

func (r *recordingAudit) LogPromptSent(ticketID, branch, prompt string) error {
	r.prompts = append(r.prompts, prompt)
	return nil
}
func (r *recordingAudit) LogResponseReceived(ticketID, output string, durationMs int) error {
	r.responses = append(r.responses, output)
	return nil
}
func (r *recordingAudit) LogError(ticketID, errMsg string) error {
	r.errs = append(r.errs, errMsg)
	return nil
}

func TestWorker_Execute_AuditLogging(t *testing.T) {
	audit := &recordingAudit{}
	w := NewWorker("true", 5*time.Second, false)
	w.SetAuditLogger(audit)

	_, err := w.Execute(context.Background(), Task{
		TicketID:    "9",
		TicketTitle: "audited",
		RepoPath:    t.TempDir(),
		Branch:      "ticket-9",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(audit.prompts) != 1 {
		t.Errorf("expected 1 prompt logged, got %d", len(audit.prompts))
	}
	if len(audit.responses) != 1 {
		t.Errorf("expected 1 response logged, got %d", len(audit.responses))
	}
	if len(audit.errs) != 0 {
		t.Errorf("expected 0 errors logged on success, got %d", len(audit.errs))
	}
}
