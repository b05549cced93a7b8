// Package agents implements the Coding Worker: invocation of the external,
// opaque code-generation agent against a working tree.
package agents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"text/template"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Task describes one coding attempt (spec §4.5).
type Task struct {
	TicketID    string
	TicketTitle string
	TicketBody  string
	RepoPath    string
	Branch      string
	Feedback    string // previous failure context, if this is a retry
}

// Result is the outcome of a coding attempt.
type Result struct {
	Success  bool
	Output   string
	Error    string
	ExitCode int
	Duration time.Duration
}

// promptTemplate embeds ticket fields and, when present, the failure
// feedback under an explicit "previous failure" section, matching spec
// §4.5's prompt contract.
const promptTemplate = `You are working on ticket #{{.TicketID}}: {{.TicketTitle}}

{{.TicketBody}}

Branch: {{.Branch}}
{{if .Feedback}}
## Previous failure

The previous attempt at this ticket failed with the following feedback.
Address it before making further changes.

{{.Feedback}}
{{end}}
Apply the changes needed to satisfy this ticket directly to the working tree.
`

var templateFuncs = template.FuncMap{
	"title": cases.Title(language.English).String,
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
}

// Worker runs the external coding agent as a subprocess, following the
// teacher's spawn-and-capture pattern: render a prompt, feed it on stdin,
// capture stdout/stderr, map the exit code to success/failure.
type Worker struct {
	agentPath string        // path to the coding agent CLI
	timeout   time.Duration // per-attempt timeout; zero means no timeout
	verbose   bool          // also tee output to the process's own stdout/stderr
	audit     AuditLogger   // optional; nil disables audit logging
}

// NewWorker creates a Coding Worker. agentPath is resolved via exec.LookPath
// if it is a bare command name (e.g. "claude", "aider"); a missing binary is
// not an error here — it surfaces as a Result.Success=false on first use,
// per spec §4.5 ("missing binary ... mapped to success=false").
func NewWorker(agentPath string, timeout time.Duration, verbose bool) *Worker {
	if resolved, err := exec.LookPath(agentPath); err == nil {
		agentPath = resolved
	}
	return &Worker{agentPath: agentPath, timeout: timeout, verbose: verbose}
}

// SetAuditLogger attaches an optional AuditLogger; pass nil to disable.
func (w *Worker) SetAuditLogger(l AuditLogger) { w.audit = l }

// Execute runs the coding agent against task.RepoPath and reports success
// or failure. Exit status zero is success; timeouts, a missing binary, and
// other OS errors are mapped to Result.Success=false with a descriptive
// error rather than returned as a Go error, so callers can treat this as a
// worker outcome rather than a fatal condition.
func (w *Worker) Execute(ctx context.Context, task Task) (*Result, error) {
	start := time.Now()

	prompt, err := renderPrompt(task)
	if err != nil {
		return &Result{Success: false, Error: fmt.Sprintf("failed to render prompt: %v", err)}, nil
	}

	if w.audit != nil {
		_ = w.audit.LogPromptSent(task.TicketID, task.Branch, prompt)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if w.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	result := w.run(runCtx, prompt, task.RepoPath)
	result.Duration = time.Since(start)

	if w.audit != nil {
		if result.Success {
			_ = w.audit.LogResponseReceived(task.TicketID, result.Output, int(result.Duration.Milliseconds()))
		} else {
			_ = w.audit.LogError(task.TicketID, result.Error)
		}
	}

	return result, nil
}

func (w *Worker) run(ctx context.Context, prompt, workDir string) *Result {
	cmd := exec.CommandContext(ctx, w.agentPath) // #nosec G204 -- agentPath resolved at construction time
	cmd.Dir = workDir
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	if w.verbose {
		cmd.Stdout = io.MultiWriter(&stdout, os.Stdout)
		cmd.Stderr = io.MultiWriter(&stderr, os.Stderr)
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	err := cmd.Run()

	result := &Result{
		Success: err == nil,
		Output:  stdout.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		if stderr.Len() > 0 {
			result.Error = stderr.String()
		} else {
			result.Error = err.Error()
		}
	}

	return result
}

func renderPrompt(task Task) (string, error) {
	tmpl, err := template.New("coding-prompt").Funcs(templateFuncs).Parse(promptTemplate)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, task); err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return buf.String(), nil
}
