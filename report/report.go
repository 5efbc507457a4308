// Package report prints an investigation's progress and outcome to a
// terminal.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/martinemde/debugagent/agentloop"
	"github.com/martinemde/debugagent/llm"
)

const (
	rule          = "============================================================"
	previewLength = 500
	tailMessages  = 4
)

// Banner describes the run being started.
type Banner struct {
	RunID         string
	Function      string
	Project       string
	Repo          string
	Model         string
	MaxIterations int
}

// Printer writes human-readable run output.
type Printer struct {
	w       io.Writer
	verbose bool
}

// NewPrinter creates a Printer. Verbose adds tool arguments and result
// previews to the live output.
func NewPrinter(w io.Writer, verbose bool) *Printer {
	return &Printer{w: w, verbose: verbose}
}

// Banner prints the startup block.
func (p *Printer) Banner(b Banner) {
	fmt.Fprintln(p.w, rule)
	fmt.Fprintln(p.w, "  AI Debugging Agent Started")
	fmt.Fprintln(p.w, rule)
	if b.RunID != "" {
		fmt.Fprintf(p.w, "  Run: %s\n", b.RunID)
	}
	fmt.Fprintf(p.w, "  Target: %s\n", b.Function)
	fmt.Fprintf(p.w, "  Project: %s\n", b.Project)
	fmt.Fprintf(p.w, "  Repo: %s\n", b.Repo)
	if b.Model != "" {
		fmt.Fprintf(p.w, "  Model: %s\n", b.Model)
	}
	fmt.Fprintf(p.w, "  Max iterations: %d\n", b.MaxIterations)
	fmt.Fprintln(p.w, rule)
}

// Follow prints events until the channel is closed.
func (p *Printer) Follow(events <-chan agentloop.RunEvent) {
	for ev := range events {
		p.Event(ev)
	}
}

// Event prints a single event.
func (p *Printer) Event(ev agentloop.RunEvent) {
	switch ev.Kind {
	case agentloop.EventRoundStart:
		if p.verbose {
			fmt.Fprintf(p.w, "\n--- Iteration %d ---\n", ev.Round)
		}
	case agentloop.EventToolCallStart:
		fmt.Fprintf(p.w, "\n[Step %d] Calling tool: %s\n", ev.Round, stringField(ev.Data, "tool_name"))
		if p.verbose {
			fmt.Fprintf(p.w, "  Arguments: %s\n", indentJSON(stringField(ev.Data, "arguments")))
		}
	case agentloop.EventToolCallEnd:
		if !p.verbose {
			return
		}
		if msg := stringField(ev.Data, "error"); msg != "" {
			fmt.Fprintf(p.w, "  Error: %s\n", preview(msg))
			return
		}
		fmt.Fprintf(p.w, "  Result preview: %s\n", preview(stringField(ev.Data, "output")))
	case agentloop.EventLoopDetection, agentloop.EventWarning:
		fmt.Fprintf(p.w, "  Warning: %s\n", stringField(ev.Data, "message"))
	}
}

// Summary prints the final block for out.
func (p *Printer) Summary(out *agentloop.Outcome) {
	fmt.Fprintln(p.w)
	fmt.Fprintln(p.w, rule)
	switch out.Status {
	case agentloop.StatusSuccess:
		fmt.Fprintln(p.w, "  Agent Completed")
	case agentloop.StatusBudgetExhausted:
		fmt.Fprintln(p.w, "  Agent reached maximum iterations")
	default:
		fmt.Fprintln(p.w, "  Agent Failed")
	}
	fmt.Fprintln(p.w, rule)
	fmt.Fprintf(p.w, "  Run: %s\n", out.RunID)
	fmt.Fprintf(p.w, "  Rounds used: %d\n", out.Rounds)
	fmt.Fprintf(p.w, "  Tokens: %d in / %d out / %d total\n",
		out.Usage.InputTokens, out.Usage.OutputTokens, out.Usage.TotalTokens)
	fmt.Fprintln(p.w)
	fmt.Fprintln(p.w, out.Report())

	if out.Status == agentloop.StatusFatalError {
		p.transcriptTail(out.Transcript)
	}
}

func (p *Printer) transcriptTail(msgs []llm.Message) {
	if len(msgs) == 0 {
		return
	}
	start := len(msgs) - tailMessages
	if start < 0 {
		start = 0
	}
	fmt.Fprintf(p.w, "\nLast %d of %d messages:\n", len(msgs)-start, len(msgs))
	for _, m := range msgs[start:] {
		fmt.Fprintf(p.w, "  [%s] %s\n", m.Role, describeMessage(m))
	}
}

func describeMessage(m llm.Message) string {
	var parts []string
	if c := strings.TrimSpace(m.Content); c != "" {
		parts = append(parts, preview(c))
	}
	for _, tc := range m.ToolCalls {
		parts = append(parts, fmt.Sprintf("call %s(%s)", tc.Name, string(tc.Arguments)))
	}
	if m.IsError {
		parts = append(parts, "(error)")
	}
	if len(parts) == 0 {
		return "(empty)"
	}
	return strings.Join(parts, " ")
}

func preview(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= previewLength {
		return s
	}
	return s[:previewLength] + "..."
}

func indentJSON(raw string) string {
	if raw == "" {
		return "{}"
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	out, err := json.MarshalIndent(v, "  ", "  ")
	if err != nil {
		return raw
	}
	return string(out)
}

func stringField(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}
