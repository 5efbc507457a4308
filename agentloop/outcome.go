package agentloop

import (
	"fmt"

	"github.com/martinemde/debugagent/llm"
)

// Status is the terminal status of a run.
type Status string

const (
	StatusSuccess         Status = "success"
	StatusBudgetExhausted Status = "budget_exhausted"
	StatusFatalError      Status = "fatal_error"
)

// InconclusiveReport is the report for a run that ran out of rounds.
const InconclusiveReport = "inconclusive — ran out of iterations"

// Outcome is the result of a finished run.
type Outcome struct {
	RunID       string
	Status      Status
	FinalAnswer string
	Err         error
	Rounds      int
	Usage       llm.Usage
	Transcript  []llm.Message
}

// Report returns the user-facing summary line for the outcome.
func (o *Outcome) Report() string {
	switch o.Status {
	case StatusSuccess:
		return o.FinalAnswer
	case StatusBudgetExhausted:
		return InconclusiveReport
	default:
		return fmt.Sprintf("fatal error: %v", o.Err)
	}
}

// ErrorMessage returns the error text, or "" when the run did not fail.
func (o *Outcome) ErrorMessage() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
