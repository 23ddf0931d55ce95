package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// CorrectionFormatter produces a plain-text request the caller can feed
// back to the LLM when a submitted plan cannot be parsed or validated.
type CorrectionFormatter struct{}

// NewCorrectionFormatter returns a stateless formatter.
func NewCorrectionFormatter() *CorrectionFormatter { return &CorrectionFormatter{} }

// Format builds the correction prompt for a failed submission.
func (f *CorrectionFormatter) Format(err error, raw string) string {
	var b strings.Builder
	b.WriteString("The submitted plan could not be accepted.\n\n")

	var parseErr *ParseError
	var valErr *ValidationError
	switch {
	case errors.As(err, &parseErr):
		b.WriteString("Problem: the payload is not valid JSON.\n")
		fmt.Fprintf(&b, "Detail: %s\n", parseErr.Reason)
	case errors.As(err, &valErr):
		b.WriteString("Problem: the plan failed validation.\n")
		fmt.Fprintf(&b, "Detail: %s\n", valErr.Error())
	default:
		fmt.Fprintf(&b, "Problem: %v\n", err)
	}

	excerpt := raw
	if len(excerpt) > 500 {
		excerpt = excerpt[:500] + "..."
	}
	if excerpt != "" {
		b.WriteString("\nRejected payload (excerpt):\n")
		b.WriteString(excerpt)
		b.WriteString("\n")
	}

	b.WriteString("\nResubmit a single JSON object with this structure:\n")
	b.WriteString(`{
  "protocol_version": "2.0",
  "plan_id": "unique_plan_id",
  "description": "what this plan does",
  "execution_mode": "sequential",
  "actions": [
    {
      "id": "a1",
      "module": "module_name",
      "action": "action_name",
      "params": {},
      "depends_on": [],
      "on_error": "HALT"
    }
  ]
}`)
	b.WriteString("\n\nRules: action ids must be unique, depends_on may only name ")
	b.WriteString("actions in this plan, on_error is one of HALT, CONTINUE, RETRY, ")
	b.WriteString("ESCALATE, and output must be raw JSON without markdown fences or comments.")
	return b.String()
}
