package plan

import (
	"encoding/json"
	"fmt"
	"strings"

	"toolhub/internal/logging"
)

// Wire shapes the model is asked to produce. Parsing is deliberately
// lenient about everything except the fields a shape cannot work without.
type stepWire struct {
	Objective string `json:"objective"`
	Tool      string `json:"tool"`
	Prompt    string `json:"prompt"`
}

type planWire struct {
	Objective  string    `json:"objective"`
	NextStep   *stepWire `json:"next_step"`
	LaterSteps []string  `json:"later_steps"`
}

type iterationWire struct {
	Status     string    `json:"status"`
	Tool       string    `json:"tool"`
	Prompt     string    `json:"prompt"`
	Success    *bool     `json:"success"`
	Conclusion string    `json:"conclusion"`
	Notes      []string  `json:"notes"`
	NextStep   *stepWire `json:"next_step"`
}

const (
	statusContinue = "continue_step"
	statusComplete = "step_complete"
)

// OutcomeKind discriminates what an iteration response turned out to be.
type OutcomeKind string

const (
	// OutcomeContinue keeps working the current step with another tool call.
	OutcomeContinue OutcomeKind = "continue_step"
	// OutcomeComplete closes the current step, possibly proposing the next.
	OutcomeComplete OutcomeKind = "step_complete"
	// OutcomeConclusion is free text: the model answered instead of
	// steering, which ends the plan with that answer.
	OutcomeConclusion OutcomeKind = "conclusion"
	// OutcomeMalformed is a response that claimed a structured shape but is
	// missing what that shape needs, or was empty. Recoverable.
	OutcomeMalformed OutcomeKind = "malformed"
)

// Outcome is one parsed iteration response. Which fields are meaningful
// depends on Kind.
type Outcome struct {
	Kind OutcomeKind

	Tool   string
	Prompt string

	Success    bool
	Conclusion string
	NextStep   *Directive

	Notes []string

	Text string
}

// ParsePlan recognizes a plan in model output. It accepts bare JSON, fenced
// JSON, and JSON embedded in prose; anything that does not yield an object
// with an objective and a complete first step is not a plan.
func ParsePlan(text string) (*Plan, bool) {
	for _, candidate := range jsonCandidates(text) {
		var w planWire
		if err := json.Unmarshal([]byte(candidate), &w); err != nil {
			continue
		}
		if w.Objective == "" || w.NextStep == nil {
			continue
		}
		if w.NextStep.Objective == "" || w.NextStep.Tool == "" || w.NextStep.Prompt == "" {
			logging.PlanDebug("plan candidate has incomplete next_step, skipping")
			continue
		}
		return &Plan{
			Objective: w.Objective,
			First: Directive{
				Objective: w.NextStep.Objective,
				Tool:      w.NextStep.Tool,
				Prompt:    w.NextStep.Prompt,
			},
			LaterSteps: w.LaterSteps,
		}, true
	}
	return nil, false
}

// ParseIteration classifies one step-loop response. The attempts run in
// order: the raw text as JSON, then with fences stripped, then the first
// balanced object found inside, and finally the text taken as a free-text
// conclusion. Empty output and recognizably broken structured output come
// back malformed.
func ParseIteration(text string) Outcome {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Outcome{Kind: OutcomeMalformed}
	}

	for _, candidate := range jsonCandidates(text) {
		var w iterationWire
		if err := json.Unmarshal([]byte(candidate), &w); err != nil {
			continue
		}

		switch w.Status {
		case statusContinue:
			if w.Tool == "" || w.Prompt == "" {
				logging.PlanWarn("continue_step response missing tool or prompt")
				return Outcome{Kind: OutcomeMalformed, Notes: w.Notes}
			}
			return Outcome{Kind: OutcomeContinue, Tool: w.Tool, Prompt: w.Prompt, Notes: w.Notes}

		case statusComplete:
			success := true
			if w.Success != nil {
				success = *w.Success
			}
			out := Outcome{
				Kind:       OutcomeComplete,
				Success:    success,
				Conclusion: w.Conclusion,
				Notes:      w.Notes,
			}
			if w.NextStep != nil {
				if w.NextStep.Objective != "" && w.NextStep.Tool != "" && w.NextStep.Prompt != "" {
					out.NextStep = &Directive{
						Objective: w.NextStep.Objective,
						Tool:      w.NextStep.Tool,
						Prompt:    w.NextStep.Prompt,
					}
				} else {
					logging.PlanDebug("step_complete proposed an incomplete next_step, dropping it")
				}
			}
			return out

		default:
			// JSON, but not one of ours. Another candidate may be.
			continue
		}
	}

	return Outcome{Kind: OutcomeConclusion, Text: trimmed}
}

// ParseToolRequest recognizes a tool-selection response: an object naming a
// tool and its arguments. Plain prose means the model chose to answer
// directly.
func ParseToolRequest(text string) (tool string, args map[string]interface{}, ok bool) {
	type toolRequestWire struct {
		Tool string                 `json:"tool"`
		Args map[string]interface{} `json:"args"`
	}

	for _, candidate := range jsonCandidates(text) {
		var w toolRequestWire
		if err := json.Unmarshal([]byte(candidate), &w); err != nil {
			continue
		}
		if w.Tool == "" {
			continue
		}
		if w.Args == nil {
			w.Args = make(map[string]interface{})
		}
		return w.Tool, w.Args, true
	}
	return "", nil, false
}

// ParseArguments extracts a JSON argument object from model output, with
// the same leniency as the other parsers. No object is an error: argument
// generation has nothing to fall back on.
func ParseArguments(text string) (map[string]interface{}, error) {
	for _, candidate := range jsonCandidates(text) {
		var args map[string]interface{}
		if err := json.Unmarshal([]byte(candidate), &args); err != nil {
			continue
		}
		return args, nil
	}
	return nil, fmt.Errorf("no argument object in model output: %s", firstLine(text))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}

// jsonCandidates lists the texts worth attempting to parse as JSON, in
// preference order, deduplicated.
func jsonCandidates(text string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, 3)
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	add(text)
	add(stripFences(text))
	if obj, ok := extractJSONObject(text); ok {
		add(obj)
	}
	return out
}
