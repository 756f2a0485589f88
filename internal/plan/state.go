// Package plan holds the in-memory execution state of a multi-step plan and
// the parsers that recognize plans and step outcomes in model output. State
// lives for one request and is never persisted.
package plan

import "encoding/json"

// State tracks one plan through its steps: what was set out to be done,
// what has been concluded so far, and what the current step is working on.
type State struct {
	Objective string

	// Completed holds archived steps in execution order.
	Completed []CompletedStep

	// Current is the step being worked, nil between steps.
	Current *CurrentStep

	// Notes accumulate during the current step and reset when it completes.
	// They carry context forward between iterations, not between steps.
	Notes []string

	// LastResult is the most recent tool outcome, cleared on completion.
	LastResult *ToolOutcome

	// LaterSteps is advisory: the model may sketch steps beyond the next
	// one, but only the next step is ever binding.
	LaterSteps []string
}

// CurrentStep is the step in progress.
type CurrentStep struct {
	Objective string
	Tool      string
	Prompt    string
	ToolCalls []ToolCallRecord
}

// CompletedStep is an archived step.
type CompletedStep struct {
	Objective  string
	Success    bool
	Conclusion string
	ToolCalls  []ToolCallRecord
}

// ToolCallRecord is one tool invocation made while working a step. Args are
// kept serialized; the record is for context rendering, not replay.
type ToolCallRecord struct {
	Prompt string
	Tool   string
	Args   string
}

// ToolOutcome is a tool result as fed back to the model. Failures are
// outcomes too: the error text becomes the payload.
type ToolOutcome struct {
	Tool    string
	Payload string
	Failed  bool
}

// Directive names the next step to work: what to conclude, with which tool,
// prompted how.
type Directive struct {
	Objective string `json:"objective"`
	Tool      string `json:"tool"`
	Prompt    string `json:"prompt"`
}

// Plan is a detected plan: the overall objective, the first step, and any
// advisory later steps.
type Plan struct {
	Objective  string
	First      Directive
	LaterSteps []string
}

// NewState starts plan execution from a detected plan, adopting its first
// step as current.
func NewState(p *Plan) *State {
	s := &State{
		Objective:  p.Objective,
		LaterSteps: p.LaterSteps,
	}
	s.AdoptStep(p.First)
	return s
}

// AdoptStep makes d the current step.
func (s *State) AdoptStep(d Directive) {
	s.Current = &CurrentStep{
		Objective: d.Objective,
		Tool:      d.Tool,
		Prompt:    d.Prompt,
	}
}

// RecordToolCall appends one invocation to the current step's record. Args
// serialize to JSON; unserializable args record as an empty object.
func (s *State) RecordToolCall(prompt, tool string, args map[string]interface{}) {
	if s.Current == nil {
		return
	}
	serialized := "{}"
	if data, err := json.Marshal(args); err == nil {
		serialized = string(data)
	}
	s.Current.ToolCalls = append(s.Current.ToolCalls, ToolCallRecord{
		Prompt: prompt,
		Tool:   tool,
		Args:   serialized,
	})
}

// SetLastResult replaces the pending tool outcome.
func (s *State) SetLastResult(tool, payload string, failed bool) {
	s.LastResult = &ToolOutcome{Tool: tool, Payload: payload, Failed: failed}
}

// AppendNotes adds to the current step's running notes.
func (s *State) AppendNotes(notes ...string) {
	for _, n := range notes {
		if n != "" {
			s.Notes = append(s.Notes, n)
		}
	}
}

// CompleteStep archives the current step and resets the per-step scratch
// state: notes, last result, and the current step itself.
func (s *State) CompleteStep(success bool, conclusion string) {
	if s.Current == nil {
		return
	}
	s.Completed = append(s.Completed, CompletedStep{
		Objective:  s.Current.Objective,
		Success:    success,
		Conclusion: conclusion,
		ToolCalls:  s.Current.ToolCalls,
	})
	s.Current = nil
	s.Notes = nil
	s.LastResult = nil
}

// CompletedCount reports how many steps have been archived.
func (s *State) CompletedCount() int {
	return len(s.Completed)
}
