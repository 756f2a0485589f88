// Package prompts builds the model-facing prompt text for every inference
// the hub makes. Templates are compiled in; loading prompt packs from disk
// belongs to the surrounding application, not here.
package prompts

import (
	"fmt"
	"strings"
	"text/template"

	"toolhub/internal/plan"
)

// System is the system prompt for every hub inference.
const System = `You are the reasoning engine of a local orchestration hub. ` +
	`You decide when external tools are needed, work multi-step plans one step at a time, ` +
	`and always follow the response format the current prompt asks for. ` +
	`Respond with exactly one of the allowed shapes and nothing else.`

// iterationShapes describes the step-loop response protocol. Both the
// normal and the must-complete iteration prompts embed it.
const iterationShapes = `Respond with exactly one JSON object in one of these shapes:

To keep working the current step with another tool call:
{"status": "continue_step", "tool": "<tool name>", "prompt": "<what to find out>", "notes": ["<optional note to your future self>"]}

To declare the current step finished:
{"status": "step_complete", "success": true, "conclusion": "<what this step established>", "notes": ["<optional wrap-up note>"], "next_step": {"objective": "<next step>", "tool": "<tool name>", "prompt": "<first prompt>"}}

The next_step field is optional; omit it when no further step is needed.
If instead you can already answer the user completely, reply with that answer as plain prose and no JSON.`

// planShape is the JSON object the model emits to propose a multi-step plan.
const planShape = `{"objective": "<overall goal>", "next_step": {"objective": "<first step>", "tool": "<tool name>", "prompt": "<what to find out first>"}, "later_steps": ["<sketch of further steps>"]}`

var (
	toolSelectionTmpl = template.Must(template.New("tool_selection").Parse(`Decide whether answering the user requires one of the available tools.
{{if .Context}}
## Project context
{{.Context}}
{{end}}
{{.Catalog}}
## User request
{{.Question}}

If a tool is needed, respond with exactly one JSON object and nothing else:
{"tool": "<tool name>", "args": {<arguments matching the tool schema>}}

If you can answer completely without tools, respond with the answer as plain prose.
If the work needs several distinct steps, respond with a plan as one JSON object:
` + planShape))

	generationTmpl = template.Must(template.New("generation").Parse(`Answer the user request.
{{if .Context}}
## Project context
{{.Context}}
{{end}}
## User request
{{.Question}}

## Result of {{.Tool}}{{if .Failed}} (FAILED){{end}}
{{.Result}}

{{.Catalog}}
Respond with the answer as plain prose, grounded in the tool result above.
If the work needs several distinct steps instead, respond with a plan as one JSON object:
` + planShape))

	planIterationTmpl = template.Must(template.New("plan_iteration").Parse(`You are working through a plan one step at a time.

## Overall objective
{{.Objective}}
{{if .Completed}}
## Completed steps
{{range .Completed}}{{.Index}}. {{.Objective}} [{{if .Success}}succeeded{{else}}failed{{end}}]: {{.Conclusion}}
{{end}}{{end}}
## Current step
Objective: {{.StepObjective}}
{{if .Tried}}
## Already tried this step
{{range .Tried}}- {{.Tool}} {{.Args}} for: {{.Prompt}}
{{end}}{{end}}{{if .Notes}}
## Your notes so far
{{range .Notes}}- {{.}}
{{end}}{{end}}{{if .LastTool}}
## Latest tool result ({{.LastTool}}{{if .LastFailed}}, FAILED{{end}})
{{.LastPayload}}
{{end}}
{{.Catalog}}
{{.Shapes}}`))

	stepLimitTmpl = template.Must(template.New("step_limit").Parse(`You are working through a plan and have used the last allowed tool call for the current step.

## Overall objective
{{.Objective}}
{{if .Completed}}
## Completed steps
{{range .Completed}}{{.Index}}. {{.Objective}} [{{if .Success}}succeeded{{else}}failed{{end}}]: {{.Conclusion}}
{{end}}{{end}}
## Current step
Objective: {{.StepObjective}}
{{if .Tried}}
## Already tried this step
{{range .Tried}}- {{.Tool}} {{.Args}} for: {{.Prompt}}
{{end}}{{end}}{{if .Notes}}
## Your notes so far
{{range .Notes}}- {{.}}
{{end}}{{end}}{{if .LastTool}}
## Latest tool result ({{.LastTool}}{{if .LastFailed}}, FAILED{{end}})
{{.LastPayload}}
{{end}}
This step must conclude now. Do not request another tool call: respond with a step_complete object (or a plain-prose final answer if the whole objective is already met).

{{.Shapes}}`))

	finalIterationTmpl = template.Must(template.New("final_iteration").Parse(`The plan has ended. Write the final answer for the user.

## Overall objective
{{.Objective}}
{{if .Completed}}
## What each step established
{{range .Completed}}{{.Index}}. {{.Objective}} [{{if .Success}}succeeded{{else}}failed{{end}}]: {{.Conclusion}}
{{end}}{{end}}{{if .Notes}}
## Remaining notes
{{range .Notes}}- {{.}}
{{end}}{{end}}
Respond with the final answer as plain prose. Do not emit JSON and do not request tools.`))

	emergencyTmpl = template.Must(template.New("emergency").Parse(`Plan execution was cut short: {{.Reason}}.

## Overall objective
{{.Objective}}
{{if .Completed}}
## What was established before the failure
{{range .Completed}}{{.Index}}. {{.Objective}} [{{if .Success}}succeeded{{else}}failed{{end}}]: {{.Conclusion}}
{{end}}{{end}}{{if .Notes}}
## Working notes
{{range .Notes}}- {{.}}
{{end}}{{end}}
Write the most useful answer you can from this record alone. Be explicit about what remains unknown. Plain prose only.`))

	argumentsTmpl = template.Must(template.New("arguments").Parse(`Produce the arguments for a tool call.

{{.ToolBlock}}
## Task for this call
{{.Prompt}}

Respond with exactly one JSON object containing the arguments and nothing else. Every required parameter must be present.`))
)

// StepSummary is one completed step as shown to the model.
type StepSummary struct {
	Index      int
	Objective  string
	Success    bool
	Conclusion string
}

type iterationData struct {
	Objective     string
	Completed     []StepSummary
	StepObjective string
	Tried         []triedCall
	Notes         []string
	LastTool      string
	LastPayload   string
	LastFailed    bool
	Catalog       string
	Shapes        string
}

// triedCall is one earlier tool invocation of the current step, shown so the
// model does not repeat it.
type triedCall struct {
	Tool   string
	Args   string
	Prompt string
}

func summarize(s *plan.State) []StepSummary {
	out := make([]StepSummary, 0, len(s.Completed))
	for i, step := range s.Completed {
		out = append(out, StepSummary{
			Index:      i + 1,
			Objective:  step.Objective,
			Success:    step.Success,
			Conclusion: step.Conclusion,
		})
	}
	return out
}

func buildIterationData(s *plan.State, catalog string) iterationData {
	d := iterationData{
		Objective: s.Objective,
		Completed: summarize(s),
		Notes:     s.Notes,
		Catalog:   catalog,
		Shapes:    iterationShapes,
	}
	if s.Current != nil {
		d.StepObjective = s.Current.Objective
		for _, c := range s.Current.ToolCalls {
			d.Tried = append(d.Tried, triedCall{Tool: c.Tool, Args: c.Args, Prompt: c.Prompt})
		}
	}
	if s.LastResult != nil {
		d.LastTool = s.LastResult.Tool
		d.LastPayload = s.LastResult.Payload
		d.LastFailed = s.LastResult.Failed
	}
	return d
}

func render(t *template.Template, data interface{}) (string, error) {
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return sb.String(), nil
}

// ToolSelection builds the single entry-decision prompt: answer directly,
// pick one tool, or lay out a plan.
func ToolSelection(question, projectContext, catalog string) (string, error) {
	return render(toolSelectionTmpl, struct {
		Question string
		Context  string
		Catalog  string
	}{question, projectContext, catalog})
}

// Generation builds the response-generation prompt used once a tool result
// has been gathered: answer from it, or lay out a plan.
func Generation(question, projectContext string, result *plan.ToolOutcome, catalog string) (string, error) {
	return render(generationTmpl, struct {
		Question string
		Context  string
		Tool     string
		Result   string
		Failed   bool
		Catalog  string
	}{question, projectContext, result.Tool, result.Payload, result.Failed, catalog})
}

// PlanIteration builds the normal step-loop prompt.
func PlanIteration(s *plan.State, catalog string) (string, error) {
	return render(planIterationTmpl, buildIterationData(s, catalog))
}

// StepLimit builds the must-conclude variant used on the step's last
// allowed iteration.
func StepLimit(s *plan.State) (string, error) {
	return render(stepLimitTmpl, buildIterationData(s, ""))
}

// FinalIteration builds the prompt that turns the plan record into the
// user-facing answer.
func FinalIteration(s *plan.State) (string, error) {
	return render(finalIterationTmpl, buildIterationData(s, ""))
}

// Emergency builds the conclusion-of-last-resort prompt after a fatal
// failure mid-plan.
func Emergency(s *plan.State, reason string) (string, error) {
	d := struct {
		Reason    string
		Objective string
		Completed []StepSummary
		Notes     []string
	}{
		Reason:    reason,
		Objective: s.Objective,
		Completed: summarize(s),
		Notes:     s.Notes,
	}
	return render(emergencyTmpl, d)
}

// Arguments builds the argument-generation prompt for one chosen tool.
func Arguments(toolBlock, taskPrompt string) (string, error) {
	return render(argumentsTmpl, struct {
		ToolBlock string
		Prompt    string
	}{toolBlock, taskPrompt})
}
