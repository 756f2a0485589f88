package prompts

import (
	"strings"
	"testing"

	"toolhub/internal/plan"
)

func workedState() *plan.State {
	s := plan.NewState(&plan.Plan{
		Objective: "summarize recent changes",
		First: plan.Directive{
			Objective: "find the changed files",
			Tool:      "search",
			Prompt:    "list files changed this week",
		},
	})
	s.CompleteStep(true, "three files changed, all in the parser")
	s.AdoptStep(plan.Directive{
		Objective: "inspect the parser changes",
		Tool:      "file-read",
		Prompt:    "read parser.go",
	})
	s.RecordToolCall("read parser.go", "file-read", map[string]interface{}{"path": "parser.go"})
	s.AppendNotes("ignore the vendored files")
	s.SetLastResult("file-read", "parser.go contents here", false)
	return s
}

func TestToolSelectionPrompt(t *testing.T) {
	out, err := ToolSelection("what changed this week?", "working in /src/parser", "## Available Tools (1)\n\n### search\n")
	if err != nil {
		t.Fatalf("ToolSelection: %v", err)
	}
	for _, want := range []string{
		"what changed this week?",
		"working in /src/parser",
		"### search",
		`{"tool": "<tool name>"`,
		`"next_step"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("prompt missing %q:\n%s", want, out)
		}
	}
}

func TestToolSelectionOmitsEmptyContext(t *testing.T) {
	out, err := ToolSelection("hello", "", "catalog")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "## Project context") {
		t.Errorf("empty context section rendered:\n%s", out)
	}
}

func TestGenerationPrompt(t *testing.T) {
	result := &plan.ToolOutcome{Tool: "file-list", Payload: "main.go\nparser.go", Failed: false}
	out, err := Generation("list files in the project root", "", result, "## Available Tools (2)")
	if err != nil {
		t.Fatalf("Generation: %v", err)
	}
	for _, want := range []string{
		"list files in the project root",
		"Result of file-list",
		"main.go\nparser.go",
		"## Available Tools (2)",
		`"next_step"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("prompt missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "(FAILED)") {
		t.Error("success result marked as failed")
	}
}

func TestGenerationPromptMarksFailure(t *testing.T) {
	result := &plan.ToolOutcome{Tool: "search", Payload: "tool call failed: timeout", Failed: true}
	out, err := Generation("find X", "", result, "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Result of search (FAILED)") {
		t.Errorf("failure marker missing:\n%s", out)
	}
}

func TestPlanIterationPrompt(t *testing.T) {
	out, err := PlanIteration(workedState(), "## Available Tools (2)")
	if err != nil {
		t.Fatalf("PlanIteration: %v", err)
	}
	for _, want := range []string{
		"summarize recent changes",
		"1. find the changed files [succeeded]: three files changed",
		"inspect the parser changes",
		`- file-read {"path":"parser.go"} for: read parser.go`,
		"ignore the vendored files",
		"Latest tool result (file-read)",
		"parser.go contents here",
		`"continue_step"`,
		`"step_complete"`,
		"## Available Tools (2)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestPlanIterationOmitsEmptySections(t *testing.T) {
	s := plan.NewState(&plan.Plan{
		Objective: "quick check",
		First:     plan.Directive{Objective: "look", Tool: "search", Prompt: "find it"},
	})
	out, err := PlanIteration(s, "")
	if err != nil {
		t.Fatal(err)
	}
	for _, absent := range []string{"## Completed steps", "## Already tried", "## Your notes", "## Latest tool result"} {
		if strings.Contains(out, absent) {
			t.Errorf("empty section %q rendered:\n%s", absent, out)
		}
	}
}

func TestStepLimitPromptForbidsTools(t *testing.T) {
	out, err := StepLimit(workedState())
	if err != nil {
		t.Fatalf("StepLimit: %v", err)
	}
	if !strings.Contains(out, "This step must conclude now") {
		t.Errorf("missing conclude instruction:\n%s", out)
	}
	if !strings.Contains(out, `"step_complete"`) {
		t.Error("shapes block missing")
	}
}

func TestFinalIterationPrompt(t *testing.T) {
	s := workedState()
	s.CompleteStep(true, "the changes rename internal symbols only")

	out, err := FinalIteration(s)
	if err != nil {
		t.Fatalf("FinalIteration: %v", err)
	}
	if !strings.Contains(out, "Write the final answer") {
		t.Errorf("missing final instruction:\n%s", out)
	}
	if !strings.Contains(out, "2. inspect the parser changes [succeeded]") {
		t.Errorf("step record missing:\n%s", out)
	}
	if strings.Contains(out, "continue_step") {
		t.Error("final prompt still offers the step protocol")
	}
}

func TestEmergencyPromptNamesReason(t *testing.T) {
	out, err := Emergency(workedState(), "argument generation failed for search")
	if err != nil {
		t.Fatalf("Emergency: %v", err)
	}
	if !strings.Contains(out, "argument generation failed for search") {
		t.Errorf("reason missing:\n%s", out)
	}
	if !strings.Contains(out, "what remains unknown") {
		t.Errorf("uncertainty instruction missing:\n%s", out)
	}
}

func TestArgumentsPrompt(t *testing.T) {
	out, err := Arguments("Tool: search\nParameters: {...}", "find parser tests")
	if err != nil {
		t.Fatalf("Arguments: %v", err)
	}
	if !strings.Contains(out, "Tool: search") || !strings.Contains(out, "find parser tests") {
		t.Errorf("prompt missing inputs:\n%s", out)
	}
	if !strings.Contains(out, "Every required parameter") {
		t.Errorf("requirement instruction missing:\n%s", out)
	}
}
