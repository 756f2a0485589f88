package plan

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

const rawPlanJSON = `{
	"objective": "summarize recent changes",
	"next_step": {
		"objective": "find the changed files",
		"tool": "search",
		"prompt": "list files changed this week"
	},
	"later_steps": ["read the interesting ones", "write the summary"]
}`

func TestParsePlanShapes(t *testing.T) {
	want := &Plan{
		Objective: "summarize recent changes",
		First: Directive{
			Objective: "find the changed files",
			Tool:      "search",
			Prompt:    "list files changed this week",
		},
		LaterSteps: []string{"read the interesting ones", "write the summary"},
	}

	cases := []struct {
		name string
		text string
	}{
		{"bare JSON", rawPlanJSON},
		{"fenced JSON", "```json\n" + rawPlanJSON + "\n```"},
		{"fence without language tag", "```\n" + rawPlanJSON + "\n```"},
		{"embedded in prose", "Here is my plan for this request:\n\n" + rawPlanJSON + "\n\nI will begin right away."},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := ParsePlan(c.text)
			if !ok {
				t.Fatal("plan not detected")
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("plan mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParsePlanRejections(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"plain prose", "The capital of France is Paris."},
		{"empty", "   "},
		{"JSON without objective", `{"next_step":{"objective":"a","tool":"b","prompt":"c"}}`},
		{"JSON without next_step", `{"objective":"do things"}`},
		{"incomplete next_step", `{"objective":"do things","next_step":{"objective":"a","tool":"b"}}`},
		{"objective wrong type", `{"objective":42,"next_step":{"objective":"a","tool":"b","prompt":"c"}}`},
		{"unbalanced braces", `{"objective":"do things","next_step":{`},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if p, ok := ParsePlan(c.text); ok {
				t.Errorf("detected a plan: %+v", p)
			}
		})
	}
}

func TestParseIterationContinue(t *testing.T) {
	out := ParseIteration(`{"status":"continue_step","tool":"search","prompt":"narrow to parser files","notes":["two matches so far"]}`)

	want := Outcome{
		Kind:   OutcomeContinue,
		Tool:   "search",
		Prompt: "narrow to parser files",
		Notes:  []string{"two matches so far"},
	}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("outcome mismatch (-want +got):\n%s", diff)
	}
}

func TestParseIterationComplete(t *testing.T) {
	out := ParseIteration(`{
		"status": "step_complete",
		"success": true,
		"conclusion": "parser changes are cosmetic",
		"notes": ["note for next step"],
		"next_step": {"objective": "check the tests", "tool": "search", "prompt": "find parser tests"}
	}`)

	if out.Kind != OutcomeComplete || !out.Success {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Conclusion != "parser changes are cosmetic" {
		t.Errorf("conclusion = %q", out.Conclusion)
	}
	if out.NextStep == nil || out.NextStep.Objective != "check the tests" {
		t.Errorf("next step = %+v", out.NextStep)
	}
}

func TestParseIterationCompleteDefaults(t *testing.T) {
	// Missing success reads as success; an incomplete next_step is dropped.
	out := ParseIteration(`{"status":"step_complete","conclusion":"done","next_step":{"objective":"half"}}`)

	if out.Kind != OutcomeComplete {
		t.Fatalf("kind = %s", out.Kind)
	}
	if !out.Success {
		t.Error("missing success did not default to true")
	}
	if out.NextStep != nil {
		t.Errorf("incomplete next_step kept: %+v", out.NextStep)
	}

	out = ParseIteration(`{"status":"step_complete","success":false,"conclusion":"no luck"}`)
	if out.Success {
		t.Error("explicit failure parsed as success")
	}
}

func TestParseIterationShapes(t *testing.T) {
	raw := `{"status":"continue_step","tool":"fetch","prompt":"get the doc"}`

	cases := []struct {
		name string
		text string
	}{
		{"bare", raw},
		{"fenced", "```json\n" + raw + "\n```"},
		{"embedded", "Continuing the step.\n" + raw + "\nDone."},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			out := ParseIteration(c.text)
			if out.Kind != OutcomeContinue || out.Tool != "fetch" {
				t.Errorf("outcome = %+v", out)
			}
		})
	}
}

func TestParseIterationFreeText(t *testing.T) {
	out := ParseIteration("  All three files only touch comments, so nothing to flag.  ")

	if out.Kind != OutcomeConclusion {
		t.Fatalf("kind = %s, want conclusion", out.Kind)
	}
	if out.Text != "All three files only touch comments, so nothing to flag." {
		t.Errorf("text = %q", out.Text)
	}
}

func TestParseIterationUnrelatedJSONIsConclusion(t *testing.T) {
	// Valid JSON that is not part of the protocol reads as a free-text answer.
	text := `{"answer": "the parser is fine"}`
	out := ParseIteration(text)
	if out.Kind != OutcomeConclusion {
		t.Fatalf("kind = %s, want conclusion", out.Kind)
	}
	if out.Text != text {
		t.Errorf("text = %q", out.Text)
	}
}

func TestParseIterationMalformed(t *testing.T) {
	if out := ParseIteration("   "); out.Kind != OutcomeMalformed {
		t.Errorf("empty input: kind = %s, want malformed", out.Kind)
	}

	out := ParseIteration(`{"status":"continue_step","notes":["lost the thread"]}`)
	if out.Kind != OutcomeMalformed {
		t.Errorf("continue without tool: kind = %s, want malformed", out.Kind)
	}
	if len(out.Notes) != 1 {
		t.Errorf("notes dropped from malformed outcome: %v", out.Notes)
	}
}

func TestParseToolRequest(t *testing.T) {
	tool, args, ok := ParseToolRequest(`{"tool":"search","args":{"query":"parser changes"}}`)
	if !ok {
		t.Fatal("tool request not recognized")
	}
	if tool != "search" {
		t.Errorf("tool = %q", tool)
	}
	if args["query"] != "parser changes" {
		t.Errorf("args = %v", args)
	}

	// Missing args default to an empty map.
	tool, args, ok = ParseToolRequest("```json\n{\"tool\":\"file-read\"}\n```")
	if !ok || tool != "file-read" {
		t.Fatalf("tool = %q ok = %v", tool, ok)
	}
	if args == nil || len(args) != 0 {
		t.Errorf("args = %v, want empty map", args)
	}

	// Prose is a direct answer, not a tool request.
	if _, _, ok := ParseToolRequest("Paris is the capital of France."); ok {
		t.Error("prose recognized as tool request")
	}
	if _, _, ok := ParseToolRequest(`{"args":{"query":"x"}}`); ok {
		t.Error("object without tool recognized as tool request")
	}
}

func TestParseArguments(t *testing.T) {
	args, err := ParseArguments("Here are the arguments:\n```json\n{\"query\": \"recent changes\", \"limit\": 5}\n```")
	if err != nil {
		t.Fatalf("ParseArguments: %v", err)
	}
	if args["query"] != "recent changes" {
		t.Errorf("args = %v", args)
	}
	if n, ok := args["limit"].(float64); !ok || n != 5 {
		t.Errorf("limit = %v", args["limit"])
	}

	if _, err := ParseArguments("I cannot produce arguments for this."); err == nil {
		t.Error("prose did not error")
	}
	if _, err := ParseArguments(""); err == nil {
		t.Error("empty input did not error")
	}
}

func TestExtractJSONObjectEscapes(t *testing.T) {
	// Braces inside string literals must not confuse the matcher.
	text := `prefix {"a": "closing \" and } inside", "b": {"c": 1}} suffix`
	obj, ok := extractJSONObject(text)
	if !ok {
		t.Fatal("no object found")
	}
	if obj != `{"a": "closing \" and } inside", "b": {"c": 1}}` {
		t.Errorf("extracted %q", obj)
	}

	if _, ok := extractJSONObject("no braces here"); ok {
		t.Error("found an object in brace-free text")
	}
	if _, ok := extractJSONObject(`{"unbalanced": `); ok {
		t.Error("found an object in unbalanced text")
	}
}

func TestStripFences(t *testing.T) {
	if got := stripFences("```json\n{\"a\":1}\n```"); got != `{"a":1}` {
		t.Errorf("got %q", got)
	}
	if got := stripFences("```\n{\"a\":1}\n```"); got != `{"a":1}` {
		t.Errorf("got %q", got)
	}
	if got := stripFences(`{"a":1}`); got != `{"a":1}` {
		t.Errorf("unfenced text changed: %q", got)
	}
}
