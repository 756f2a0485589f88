// Package orchestrator drives one request end to end: decide whether tools
// are needed, gather at most one read-only result up front, detect a plan in
// the model's reply, and work that plan step by step until it concludes or a
// bound closes it out. All partial output goes to a single streaming
// responder that is finished exactly once.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"toolhub/internal/inference"
	"toolhub/internal/logging"
	"toolhub/internal/mcp"
	"toolhub/internal/plan"
	"toolhub/internal/prompts"
)

// ErrArgumentGeneration marks a failure to produce arguments for a step's
// tool call. Unlike tool errors, which feed back into the loop as data, this
// one is fatal to the step and triggers the emergency conclusion.
var ErrArgumentGeneration = errors.New("argument generation failed")

// ToolCaller executes one tool call. *mcp.Manager satisfies it.
type ToolCaller interface {
	CallTool(ctx context.Context, tool string, args map[string]interface{}) (*mcp.CallResult, error)
}

var _ ToolCaller = (*mcp.Manager)(nil)

// Responder is the streaming sink for user-facing output. *stream.Writer
// satisfies it; tests substitute a recorder.
type Responder interface {
	Send(content string) error
	SendWords(text string) error
	CountPrompt(text string)
	Finish() error
}

// Config bounds and scopes one orchestrator.
type Config struct {
	// StepLimit is the maximum number of completed plan steps.
	StepLimit int
	// TotalIterationLimit caps loop iterations across a whole plan.
	TotalIterationLimit int
	// StepIterationLimit caps iterations without the current step
	// completing; it resets when a step completes.
	StepIterationLimit int

	// SafeTools are pre-approved for automatic execution during the entry
	// decision. Any other selection becomes a permission request.
	SafeTools []string

	// ProjectContext is prepended to entry prompts, when present.
	ProjectContext string
}

// Orchestrator runs the request pipeline against an initialized tool pool.
type Orchestrator struct {
	llm      inference.Client
	tools    ToolCaller
	registry *mcp.Registry
	renderer *mcp.ToolRenderer
	argGen   ArgumentGenerator
	cfg      Config
	safe     map[string]bool
}

// New creates an orchestrator. Zero bounds fall back to defaults; the
// argument generator defaults to the single-stage model-backed one.
func New(llm inference.Client, tools ToolCaller, registry *mcp.Registry, cfg Config) *Orchestrator {
	if cfg.StepLimit <= 0 {
		cfg.StepLimit = 5
	}
	if cfg.TotalIterationLimit <= 0 {
		cfg.TotalIterationLimit = 20
	}
	if cfg.StepIterationLimit <= 0 {
		cfg.StepIterationLimit = 5
	}

	safe := make(map[string]bool, len(cfg.SafeTools))
	for _, name := range cfg.SafeTools {
		safe[name] = true
	}

	renderer := mcp.NewToolRenderer()
	return &Orchestrator{
		llm:      llm,
		tools:    tools,
		registry: registry,
		renderer: renderer,
		argGen:   NewModelArgumentGenerator(llm),
		cfg:      cfg,
		safe:     safe,
	}
}

// SetArgumentGenerator swaps the argument generator seam.
func (o *Orchestrator) SetArgumentGenerator(g ArgumentGenerator) {
	o.argGen = g
}

// Run answers one user request, streaming everything to out. The stream is
// finished before Run returns on every path, including failures.
func (o *Orchestrator) Run(ctx context.Context, request string, out Responder) error {
	logging.Orchestrator("request started: %s", firstLine(request))
	return o.respond(ctx, request, nil, out)
}

// respond is the entry decision. With no gathered result it runs one
// constrained tool-selection round; with one, it goes straight to response
// generation. Safe-tool execution recurses exactly once, so at most one
// lookup precedes generation.
func (o *Orchestrator) respond(ctx context.Context, request string, gathered *plan.ToolOutcome, out Responder) error {
	catalog := o.renderer.Render(o.registry.List())

	if gathered == nil {
		prompt, err := prompts.ToolSelection(request, o.cfg.ProjectContext, catalog)
		if err != nil {
			return o.failPlain(out, err)
		}
		out.CountPrompt(prompt)
		raw, err := o.llm.CompleteWithSystem(ctx, prompts.System, prompt)
		if err != nil {
			return o.failPlain(out, err)
		}

		if tool, args, ok := plan.ParseToolRequest(raw); ok {
			if !o.isSafe(tool) {
				return o.requestPermission(tool, args, out)
			}
			logging.Orchestrator("entry decision: safe tool %s", tool)
			return o.respond(ctx, request, o.executeEntryTool(ctx, tool, args), out)
		}

		// No tool requested: the model answered or planned directly.
		return o.deliver(ctx, raw, out)
	}

	prompt, err := prompts.Generation(request, o.cfg.ProjectContext, gathered, catalog)
	if err != nil {
		return o.failPlain(out, err)
	}
	out.CountPrompt(prompt)
	raw, err := o.llm.CompleteWithSystem(ctx, prompts.System, prompt)
	if err != nil {
		return o.failPlain(out, err)
	}
	return o.deliver(ctx, raw, out)
}

// deliver routes a generated response: a detected plan enters the step loop,
// anything else streams verbatim as the answer.
func (o *Orchestrator) deliver(ctx context.Context, response string, out Responder) error {
	if p, ok := plan.ParsePlan(response); ok {
		return o.runPlan(ctx, p, out)
	}
	if err := out.SendWords(response); err != nil {
		return err
	}
	return out.Finish()
}

// executeEntryTool runs the selection round's tool with the arguments the
// model already supplied. Failures become outcomes, not errors.
func (o *Orchestrator) executeEntryTool(ctx context.Context, tool string, args map[string]interface{}) *plan.ToolOutcome {
	res, err := o.tools.CallTool(ctx, tool, args)
	if err != nil {
		logging.OrchestratorWarn("entry tool %s failed: %v", tool, err)
		return &plan.ToolOutcome{Tool: tool, Payload: "tool call failed: " + err.Error(), Failed: true}
	}
	return &plan.ToolOutcome{Tool: tool, Payload: res.Payload}
}

// requestPermission tells the user which tool wants to run and stops. The
// pipeline holds no session state, so approval happens out of band (add the
// tool to safe_tools, or run it directly) and the user asks again.
func (o *Orchestrator) requestPermission(tool string, args map[string]interface{}, out Responder) error {
	serialized, err := json.Marshal(args)
	if err != nil {
		serialized = []byte("{}")
	}
	logging.Orchestrator("permission required for %s", tool)
	msg := fmt.Sprintf(
		"The %s tool is not pre-approved for automatic execution. Requested arguments: %s. "+
			"Add it to plan.safe_tools in the config to allow it, then ask again.",
		tool, serialized)
	if err := out.Send(msg); err != nil {
		return err
	}
	return out.Finish()
}

// isSafe reports whether a tool may run without confirmation. Qualified
// names also match on their bare tool name.
func (o *Orchestrator) isSafe(tool string) bool {
	if o.safe[tool] {
		return true
	}
	if i := strings.LastIndex(tool, "/"); i >= 0 {
		return o.safe[tool[i+1:]]
	}
	return false
}

// failPlain handles an unrecoverable inference failure: stream a plain error
// message, finish, and surface the error to the caller.
func (o *Orchestrator) failPlain(out Responder, err error) error {
	logging.OrchestratorError("inference failed: %v", err)
	_ = out.Send("The model backend is unavailable: " + err.Error())
	_ = out.Finish()
	return err
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
