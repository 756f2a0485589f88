package orchestrator

import (
	"context"
	"fmt"

	"toolhub/internal/inference"
	"toolhub/internal/logging"
	"toolhub/internal/mcp"
	"toolhub/internal/plan"
	"toolhub/internal/prompts"
)

// ArgumentGenerator produces the argument object for one tool call from the
// step's prompt. The default is single-stage; richer strategies plug in
// behind this seam.
type ArgumentGenerator interface {
	Generate(ctx context.Context, schema mcp.ToolSchema, taskPrompt string) (map[string]interface{}, error)
}

// ModelArgumentGenerator asks the inference client for the arguments in one
// shot: the tool's full schema plus the task prompt in, a JSON object out.
type ModelArgumentGenerator struct {
	llm      inference.Client
	renderer *mcp.ToolRenderer
}

// NewModelArgumentGenerator creates the default argument generator.
func NewModelArgumentGenerator(llm inference.Client) *ModelArgumentGenerator {
	return &ModelArgumentGenerator{
		llm:      llm,
		renderer: mcp.NewToolRenderer(),
	}
}

// Generate renders the argument prompt for the tool and parses the model's
// reply as a JSON object. Any failure here is terminal for the caller's
// step: without arguments there is nothing to execute.
func (g *ModelArgumentGenerator) Generate(ctx context.Context, schema mcp.ToolSchema, taskPrompt string) (map[string]interface{}, error) {
	prompt, err := prompts.Arguments(g.renderer.RenderOne(schema), taskPrompt)
	if err != nil {
		return nil, err
	}

	raw, err := g.llm.CompleteWithSystem(ctx, prompts.System, prompt)
	if err != nil {
		return nil, fmt.Errorf("argument inference: %w", err)
	}

	args, err := plan.ParseArguments(raw)
	if err != nil {
		return nil, err
	}
	logging.OrchestratorDebug("generated %d argument(s) for %s", len(args), schema.Name)
	return args, nil
}
