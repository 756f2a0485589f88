package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"toolhub/internal/logging"
	"toolhub/internal/plan"
	"toolhub/internal/prompts"
)

// runPlan works a detected plan step by step. Three bounds keep it finite:
// the completed-step limit, the whole-plan iteration limit, and the per-step
// iteration limit. Tool failures feed back into the loop as results; only
// argument generation aborts a step.
func (o *Orchestrator) runPlan(ctx context.Context, p *plan.Plan, out Responder) error {
	state := plan.NewState(p)
	catalog := o.renderer.Render(o.registry.List())

	logging.Orchestrator("plan started: %s (%d later steps)", firstLine(p.Objective), len(p.LaterSteps))
	if err := out.Send(planIntro(p)); err != nil {
		return err
	}

	totalIters := 0
	stepIters := 0

	for state.Current != nil {
		totalIters++
		stepIters++

		if err := o.executeStepTool(ctx, state); err != nil {
			return o.emergency(ctx, state, err, out)
		}

		// Template choice. Either global bound forces the terminal prompt;
		// the per-step bound only forces the step to conclude.
		final := totalIters >= o.cfg.TotalIterationLimit || state.CompletedCount() >= o.cfg.StepLimit
		mustConclude := stepIters >= o.cfg.StepIterationLimit

		var prompt string
		var err error
		switch {
		case final:
			prompt, err = prompts.FinalIteration(state)
		case mustConclude:
			prompt, err = prompts.StepLimit(state)
		default:
			prompt, err = prompts.PlanIteration(state, catalog)
		}
		if err != nil {
			return o.failPlain(out, err)
		}

		out.CountPrompt(prompt)
		raw, err := o.llm.CompleteWithSystem(ctx, prompts.System, prompt)
		if err != nil {
			return o.failPlain(out, err)
		}

		if final {
			logging.Orchestrator("plan closed at iteration bound (%d iterations, %d steps)", totalIters, state.CompletedCount())
			if err := out.Send("\n"); err != nil {
				return err
			}
			if err := out.SendWords(raw); err != nil {
				return err
			}
			return out.Finish()
		}

		outcome := plan.ParseIteration(raw)
		switch outcome.Kind {
		case plan.OutcomeContinue:
			state.AppendNotes(outcome.Notes...)
			if mustConclude {
				// Told to conclude, continued anyway. Close the step for it.
				logging.OrchestratorWarn("step %q hit its iteration budget without concluding", state.Current.Objective)
				state.CompleteStep(false, "step hit its iteration budget without a conclusion")
				if err := out.Send(stepNarration(state, false, "ran out of tool calls")); err != nil {
					return err
				}
				return o.concludeFromRecord(ctx, state, out)
			}
			state.Current.Tool = outcome.Tool
			state.Current.Prompt = outcome.Prompt
			logging.PlanDebug("continuing step with tool %s", outcome.Tool)

		case plan.OutcomeComplete:
			state.AppendNotes(outcome.Notes...)
			state.CompleteStep(outcome.Success, outcome.Conclusion)
			stepIters = 0
			logging.Plan("step %d archived (success=%v)", state.CompletedCount(), outcome.Success)
			if err := out.Send(stepNarration(state, outcome.Success, outcome.Conclusion)); err != nil {
				return err
			}

			switch {
			case outcome.NextStep == nil:
				return o.concludeFromRecord(ctx, state, out)

			case state.CompletedCount() >= o.cfg.StepLimit:
				// Step budget used up: the proposed step is dropped and the
				// wrap-up notes are the last narration before closing out.
				logging.Orchestrator("step limit %d reached, dropping proposed step %q", o.cfg.StepLimit, outcome.NextStep.Objective)
				if lines := noteLines(outcome.Notes); lines != "" {
					if err := out.Send(lines); err != nil {
						return err
					}
				}
				return o.concludeFromRecord(ctx, state, out)

			default:
				state.AdoptStep(*outcome.NextStep)
				if err := out.Send(fmt.Sprintf("Step %d: %s\n", state.CompletedCount()+1, outcome.NextStep.Objective)); err != nil {
					return err
				}
			}

		case plan.OutcomeConclusion:
			if err := out.Send("\n"); err != nil {
				return err
			}
			if err := out.SendWords(outcome.Text); err != nil {
				return err
			}
			return out.Finish()

		case plan.OutcomeMalformed:
			state.AppendNotes(outcome.Notes...)
			logging.OrchestratorWarn("unusable iteration response on iteration %d, continuing", totalIters)
		}
	}

	return o.concludeFromRecord(ctx, state, out)
}

// executeStepTool generates arguments for the current step's tool and runs
// it, attaching the outcome to the state. Unknown tools and call failures
// become failed outcomes the model sees next iteration; only argument
// generation returns an error.
func (o *Orchestrator) executeStepTool(ctx context.Context, state *plan.State) error {
	step := state.Current

	schema, owner, found := o.registry.Lookup(step.Tool)
	if !found {
		logging.OrchestratorWarn("step wants unknown tool %q", step.Tool)
		state.SetLastResult(step.Tool, fmt.Sprintf("tool %q is not available", step.Tool), true)
		return nil
	}

	args, err := o.argGen.Generate(ctx, schema, step.Prompt)
	if err != nil {
		return fmt.Errorf("%w for %s: %v", ErrArgumentGeneration, step.Tool, err)
	}

	state.RecordToolCall(step.Prompt, step.Tool, args)
	res, err := o.tools.CallTool(ctx, step.Tool, args)
	if err != nil {
		logging.OrchestratorWarn("tool %s on %s failed: %v", step.Tool, owner, err)
		state.SetLastResult(step.Tool, "tool call failed: "+err.Error(), true)
		return nil
	}
	state.SetLastResult(step.Tool, res.Payload, false)
	return nil
}

// concludeFromRecord issues the final-iteration prompt and streams the
// model's answer as the terminal conclusion.
func (o *Orchestrator) concludeFromRecord(ctx context.Context, state *plan.State, out Responder) error {
	prompt, err := prompts.FinalIteration(state)
	if err != nil {
		return o.failPlain(out, err)
	}
	out.CountPrompt(prompt)
	raw, err := o.llm.CompleteWithSystem(ctx, prompts.System, prompt)
	if err != nil {
		return o.failPlain(out, err)
	}
	if err := out.Send("\n"); err != nil {
		return err
	}
	if err := out.SendWords(raw); err != nil {
		return err
	}
	return out.Finish()
}

// emergency concludes a plan cut short by a fatal step failure. If even the
// conclusion inference fails, a plain error line closes the stream.
func (o *Orchestrator) emergency(ctx context.Context, state *plan.State, cause error, out Responder) error {
	logging.OrchestratorError("emergency conclusion: %v", cause)

	prompt, err := prompts.Emergency(state, cause.Error())
	if err != nil {
		return o.failPlain(out, err)
	}
	out.CountPrompt(prompt)
	raw, err := o.llm.CompleteWithSystem(ctx, prompts.System, prompt)
	if err != nil {
		logging.OrchestratorError("emergency inference failed: %v", err)
		_ = out.Send("Plan execution failed: " + cause.Error())
		_ = out.Finish()
		return cause
	}
	if err := out.Send("\n"); err != nil {
		return err
	}
	if err := out.SendWords(raw); err != nil {
		return err
	}
	return out.Finish()
}

func planIntro(p *plan.Plan) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Plan: %s\n", p.Objective)
	fmt.Fprintf(&sb, "Step 1: %s\n", p.First.Objective)
	return sb.String()
}

func stepNarration(state *plan.State, success bool, conclusion string) string {
	verdict := "complete"
	if !success {
		verdict = "failed"
	}
	return fmt.Sprintf("Step %d %s: %s\n", state.CompletedCount(), verdict, conclusion)
}

func noteLines(notes []string) string {
	if len(notes) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, n := range notes {
		sb.WriteString("- ")
		sb.WriteString(n)
		sb.WriteByte('\n')
	}
	return sb.String()
}
