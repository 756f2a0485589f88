package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"toolhub/internal/config"
	"toolhub/internal/inference"
	"toolhub/internal/logging"
	"toolhub/internal/orchestrator"
	"toolhub/internal/stream"
)

var (
	chatSSE     bool
	chatContext string
)

// chatCmd answers one request end to end
var chatCmd = &cobra.Command{
	Use:   "chat [request]",
	Short: "Answer one request, running tools and plans as needed",
	Long: `Runs one request through the full pipeline: tool selection, an optional
pre-approved lookup, plan detection, and the iterative step loop. Output
streams as it is produced.

The default output is plain text. With --sse the OpenAI-style event stream
is written instead, one data: line per chunk, ending in [DONE].`,
	Args: cobra.MinimumNArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().BoolVar(&chatSSE, "sse", false, "Emit the raw event stream instead of plain text")
	chatCmd.Flags().StringVar(&chatContext, "context", "", "Project context included in the entry prompts")
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("Answering request",
		zap.String("provider", cfg.Inference.Provider),
		zap.String("model", cfg.Inference.Model))

	// Pick up logging changes while a long plan runs. Plan bounds and
	// server specs stay pinned for the life of the request.
	if watcher, werr := config.NewWatcher(config.DefaultPath(workspace)); werr == nil {
		if watcher.Start(ctx) == nil {
			defer watcher.Stop()
			go func() {
				for range watcher.Updates() {
					_ = logging.ReloadConfig()
				}
			}()
		}
	}

	llm, err := inference.NewFromConfig(ctx, cfg)
	if err != nil {
		return err
	}

	manager, store := buildPool(cfg)
	defer func() {
		manager.Shutdown()
		if store != nil {
			_ = store.Close()
		}
	}()

	if err := manager.InitializeAll(ctx); err != nil {
		return fmt.Errorf("tool pool: %w", err)
	}
	logger.Debug("Tool pool ready", zap.Int("tools", len(manager.Registry().List())))

	orch := orchestrator.New(llm, manager, manager.Registry(), orchestrator.Config{
		StepLimit:           cfg.Plan.StepLimit,
		TotalIterationLimit: cfg.Plan.TotalIterationLimit,
		StepIterationLimit:  cfg.Plan.StepIterationLimit,
		SafeTools:           cfg.Plan.SafeTools,
		ProjectContext:      chatContext,
	})

	request := strings.Join(args, " ")

	var out orchestrator.Responder
	if chatSSE {
		out = stream.NewWriter(os.Stdout, llm.Model())
	} else {
		out = &plainResponder{w: os.Stdout}
	}

	return orch.Run(ctx, request, out)
}

// plainResponder prints stream content directly, for terminal use. The SSE
// framing, chunk ids, and usage accounting stay inside stream.Writer.
type plainResponder struct {
	w io.Writer
}

func (p *plainResponder) Send(content string) error {
	_, err := io.WriteString(p.w, content)
	return err
}

func (p *plainResponder) SendWords(text string) error {
	_, err := io.WriteString(p.w, text)
	return err
}

func (p *plainResponder) CountPrompt(string) {}

func (p *plainResponder) Finish() error {
	_, err := io.WriteString(p.w, "\n")
	return err
}
