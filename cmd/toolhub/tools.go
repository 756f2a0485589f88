package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"toolhub/internal/mcp"
)

// toolsCmd lists the merged tool catalog
var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List every tool the pool advertises",
	Long: `Spawns the configured servers, runs their handshakes, and prints the
merged catalog. Tools are listed under their registered names; names that
collided across servers appear qualified as server/tool.`,
	RunE: listTools,
}

// callCmd invokes a single tool directly
var callCmd = &cobra.Command{
	Use:   "call [tool] [json-args]",
	Short: "Call one tool and print its payload",
	Long: `Calls a tool by name with a JSON argument object and prints the extracted
payload. Useful for checking what a server actually returns before letting
the plan loop use it.

Example:
  toolhub call file-read '{"path": "go.mod"}'
  toolhub call search/grep '{"query": "func main"}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: callTool,
}

// serversCmd shows per-server pool state
var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Show the state of every configured server",
	RunE:  listServers,
}

// startPool builds and initializes the pool for a one-shot command. The
// returned release func tears it down in order.
func startPool(ctx context.Context) (*mcp.Manager, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	manager, store := buildPool(cfg)
	release := func() {
		manager.Shutdown()
		if store != nil {
			_ = store.Close()
		}
	}

	if err := manager.InitializeAll(ctx); err != nil {
		release()
		return nil, nil, fmt.Errorf("tool pool: %w", err)
	}
	return manager, release, nil
}

func listTools(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager, release, err := startPool(ctx)
	if err != nil {
		return err
	}
	defer release()

	tools := manager.Registry().List()
	fmt.Printf("%d tools available\n\n", len(tools))
	for _, t := range tools {
		_, owner, _ := manager.Registry().Lookup(t.Name)
		fmt.Printf("  %-28s %s\n", t.Name, firstSentence(t.Description))
		if verbose {
			fmt.Printf("  %-28s owner=%s required=%v\n", "", owner, t.Required)
		}
	}
	return nil
}

func callTool(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	tool := args[0]
	toolArgs := map[string]interface{}{}
	if len(args) == 2 {
		if err := json.Unmarshal([]byte(args[1]), &toolArgs); err != nil {
			return fmt.Errorf("arguments must be a JSON object: %w", err)
		}
	}

	manager, release, err := startPool(ctx)
	if err != nil {
		return err
	}
	defer release()

	logger.Debug("Calling tool", zap.String("tool", tool))
	res, err := manager.CallTool(ctx, tool, toolArgs)
	if err != nil {
		return err
	}

	fmt.Println(res.Payload)
	if verbose {
		fmt.Fprintf(os.Stderr, "(%d ms, payload from %s)\n", res.LatencyMs, res.PayloadSource)
	}
	return nil
}

func listServers(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager, release, err := startPool(ctx)
	if err != nil {
		return err
	}
	defer release()

	infos := manager.Servers()
	if len(infos) == 0 {
		fmt.Println("No servers configured. Add them under 'servers:' in the config.")
		return nil
	}

	fmt.Printf("%-20s %-10s %6s %8s\n", "SERVER", "STATE", "TOOLS", "PID")
	for _, info := range infos {
		pid := "-"
		if info.PID > 0 {
			pid = fmt.Sprintf("%d", info.PID)
		}
		fmt.Printf("%-20s %-10s %6d %8s\n", info.Name, info.State, info.ToolCount, pid)
	}
	return nil
}

// firstSentence trims a tool description to its first sentence or line.
func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if i := strings.Index(s, ". "); i >= 0 {
		s = s[:i+1]
	}
	if len(s) > 100 {
		s = s[:100] + "..."
	}
	return s
}
