package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"toolhub/internal/config"
	"toolhub/internal/logging"
	"toolhub/internal/mcp"
)

var (
	// Global flags
	configPath string
	workspace  string
	verbose    bool

	// Operator-facing logger, on stderr so streamed answers stay clean
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "toolhub",
	Short: "toolhub - local tool-server hub with a model-driven plan loop",
	Long: `toolhub spawns a pool of MCP tool servers over stdio, merges their tools
into one catalog, and answers requests by routing between direct answers,
single tool lookups, and multi-step plans worked one tool call at a time.

Configuration lives in .toolhub/config.yaml under the workspace. Run
'toolhub init' to write the default config, then add servers and set an
API key (ANTHROPIC_API_KEY, OPENAI_API_KEY, or GEMINI_API_KEY).`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if workspace == "" {
			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("resolve workspace: %w", err)
			}
			workspace = cwd
		}
		if err := logging.Initialize(workspace); err != nil {
			return fmt.Errorf("logging init failed: %w", err)
		}
		logging.Boot("toolhub starting (workspace %s)", workspace)

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

// statusCmd shows the effective configuration without spawning anything
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the effective configuration",
	RunE:  showStatus,
}

// initCmd writes the default config into the workspace
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config to .toolhub/config.yaml",
	RunE:  runInit,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <workspace>/.toolhub/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Print extra detail (latency, payload sources, schemas)")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(serversCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads the workspace config, falling back to defaults when no
// file exists yet.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath(workspace)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logging.Config("loaded %s (%d servers, provider %s)", path, len(cfg.Servers), cfg.Inference.Provider)
	return cfg, nil
}

// buildPool assembles the tool pool from config: a spawn spec per enabled
// server, the catalog store when enabled, and the built-in file reader.
// The caller owns shutdown: manager first, then the store.
func buildPool(cfg *config.Config) (*mcp.Manager, *mcp.Store) {
	specs := make(map[string]mcp.ServerSpec)
	for _, name := range cfg.EnabledServers() {
		sc := cfg.Servers[name]
		specs[name] = mcp.ServerSpec{
			Command:     sc.Command,
			Args:        sc.Args,
			Env:         sc.Env,
			ReadyMarker: sc.ReadyMarker,
			InitTimeout: sc.GetInitTimeout(),
		}
	}

	var store *mcp.Store
	if cfg.Store.Enabled {
		path := cfg.Store.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(workspace, ".toolhub", path)
		}
		var err error
		store, err = mcp.OpenStore(path)
		if err != nil {
			// The catalog is an observability aid; the pool runs without it.
			logging.StoreWarn("catalog store unavailable: %v", err)
			store = nil
		}
	}

	manager := mcp.NewManager(specs, store, cfg.GetCallTimeout())
	manager.RegisterBuiltin(mcp.NewReadFileTool(workspace, 0))
	return manager, store
}

// showStatus displays the effective configuration
func showStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Printf("toolhub %s\n", cfg.Version)
	fmt.Printf("Workspace: %s\n", workspace)
	fmt.Println()

	if cfg.Inference.APIKey != "" {
		fmt.Printf("Inference: %s (%s)\n", cfg.Inference.Provider, cfg.Inference.Model)
	} else {
		fmt.Println("Inference: no API key configured")
	}

	names := cfg.EnabledServers()
	fmt.Printf("Servers enabled: %d\n", len(names))
	for _, name := range names {
		fmt.Printf("  %s: %s\n", name, cfg.Servers[name].Command)
	}

	if cfg.Store.Enabled {
		fmt.Printf("Catalog store: %s\n", cfg.Store.Path)
	} else {
		fmt.Println("Catalog store: disabled")
	}
	fmt.Printf("Plan bounds: %d steps, %d iterations total, %d per step\n",
		cfg.Plan.StepLimit, cfg.Plan.TotalIterationLimit, cfg.Plan.StepIterationLimit)
	fmt.Printf("Safe tools: %v\n", cfg.Plan.SafeTools)

	return nil
}

// runInit writes the default config, refusing to overwrite an existing one
func runInit(cmd *cobra.Command, args []string) error {
	path := config.DefaultPath(workspace)
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists at %s\n", path)
		return nil
	}

	cfg := config.DefaultConfig()
	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("Wrote %s\n", path)
	fmt.Println("Add tool servers under 'servers:' and set an API key to get started.")
	return nil
}
