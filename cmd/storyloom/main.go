package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"storyloom/internal/config"
	"storyloom/internal/embedding"
	"storyloom/internal/llm"
	"storyloom/internal/logging"
	"storyloom/internal/orchestrator"
	"storyloom/internal/store"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string
	userID     string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "storyloom",
	Short: "StoryLoom - 儿童故事陪伴引擎",
	Long: `StoryLoom is a multi-agent storytelling companion for children.

Every turn runs through intent routing, a two-stage safety gate, and
emotion analysis before it reaches the chat, education, or story path.
Story worlds, roles, chapters, and memories persist in a local SQLite
database under the workspace's .loom/ directory.

Run without arguments to start the interactive chat.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logger
		zapConfig := zap.NewProductionConfig()
		if verbose {
			zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapConfig.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("category logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat()
	},
}

// chatCmd starts the interactive chat loop
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive storytelling session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat()
	},
}

// initCmd writes a default config file
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize StoryLoom in the current workspace",
	Long: `Creates the .loom/ directory with a default config.yaml.

Edit the file afterwards to set provider API keys, or export
DASHSCOPE_API_KEY / DEEPSEEK_API_KEY and the defaults will pick
them up.`,
	RunE: runInit,
}

// worldsCmd lists a user's story worlds
var worldsCmd = &cobra.Command{
	Use:   "worlds",
	Short: "List stored story worlds",
	RunE:  runWorlds,
}

// statusCmd shows store statistics
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show StoryLoom store statistics",
	RunE:  runStatus,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default .loom/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", "local", "user id for sessions and worlds")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(worldsCmd)
	rootCmd.AddCommand(statusCmd)
}

// resolveConfigPath prefers the --config flag over the workspace default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if workspace != "" && workspace != "." {
		return filepath.Join(workspace, ".loom", "config.yaml")
	}
	return config.DefaultPath()
}

// loadConfig loads the resolved config with env overrides applied.
func loadConfig() (*config.Config, error) {
	return config.Load(resolveConfigPath())
}

// buildEngine wires the store, backends, and orchestration core.
func buildEngine(cfg *config.Config) (*orchestrator.Engine, *store.LocalStore, error) {
	st, err := store.NewLocalStore(cfg.Store.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	if engine, err := embedding.NewEngine(cfg.Embedding); err != nil {
		logger.Warn("embedding engine unavailable, memory search is keyword-only", zap.Error(err))
	} else if engine != nil {
		st.SetEmbeddingEngine(engine)
	}

	chain, err := llm.NewChain(cfg.LLM, cfg.GetCallTimeout())
	if err != nil {
		logger.Warn("no usable model backends, running in degraded mode", zap.Error(err))
		return orchestrator.NewEngine(cfg, st, nil), st, nil
	}

	return orchestrator.NewEngine(cfg, st, chain), st, nil
}

func runInit(cmd *cobra.Command, args []string) error {
	path := resolveConfigPath()
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists at %s\n", path)
		return nil
	}

	cfg := config.DefaultConfig()
	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("Initialized StoryLoom config at %s\n", path)
	fmt.Println("Set provider API keys in the file or via environment variables.")
	return nil
}

func runWorlds(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.NewLocalStore(cfg.Store.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	worlds, err := st.ListWorlds(userID)
	if err != nil {
		return err
	}
	if len(worlds) == 0 {
		fmt.Println("No story worlds yet. Start a chat and ask for a story!")
		return nil
	}

	for _, w := range worlds {
		fmt.Printf("%s  %s (%s)\n", w.WorldID, w.Name, w.Type)
		fmt.Printf("    %s\n", w.Background)
		fmt.Printf("    created %s\n", w.CreatedAt.Format(time.DateOnly))
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.NewLocalStore(cfg.Store.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	stats, err := st.GetStats()
	if err != nil {
		return err
	}

	fmt.Printf("StoryLoom %s\n", cfg.Version)
	fmt.Printf("Database: %s\n", cfg.Store.DatabasePath)
	for _, table := range []string{"sessions", "worlds", "roles", "chapters", "chapter_turns", "memory_records"} {
		fmt.Printf("  %-16s %d\n", table, stats[table])
	}

	purged, err := st.PurgeExpired()
	if err == nil && purged > 0 {
		fmt.Printf("Purged %d expired memory records\n", purged)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
