package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zhubert/canopy/internal/config"
	"github.com/zhubert/canopy/internal/git"
	"github.com/zhubert/canopy/internal/initializer"
	"github.com/zhubert/canopy/internal/logger"
	"github.com/zhubert/canopy/internal/metrics"
	"github.com/zhubert/canopy/internal/node"
	"github.com/zhubert/canopy/internal/notification"
	"github.com/zhubert/canopy/internal/store"
)

var (
	debugMode             bool
	quietMode             bool
	logFile               string
	version, commit, date string
)

// SetVersionInfo sets version information from ldflags
func SetVersionInfo(v, c, d string) {
	version, commit, date = v, c, d
}

var rootCmd = &cobra.Command{
	Use:   "canopy",
	Short: "Create isolated git worktrees for parallel units of work",
	Long: `Canopy manages nodes: isolated units of work on top of a shared git
repository, each backed by its own worktree and branch. Worktrees are
initialized in the background with per-repository serialization, base
branch fallback and streamed progress.`,
	PersistentPreRunE: initConfig,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", true, "Enable debug logging (on by default)")
	rootCmd.PersistentFlags().BoolVarP(&quietMode, "quiet", "q", false, "Reduce logging to info level only")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Log file (default ~/.canopy/logs/canopy.log)")
}

func initConfig(_ *cobra.Command, _ []string) error {
	if quietMode {
		logger.SetDebug(false)
	} else if debugMode {
		logger.SetDebug(true)
	}
	return logger.Init(logFile)
}

// loadDotEnv applies a .env file in the working directory. Variables already
// set in the environment win.
func loadDotEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	return godotenv.Load()
}

// Execute runs the root command
func Execute() error {
	if err := loadDotEnv(); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(versionTemplate())
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func versionTemplate() string {
	if commit != "none" && commit != "" {
		return fmt.Sprintf("canopy %s\n  commit: %s\n  built:  %s\n", version, commit, date)
	}
	return fmt.Sprintf("canopy %s\n", version)
}

// runtime is everything a command needs to create and manage nodes.
type runtime struct {
	cfg     *config.Config
	store   store.Store
	metrics *metrics.Metrics
	sink    *notification.Sink
	engine  *initializer.Engine
	nodes   *node.Service
}

func newRuntime() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	settings := cfg.GetSettings()
	if settings.LogFormat != "" {
		if err := logger.SetFormat(settings.LogFormat); err != nil {
			return nil, err
		}
	}

	st, err := store.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("error opening store: %w", err)
	}

	rt := &runtime{
		cfg:     cfg,
		store:   st,
		metrics: metrics.New(),
		sink:    notification.NewSink(settings.NotificationsEnabled),
	}
	gitSvc := git.NewGitService()
	rt.engine = initializer.NewEngine(gitSvc, st,
		initializer.WithAnalytics(rt.sink),
		initializer.WithObserver(rt.metrics),
		initializer.WithMaxAttempts(settings.Attempts()),
	)
	rt.nodes = node.NewService(st, gitSvc, rt.engine, settings.WaitTimeout())
	return rt, nil
}

// close cancels running jobs, waits for them and closes the store.
func (rt *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.GetSettings().WaitTimeout()+5*time.Second)
	defer cancel()
	if err := rt.engine.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	rt.sink.Flush()
	if err := rt.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: error closing store: %v\n", err)
	}
}
