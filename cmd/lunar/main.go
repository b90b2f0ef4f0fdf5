package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/lunar"
	"github.com/oriys/lunar/internal/config"
	"github.com/oriys/lunar/internal/logging"
	"github.com/oriys/lunar/internal/metrics"
	"github.com/oriys/lunar/internal/observability"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	configFile  string
	logLevel    string
	maxMemory   string
	maxRuntime  time.Duration
	maxDepth    int
	metricsAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lunar",
		Short: "Lunar - sandboxed Lua script runner",
		Long:  "Runs untrusted Lua scripts under hard memory and time limits",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, flags override)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&maxMemory, "max-memory", "", "Script memory ceiling, e.g. 2MiB")
	rootCmd.PersistentFlags().DurationVar(&maxRuntime, "max-runtime", 0, "Script wall-clock budget, e.g. 1s")
	rootCmd.PersistentFlags().IntVar(&maxDepth, "max-depth", 0, "Marshalling recursion bound")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")

	rootCmd.AddCommand(
		runCmd(),
		evalCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)

	if maxMemory != "" {
		cfg.Limits.MaxMemory = maxMemory
	}
	if maxRuntime != 0 {
		cfg.Limits.MaxRuntime = maxRuntime
	}
	if maxDepth != 0 {
		cfg.Limits.MaxDepth = maxDepth
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = metricsAddr
	}

	logging.SetFormat(cfg.Logging.Format)
	logging.SetLevelFromString(cfg.Logging.Level)
	return cfg, nil
}

func setupObservability(ctx context.Context, cfg *config.Config) error {
	if cfg.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Metrics.Namespace, nil)
		if cfg.Metrics.Addr != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
					logging.Op().Warn("metrics endpoint failed", "error", err)
				}
			}()
		}
	}
	return observability.Init(ctx, observability.Config{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
	})
}

func runCmd() *cobra.Command {
	var globalsFile string

	cmd := &cobra.Command{
		Use:   "run <script.lua>",
		Short: "Run a Lua script file under resource limits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read script: %w", err)
			}

			globals := map[string]any{}
			if globalsFile != "" {
				data, err := os.ReadFile(globalsFile)
				if err != nil {
					return fmt.Errorf("read globals: %w", err)
				}
				if err := json.Unmarshal(data, &globals); err != nil {
					return fmt.Errorf("parse globals: %w", err)
				}
			}

			return execute(cmd.Context(), source, globals, args[0])
		},
	}

	cmd.Flags().StringVar(&globalsFile, "globals", "", "JSON file of initial global variables")
	return cmd
}

func evalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "eval <code>",
		Short: "Run an inline Lua snippet under resource limits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd.Context(), []byte(args[0]), map[string]any{}, "eval")
		},
	}
}

func execute(ctx context.Context, source []byte, globals map[string]any, chunkName string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := setupObservability(ctx, cfg); err != nil {
		return err
	}
	defer observability.Shutdown(ctx)

	memBytes, err := cfg.MaxMemoryBytes()
	if err != nil {
		return err
	}

	e, err := lunar.New(lunar.Options{
		MaxMemory:  memBytes,
		MaxRuntime: cfg.Limits.MaxRuntime,
		HookHz:     cfg.Limits.HookHz,
		MaxDepth:   cfg.Limits.MaxDepth,
		ChunkName:  chunkName,
	})
	if err != nil {
		return err
	}
	defer e.Close()

	runID := uuid.New().String()[:8]
	started := time.Now()
	results, err := e.Execute(source, globals)
	elapsed := time.Since(started)

	if err != nil {
		logging.Op().Error("script failed", "run", runID, "elapsed", elapsed, "error", err)
		var oom *lunar.OutOfMemoryError
		if errors.As(err, &oom) {
			return fmt.Errorf("out of memory: %w", err)
		}
		return err
	}

	logging.Op().Info("script finished", "run", runID, "elapsed", elapsed, "results", len(results))

	out, err := json.MarshalIndent(printable(results), "", "  ")
	if err != nil {
		return fmt.Errorf("render results: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// printable rewrites decoded values into shapes encoding/json accepts:
// map[any]any becomes map[string]any with stringified keys, and opaque
// values (capsules, functions) become their type name.
func printable(v any) any {
	switch tv := v.(type) {
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = printable(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			out[fmt.Sprintf("%v", k)] = printable(val)
		}
		return out
	case nil, bool, string, float64:
		return tv
	default:
		return fmt.Sprintf("%T", tv)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("lunar %s\n", version)
		},
	}
}
