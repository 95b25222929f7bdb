package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/driftlock/opsagent/internal/auth"
	"github.com/driftlock/opsagent/internal/config"
	"github.com/driftlock/opsagent/internal/gateway"
	"github.com/driftlock/opsagent/internal/journal"
	"github.com/driftlock/opsagent/internal/memory"
	"github.com/driftlock/opsagent/internal/model"
	"github.com/driftlock/opsagent/internal/orchestrator"
	"github.com/driftlock/opsagent/internal/serve"
)

var rootCmd = &cobra.Command{
	Use:   "opsagent",
	Short: "opsagent - DevOps assistant with cross-session memory and gateway tools",
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Run the agent in single message or REPL mode",
	RunE:  runChat,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the agent over HTTP",
	RunE:  runServe,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show opsagent status",
	RunE:  runStatus,
}

var messageFlag string

func init() {
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	rootCmd.AddCommand(chatCmd, serveCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

// buildDeps wires the shared collaborators. The model client is
// mandatory; gateway, memory, and journal degrade to disabled with a
// warning when misconfigured, matching the turn-level degradation
// policy.
func buildDeps(cfg *config.Config, log zerolog.Logger) (serve.Deps, func(), error) {
	deps := serve.Deps{}
	cleanup := func() {}

	modelClient, err := model.NewOpenAIClient(cfg, log)
	if err != nil {
		return deps, cleanup, fmt.Errorf("model client: %w (run 'opsagent onboard' or set OPSAGENT_API_KEY)", err)
	}
	deps.Model = modelClient

	if cfg.Gateway.Enabled && cfg.Gateway.URL != "" {
		tokens, err := auth.NewTokenManager(cfg.Auth, nil, log)
		if err != nil {
			log.Warn().Err(err).Msg("token manager unavailable, continuing without gateway tools")
		} else {
			gw, err := gateway.NewClient(cfg.Gateway, tokens, log)
			if err != nil {
				log.Warn().Err(err).Msg("gateway unavailable, continuing without tools")
			} else {
				deps.Tools = gw
			}
		}
	}

	if cfg.Memory.Enabled {
		backend, err := memory.NewHTTPBackend(cfg.Memory)
		if err != nil {
			log.Warn().Err(err).Msg("memory backend unavailable, continuing without memory")
		} else {
			deps.Memory = memory.NewManager(backend, cfg, log)
		}
	}

	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.DBPath)
		if err != nil {
			log.Warn().Err(err).Msg("turn journal unavailable")
		} else {
			deps.Journal = j
			cleanup = func() { _ = j.Close() }
		}
	}

	return deps, cleanup, nil
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := newLogger()
	deps, cleanup, err := buildDeps(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	session := orchestrator.NewSession(cfg.Agent.ActorID)
	orch, err := orchestrator.New(session, orchestrator.Options{
		Model:             deps.Model,
		Memory:            deps.Memory,
		Tools:             deps.Tools,
		Journal:           deps.Journal,
		SystemPrompt:      cfg.Agent.SystemPrompt,
		MaxToolIterations: cfg.Agent.MaxToolIterations,
		Logger:            log,
	})
	if err != nil {
		return err
	}

	ctx := context.Background()
	orch.LoadToolCatalog(ctx)

	// Single message mode
	if messageFlag != "" {
		reply, err := orch.Turn(ctx, messageFlag)
		if err != nil {
			return fmt.Errorf("agent error: %w", err)
		}
		fmt.Println(reply)
		return nil
	}

	return repl(ctx, orch, os.Stdin, os.Stdout, os.Stderr)
}

func repl(ctx context.Context, orch *orchestrator.Orchestrator, stdin io.Reader, stdout, stderr io.Writer) error {
	fmt.Fprintln(stdout, "opsagent (type 'exit' to quit)")
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		reply, err := orch.Turn(ctx, input)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			continue
		}
		fmt.Fprintln(stdout, reply)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := newLogger()
	deps, cleanup, err := buildDeps(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	srv, err := serve.New(cfg, deps, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(cfgPath, data, 0644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your provider API key\n", cfgPath)
	fmt.Println("  2. Or set OPSAGENT_API_KEY / OPENAI_API_KEY")
	fmt.Println("  3. Configure auth + gateway to enable tools, memory to enable recall")
	fmt.Println("  4. Run 'opsagent chat -m \"Hello\"' to test")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Actor: %s\n", cfg.Agent.ActorID)
	fmt.Printf("Model: %s\n", cfg.Agent.Model)
	fmt.Printf("API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Printf("Gateway: enabled=%v url=%s\n", cfg.Gateway.Enabled, cfg.Gateway.URL)
	fmt.Printf("Memory: enabled=%v url=%s\n", cfg.Memory.Enabled, cfg.Memory.BaseURL)

	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.DBPath)
		if err != nil {
			fmt.Printf("Journal: error (%v)\n", err)
			return nil
		}
		defer j.Close()
		stats, err := j.Stats()
		if err != nil {
			fmt.Printf("Journal: error (%v)\n", err)
			return nil
		}
		fmt.Printf("Journal: %d turns, %d tool calls (%d failed)", stats.Turns, stats.ToolCalls, stats.ToolFailures)
		if stats.LastTurnAt != "" {
			fmt.Printf(", last at %s", stats.LastTurnAt)
		}
		fmt.Println()
	} else {
		fmt.Println("Journal: disabled")
	}
	return nil
}

func maskKey(key string) string {
	if key == "" {
		return "not set"
	}
	if len(key) > 8 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return "set"
}
