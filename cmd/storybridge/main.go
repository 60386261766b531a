package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vango-go/storybridge/internal/dotenv"
	"github.com/vango-go/storybridge/pkg/gateway/config"
	gatewayserver "github.com/vango-go/storybridge/pkg/gateway/server"
	"github.com/vango-go/storybridge/pkg/logger"
	"github.com/vango-go/storybridge/pkg/store"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

type serveDeps struct {
	loadConfig   func() (config.Config, error)
	openStore    func(context.Context, config.Config, *slog.Logger) (store.Store, error)
	newGateway   func(config.Config, *slog.Logger, gatewayserver.Deps) (*gatewayserver.Server, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultServeDeps() serveDeps {
	return serveDeps{
		loadConfig: config.LoadFromEnv,
		openStore:  openStore,
		newGateway: gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		return store.NewMemory(), nil
	}
	pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("open story store: %w", err)
	}
	return pg, nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func newLogger(cfg config.Config, w io.Writer) (*slog.Logger, error) {
	return logger.NewWithWriter(logger.Options{
		Level:  cfg.LogLevel,
		Format: string(cfg.LogFormat),
		Debug:  cfg.Debug,
	}, w)
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger, deps serveDeps) error {
	if deps.openStore == nil {
		return errors.New("missing openStore dependency")
	}
	if deps.newGateway == nil {
		return errors.New("missing newGateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := cfg.Validate(); err != nil {
		logger.Warn("configuration incomplete; uploads and conversations will fail", "error", err)
	}

	st, err := deps.openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	gw, err := deps.newGateway(cfg, logger, gatewayserver.Deps{Store: st})
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("build gateway: %w", err)
	}
	defer func() {
		if err := gw.Close(); err != nil {
			logger.Warn("close gateway", "error", err)
		}
	}()
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting storybridge",
		"addr", cfg.Addr,
		"agent_id", cfg.AgentID,
		"api_configured", cfg.APIKey != "",
		"persistent_store", cfg.DatabaseURL != "",
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	var stopErr error
	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("context canceled; shutting down")
		stopErr = ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()
	gw.WarnLiveSessionsDraining()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	// Live sessions are hijacked connections; Shutdown does not wait for them.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitLiveSessions(waitCtx) {
		gw.CancelLiveSessions()
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("storybridge stopped")
	return stopErr
}

func newRootCmd(ctx context.Context, deps serveDeps, stdout, stderr io.Writer) *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "storybridge",
		Short:         "Talk to your story: ElevenLabs conversation bridge and story API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return dotenv.LoadFile(envFile)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if deps.loadConfig == nil {
				return errors.New("missing loadConfig dependency")
			}
			cfg, err := deps.loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log, err := newLogger(cfg, stderr)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			return runServe(ctx, cfg, log, deps)
		},
	}
	root.RunE = serve.RunE
	root.Args = cobra.NoArgs

	root.AddCommand(serve, newConfigCmd(deps, &envFile), newVersionCmd())
	return root
}

func newConfigCmd(deps serveDeps, envFile *string) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration",
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration the server would start with",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if deps.loadConfig == nil {
				return errors.New("missing loadConfig dependency")
			}
			cfg, err := deps.loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			out := cmd.OutOrStdout()

			issues := cfg.ConfigIssues()
			if _, err := cfg.ConversationDefaults(); err != nil {
				issues = append(issues, err.Error())
			}

			fmt.Fprintf(out, "listen address:   %s\n", cfg.Addr)
			fmt.Fprintf(out, "api key set:      %s\n", yesNo(cfg.APIKey != ""))
			fmt.Fprintf(out, "agent id:         %s\n", cfg.AgentID)
			fmt.Fprintf(out, "max file size:    %d\n", cfg.MaxFileSize)
			fmt.Fprintf(out, "persistent store: %s\n", yesNo(cfg.DatabaseURL != ""))
			if len(issues) > 0 {
				for _, issue := range issues {
					fmt.Fprintf(out, "issue: %s\n", issue)
				}
				return fmt.Errorf("configuration has %d issue(s)", len(issues))
			}
			fmt.Fprintln(out, "configuration is valid")
			return nil
		},
	}

	var (
		apiKey, agentID string
		maxFileSize     int64
		debug, force    bool
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a dotenv file with the required settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiKey == "" {
				return errors.New("--api-key is required")
			}
			if agentID == "" {
				return errors.New("--agent-id is required")
			}
			if maxFileSize <= 0 {
				return errors.New("--max-file-size must be > 0")
			}
			values := map[string]string{
				"ELEVENLABS_API_KEY": apiKey,
				"AGENT_ID":           agentID,
				"MAX_FILE_SIZE":      strconv.FormatInt(maxFileSize, 10),
				"DEBUG":              strconv.FormatBool(debug),
				"HOST":               "0.0.0.0",
				"PORT":               "8000",
			}
			if err := dotenv.WriteFile(*envFile, values, force); err != nil {
				if errors.Is(err, dotenv.ErrExists) {
					return fmt.Errorf("%w (use --force to overwrite)", err)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", *envFile)
			return nil
		},
	}
	// The file being written is not loaded first.
	initCmd.PersistentPreRunE = func(*cobra.Command, []string) error { return nil }
	initCmd.Flags().StringVar(&apiKey, "api-key", "", "ElevenLabs API key")
	initCmd.Flags().StringVar(&agentID, "agent-id", "", "default ElevenLabs agent id")
	initCmd.Flags().Int64Var(&maxFileSize, "max-file-size", 10485760, "maximum story upload size in bytes")
	initCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	cfgCmd.AddCommand(check, initCmd)
	return cfgCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "storybridge %s\n", version)
		},
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps serveDeps) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	root := newRootCmd(ctx, deps, stdout, stderr)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "storybridge: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultServeDeps()))
}
