// Command gatekeeper runs approval-pinned code generation for a repository.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Mindburn-Labs/gatekeeper/pkg/api"
	"github.com/Mindburn-Labs/gatekeeper/pkg/config"
	"github.com/Mindburn-Labs/gatekeeper/pkg/contracts"
	"github.com/Mindburn-Labs/gatekeeper/pkg/safety"
)

var version = "dev"

// errDenied makes validate exit 1 without printing an error line.
var errDenied = errors.New("payload denied")

func main() {
	os.Exit(Run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// Run is the testable entry point. It returns the process exit code.
func Run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	v := viper.New()
	v.SetEnvPrefix("GATEKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := newRootCmd(v, stdin, stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, errDenied) {
			_, _ = fmt.Fprintln(stderr, "error:", err)
		}
		return 1
	}
	return 0
}

func newRootCmd(v *viper.Viper, stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "gatekeeper",
		Short:         "Approval-pinned code generation for pull requests and issues",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringP("config", "c", "gatekeeper.yaml", "configuration file")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "json", "log format (json, text)")
	_ = v.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	_ = v.BindPFlag("log-level", root.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("log-format", root.PersistentFlags().Lookup("log-format"))

	root.AddCommand(
		runCmd(v),
		serveCmd(v),
		validateCmd(v),
		checkCmd(v),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

func newLogger(v *viper.Viper, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("log-level"))); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch v.GetString("log-format") {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json", "":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", v.GetString("log-format"))
	}
}

// setup loads the configuration and installs the logger as the default.
func setup(cmd *cobra.Command, v *viper.Viper) (*config.Config, *slog.Logger, error) {
	logger, err := newLogger(v, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	cfg, err := config.Load(v.GetString("config"))
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runCmd(v *viper.Viper) *cobra.Command {
	var surfaces []int
	var workers int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Wait for a trigger on each surface and process it once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(surfaces) == 0 {
				return errors.New("at least one --surface is required")
			}
			cfg, logger, err := setup(cmd, v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

			if workers <= 0 {
				workers = cfg.Orchestrator.Workers
			}
			results := a.orch.ProcessSurfaces(ctx, surfaces, workers)

			type line struct {
				SurfaceID int                  `json:"surface_id"`
				Outcome   contracts.RunOutcome `json:"outcome"`
				Error     string               `json:"error,omitempty"`
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			failed := 0
			for _, r := range results {
				l := line{SurfaceID: r.SurfaceID, Outcome: r.Outcome}
				if r.Err != nil {
					l.Error = r.Err.Error()
					failed++
				}
				if err := enc.Encode(l); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d surfaces failed", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().IntSliceVarP(&surfaces, "surface", "s", nil, "issue or pull request number (repeatable)")
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent pipelines (default from config)")
	return cmd
}

func serveCmd(v *viper.Viper) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd, v)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

			handler, err := api.New(api.Config{Processor: a.orch, Receipts: a.receipts, Logger: logger})
			if err != nil {
				return err
			}
			srv := &http.Server{
				Addr:              addr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logger.Info("listening", "addr", addr, "repository", cfg.Repository)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			logger.Info("shutting down")
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func validateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate an outbound payload read from stdin; exits 1 on deny",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sc := config.Defaults().Safety
			if path := v.GetString("config"); fileExists(path) || cmd.Flags().Changed("config") {
				cfg, err := config.Load(path)
				if err != nil {
					return err
				}
				sc = cfg.Safety
			}
			validator, err := buildValidator(sc)
			if err != nil {
				return err
			}
			payload, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}

			verdict := validator.Validate(string(payload), safety.LoadSecrets(sc.Secrets...))
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(verdict); err != nil {
				return err
			}
			if verdict.Decision == contracts.VerdictDeny {
				return errDenied
			}
			return nil
		},
	}
}

func checkCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check the configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v.GetString("config"))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "config ok: version %s, repository %s\n", cfg.Version, cfg.Repository)
			_, _ = fmt.Fprintf(out, "  actors: %s\n", strings.Join(cfg.Authorization.AllowedActors, ", "))
			_, _ = fmt.Fprintf(out, "  rate limit: %d per %s (%s ledger)\n",
				cfg.Authorization.RateLimit.Quota, cfg.Authorization.RateLimit.Window, cfg.Authorization.Ledger.Backend)
			for _, p := range cfg.Providers {
				_, _ = fmt.Fprintf(out, "  provider %s: [%s] %s, priority %d\n", p.Name, p.Keyword, p.Kind, p.Priority)
			}
			_, _ = fmt.Fprintf(out, "  platform: %s, pin mode %s, store %s, archive %s\n",
				cfg.Platform.Kind, cfg.Orchestrator.PinMode, cfg.Store.Kind, cfg.Archive.Kind)
			return nil
		},
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
