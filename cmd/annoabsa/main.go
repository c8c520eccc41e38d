// Command annoabsa serves an aspect-based sentiment annotation dataset to the browser UI
// and runs LLM pre-predictions for it.
//
// Usage:
//
//	annoabsa serve reviews.csv --ai-suggestions --llm-backend local --llm-model gemma3:4b
//	annoabsa config show reviews.csv --load-config absa_config.json
//	annoabsa positions reviews.json
//	annoabsa predict reviews.json --index 3
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/subosito/gotenv"
	"github.com/theimaginaryfoundation/anno-absa/absa"
	"github.com/theimaginaryfoundation/anno-absa/absa/provider"
	"github.com/theimaginaryfoundation/anno-absa/absa/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type app struct {
	envFile  string
	logLevel string
	logger   *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{logger: slog.Default()}
	root := &cobra.Command{
		Use:   "annoabsa",
		Short: "Aspect-based sentiment annotation backend",
		Long: `annoabsa serves rows of a CSV or JSON dataset to the annotation UI, stores the
labels entered there back into the same file and can pre-fill suggestions with an LLM.

API keys are read from --api-key or the environment (OPENAI_API_KEY, GEMINI_API_KEY).
A .env file in the working directory is loaded first if present.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadEnv(a.envFile); err != nil {
				return err
			}
			var level slog.Level
			if err := level.UnmarshalText([]byte(a.logLevel)); err != nil {
				return fmt.Errorf("invalid --log-level %q", a.logLevel)
			}
			a.logger = newLogger(cmd.ErrOrStderr(), level)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "Environment file to load (missing file is ignored)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	root.AddCommand(newServeCmd(a), newConfigCmd(a), newPositionsCmd(a), newPredictCmd(a))
	return root
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

// loadEnv reads KEY=VALUE pairs from path without overriding variables already set.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := gotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func newServeCmd(a *app) *cobra.Command {
	cfg := defaultConfig()
	cmd := &cobra.Command{
		Use:   "serve DATA_PATH",
		Short: "Serve the dataset to the annotation UI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.DataPath = args[0]
			if err := cfg.Validate(); err != nil {
				return err
			}
			settings, err := resolveSettings(cmd, cfg)
			if err != nil {
				return err
			}
			if cfg.ShowConfig {
				printSettings(cmd.OutOrStdout(), settings)
				return nil
			}

			store, err := absa.OpenStore(cfg.DataPath)
			if err != nil {
				return err
			}
			if settings.AutoPositions {
				n, err := server.FillPositions(store)
				if err != nil {
					a.logger.Error("auto positions failed", "err", err)
				} else {
					a.logger.Info("auto positions", "added", n, "path", store.Path())
				}
			}

			var predictor server.Predictor
			if settings.EnablePrePrediction {
				p, err := newPredictor(cmd.Context(), cfg, settings, a.logger)
				if err != nil {
					return err
				}
				predictor = p
			}

			srv := server.New(store, &settings, predictor, a.logger)
			addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
			return srv.ListenAndServe(cmd.Context(), addr)
		},
	}
	bindSettingsFlags(cmd, &cfg)
	cmd.Flags().BoolVar(&cfg.ShowConfig, "show-config", false, "Print the resulting settings and exit")
	cmd.Flags().StringVar(&cfg.Host, "backend-ip", cfg.Host, "Address to listen on")
	cmd.Flags().IntVar(&cfg.Port, "backend-port", cfg.Port, "Port to listen on")
	return cmd
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or save session settings",
	}

	showCfg := defaultConfig()
	show := &cobra.Command{
		Use:   "show DATA_PATH",
		Short: "Print the settings the given flags resolve to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			showCfg.DataPath = args[0]
			if err := showCfg.Validate(); err != nil {
				return err
			}
			s, err := resolveSettings(cmd, showCfg)
			if err != nil {
				return err
			}
			printSettings(cmd.OutOrStdout(), s)
			return nil
		},
	}
	bindSettingsFlags(show, &showCfg)

	saveCfg := defaultConfig()
	var out string
	save := &cobra.Command{
		Use:   "save DATA_PATH",
		Short: "Write the resolved settings to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			saveCfg.DataPath = args[0]
			saveCfg.SaveConfig = out
			if err := saveCfg.Validate(); err != nil {
				return err
			}
			if _, err := resolveSettings(cmd, saveCfg); err != nil {
				return err
			}
			a.logger.Info("settings saved", "path", out)
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	bindSettingsFlags(save, &saveCfg)
	save.Flags().StringVarP(&out, "out", "o", "absa_config.json", "Output file (.json, .yaml or .yml)")

	cmd.AddCommand(show, save)
	return cmd
}

func newPositionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "positions DATA_PATH",
		Short: "Add missing span offsets to existing annotations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := absa.OpenStore(args[0])
			if err != nil {
				return err
			}
			n, err := server.FillPositions(store)
			if err != nil {
				return err
			}
			a.logger.Info("positions added", "count", n, "path", store.Path())
			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", n)
			return nil
		},
	}
}

func newPredictCmd(a *app) *cobra.Command {
	cfg := defaultConfig()
	var index int
	cmd := &cobra.Command{
		Use:   "predict DATA_PATH",
		Short: "Predict tuples for one row and print them as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.DataPath = args[0]
			if err := cfg.Validate(); err != nil {
				return err
			}
			settings, err := resolveSettings(cmd, cfg)
			if err != nil {
				return err
			}
			store, err := absa.OpenStore(cfg.DataPath)
			if err != nil {
				return err
			}
			t, err := store.Load()
			if err != nil {
				return err
			}
			text, err := t.Text(index)
			if err != nil {
				return err
			}
			req, err := settings.PredictionRequest(text, t.ExamplesExcept(index))
			if err != nil {
				return err
			}
			p, err := newPredictor(cmd.Context(), cfg, settings, a.logger)
			if err != nil {
				return err
			}
			res, err := p.Predict(cmd.Context(), req)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetEscapeHTML(false)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	bindSettingsFlags(cmd, &cfg)
	cmd.Flags().IntVarP(&index, "index", "i", 0, "Row index to predict")
	return cmd
}

func newPredictor(ctx context.Context, cfg Config, s absa.Settings, logger *slog.Logger) (absa.Predictor, error) {
	backend, err := provider.New(ctx, provider.Options{
		Kind:    provider.Kind(strings.ToLower(s.LLMBackend)),
		APIKey:  apiKey(cfg, s),
		BaseURL: s.LLMBaseURL,
	})
	if err != nil {
		return absa.Predictor{}, err
	}
	return absa.Predictor{
		Backend:         backend,
		Timeout:         s.Timeout(),
		MaxPhraseTokens: s.MaxPhraseTokens,
		Logger:          logger,
	}, nil
}

func printSettings(w io.Writer, s absa.Settings) {
	mark := func(b bool) string {
		if b {
			return "yes"
		}
		return "no"
	}
	fmt.Fprintln(w, "ABSA Annotator Configuration")
	fmt.Fprintln(w, strings.Repeat("=", 40))
	fmt.Fprintf(w, "Data Path: %s\n", s.DataPath)
	if s.SessionID != "" {
		fmt.Fprintf(w, "Session ID: %s\n", s.SessionID)
	}
	fmt.Fprintf(w, "Sentiment Elements: %s\n", strings.Join(s.SentimentElements, ", "))
	fmt.Fprintf(w, "Sentiment Polarities: %s\n", strings.Join(s.PolarityOptions, ", "))
	fmt.Fprintf(w, "Aspect Categories: %d categories\n", len(s.AspectCategories))
	fmt.Fprintf(w, "Implicit Aspect terms: %s\n", mark(s.ImplicitAspectTerm))
	fmt.Fprintf(w, "Implicit Opinion terms: %s\n", mark(s.ImplicitOpinionTerm))
	fmt.Fprintf(w, "Auto-add Positions: %s\n", mark(s.AutoPositions))
	fmt.Fprintf(w, "AI Suggestions: %s (%s, %s)\n", mark(s.EnablePrePrediction), s.LLMBackend, s.LLMModel)
}
