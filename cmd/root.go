// cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/course-sniper/internal/browser"
	"github.com/xkilldash9x/course-sniper/internal/config"
	"github.com/xkilldash9x/course-sniper/internal/observability"
	"github.com/xkilldash9x/course-sniper/internal/page"
	"github.com/xkilldash9x/course-sniper/internal/prompt"
	"github.com/xkilldash9x/course-sniper/internal/trigger"
	"github.com/xkilldash9x/course-sniper/internal/workflow"
)

const envPrefix = "SNIPER"

// Swapped out in tests so the command tree can run without Chrome or a TTY.
var (
	openPage    = openBrowserPage
	newPrompter = func() prompt.Prompter { return prompt.NewTerminal() }
)

// app carries state from PersistentPreRunE into the command bodies.
type app struct {
	cfgFile string
	v       *viper.Viper
	cfg     *config.Config
	logger  *zap.Logger
}

// NewRootCommand builds a fresh command tree. Nothing is shared between
// two trees, so tests can run them back to back.
func NewRootCommand() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "course-sniper",
		Short: "Registers for courses the moment the enrollment window opens.",
		Long: `course-sniper logs into the registration site, walks through the
second factor challenge, lists the shopping cart and submits the
enrollment at the configured minute.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd)
		},
	}
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")

	flags := rootCmd.Flags()
	flags.BoolP("attach", "a", false, "Show the browser window instead of running headless.")
	flags.BoolP("debug", "d", false, "Save a screenshot of the page when the run fails.")
	flags.IntP("snipers", "s", 1, "Number of parallel sessions (1-19). Only one runs today.")
	flags.String("at", "", "Registration time, e.g. '8:00 AM'. Prompted for when unset.")
	flags.String("method", "", "Enrollment method: 'ui' or 'direct'. Prompted for when unset.")

	rootCmd.AddCommand(newVersionCmd(), newConfigCmd(a))
	return rootCmd
}

// Execute runs a fresh root command with the signal-aware context from main.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return nil
	}

	logger := observability.GetLogger()
	switch {
	case errors.Is(err, context.Canceled):
		logger.Warn("Run cancelled.")
	case errors.Is(err, prompt.ErrAborted):
		logger.Warn("Input closed, aborting.")
	default:
		logger.Error("Command execution failed", zap.Error(err))
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
	}
	return err
}

// setup loads the configuration and starts the global logger.
func (a *app) setup(cmd *cobra.Command) error {
	a.v = viper.New()
	config.SetDefaults(a.v)

	if err := initializeConfig(a.v, a.cfgFile); err != nil {
		// The logger config is unknown at this point.
		observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "course-sniper"})
		return fmt.Errorf("failed to initialize configuration: %w", err)
	}

	cfg, err := config.NewConfigFromViper(a.v)
	if err != nil {
		observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "course-sniper"})
		return err
	}
	if err := applyRunFlags(cmd, cfg); err != nil {
		return err
	}

	observability.InitializeLogger(cfg.Logger)
	a.cfg = cfg
	a.logger = observability.GetLogger()
	a.logger.Debug("Starting course-sniper", zap.String("version", Version))
	return nil
}

// initializeConfig reads in the config file and SNIPER_* environment variables.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// applyRunFlags copies the per-run answers into cfg. Subcommands that do not
// define them leave cfg.Run at its zero value.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Lookup("attach") == nil {
		return nil
	}

	attach, err1 := flags.GetBool("attach")
	debug, err2 := flags.GetBool("debug")
	snipers, err3 := flags.GetInt("snipers")
	at, err4 := flags.GetString("at")
	method, err5 := flags.GetString("method")
	if err := errors.Join(err1, err2, err3, err4, err5); err != nil {
		return err
	}

	cfg.Run.Attach = attach
	cfg.Run.Debug = debug || cfg.Browser.Debug
	cfg.Run.Snipers = snipers
	cfg.Run.At = at
	cfg.Run.Method = strings.ToLower(strings.TrimSpace(method))
	if cfg.Run.Attach {
		cfg.Browser.Headless = false
	}
	// A bad --at must fail before login, not at the end of course picking.
	if cfg.Run.At != "" {
		if _, err := trigger.ParseTarget(cfg.Run.At); err != nil {
			return err
		}
	}
	return cfg.Run.Validate()
}

// run drives one registration attempt end to end.
func (a *app) run(cmd *cobra.Command) error {
	ctx := cmd.Context()

	p, closePage, err := openPage(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer closePage()

	w := workflow.New(p, newPrompter(), a.cfg, a.logger,
		workflow.WithOutput(cmd.OutOrStdout(), cmd.ErrOrStderr()))

	a.logger.Info("Run started.",
		zap.String("run_id", w.RunID()),
		zap.Bool("headless", a.cfg.Browser.Headless),
		zap.String("method", a.cfg.Run.Method),
		zap.String("at", a.cfg.Run.At),
	)
	if err := w.Run(ctx); err != nil {
		return err
	}
	a.logger.Info("Run finished.", zap.String("run_id", w.RunID()))
	return nil
}

// openBrowserPage starts Chrome and opens the single tab the run drives.
func openBrowserPage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (page.Page, func(), error) {
	manager := browser.NewManager(ctx, cfg.Browser, logger)
	session, err := manager.NewSession(ctx)
	if err != nil {
		manager.Shutdown()
		return nil, nil, err
	}
	return session, func() {
		session.Close()
		manager.Shutdown()
	}, nil
}

// ExitCode maps the result of Execute to a process exit status. A run
// interrupted by a signal exits cleanly.
func ExitCode(err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return 0
	}
	return 1
}
