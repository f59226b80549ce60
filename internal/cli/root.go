// Package cli assembles the voxserve commands. The root command runs the
// HTTP transcription server; setup pre-installs model assets.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fmueller/voxserve/internal/config"
	"github.com/fmueller/voxserve/internal/logging"
	"github.com/fmueller/voxserve/internal/version"
	"github.com/fmueller/voxserve/internal/whisper"
)

type appState struct {
	configPath string
	verbose    bool
	noProgress bool

	model      string
	modelDir   string
	language   string
	addr       string
	port       int
	scratchDir string

	cfg    *config.Config
	logger *zap.Logger

	serveFn       func(ctx context.Context) error
	ensureModelFn func(ctx context.Context) (whisper.ResolvedModel, error)
}

func NewRootCmd() *cobra.Command {
	cmd, _ := newRootCmd()
	return cmd
}

func newRootCmd() (*cobra.Command, *appState) {
	app := &appState{}
	app.serveFn = app.runServe
	app.ensureModelFn = app.ensureModel

	cmd := &cobra.Command{
		Use:           "voxserve",
		Short:         "Serve speech transcription over HTTP with a local whisper engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(app.configPath)
			if err != nil {
				return err
			}
			app.applyFlagOverrides(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := logging.New(logging.Options{
				Level: logLevelFor(cfg, app.verbose),
				JSON:  cfg.Logging.Format == "json",
			})
			if err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}

			app.cfg = cfg
			app.logger = logger
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.serveFn(cmd.Context())
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	bindConfigFlag(cmd, app)
	bindLoggingFlags(cmd, app)
	bindProgressFlag(cmd, app)
	bindModelFlags(cmd, app)
	bindServerFlags(cmd, app)

	cmd.AddCommand(newSetupCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd, app
}

func bindConfigFlag(cmd *cobra.Command, app *appState) {
	cmd.PersistentFlags().StringVar(&app.configPath, "config", app.configPath, "Path to a YAML config file")
}

func bindLoggingFlags(cmd *cobra.Command, app *appState) {
	cmd.PersistentFlags().BoolVar(&app.verbose, "verbose", app.verbose, "Enable verbose logs")
}

func bindProgressFlag(cmd *cobra.Command, app *appState) {
	cmd.PersistentFlags().BoolVar(&app.noProgress, "no-progress", app.noProgress, "Disable progress indicators")
}

func bindModelFlags(cmd *cobra.Command, app *appState) {
	cmd.PersistentFlags().StringVar(&app.model, "model", app.model, "Model name or model file path")
	cmd.PersistentFlags().StringVar(&app.modelDir, "model-dir", app.modelDir, "Directory where models are stored")
	cmd.PersistentFlags().StringVar(&app.language, "language", app.language, "Spoken language code or 'auto'")
}

func bindServerFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().StringVar(&app.addr, "addr", app.addr, "Address to bind the HTTP listener to")
	cmd.Flags().IntVar(&app.port, "port", 0, "Port for the HTTP listener")
	cmd.Flags().StringVar(&app.scratchDir, "scratch-dir", app.scratchDir, "Directory for transient job files")
}

// applyFlagOverrides layers explicitly set flags over the loaded config,
// mirroring the file-over-defaults, env-over-file precedence.
func (app *appState) applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("model") {
		cfg.Model.Name = app.model
	}
	if flags.Changed("model-dir") {
		cfg.Model.Dir = app.modelDir
	}
	if flags.Changed("language") {
		cfg.Model.Language = app.language
	}
	if flags.Changed("addr") {
		cfg.Server.Address = app.addr
	}
	if flags.Changed("port") {
		cfg.Server.Port = app.port
	}
	if flags.Changed("scratch-dir") {
		cfg.Scratch.Dir = app.scratchDir
	}
}

func logLevelFor(cfg *config.Config, verbose bool) string {
	if verbose {
		return "debug"
	}
	return cfg.Logging.Level
}

func (app *appState) log() *zap.Logger {
	if app.logger == nil {
		return zap.NewNop()
	}
	return app.logger
}
