package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tws-trailstop/internal/broker"
	"tws-trailstop/internal/config"
	"tws-trailstop/internal/logging"
	"tws-trailstop/internal/market"
	"tws-trailstop/internal/store"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2026-01-01"
)

// App holds the application dependencies.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Broker broker.Broker
	Rules  *market.RuleCache
	Hours  *market.HoursCache
	Store  *store.SQLiteStore
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := &App{
		Config: cfg,
		Logger: logger,
		Rules:  market.NewRuleCache(logger),
		Hours:  market.NewHoursCache(logger),
	}

	if cfg.Gateway.Paper {
		app.Broker = broker.NewPaperBroker(logger)
		logger.Debug().Msg("Paper broker initialized")
	} else {
		app.Broker = broker.NewGatewayClient(cfg.Gateway, app.Rules, app.Hours, logger)
		logger.Debug().
			Str("host", cfg.Gateway.Host).
			Int("port", cfg.Gateway.Port).
			Msg("Gateway client initialized")
	}

	dbPath := cfg.Store.Path
	if dbPath == "" {
		dbPath = config.DefaultConfigDir() + "/trailstop.db"
	}
	dataStore, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to initialize store, state will not persist")
	} else {
		app.Store = dataStore
	}

	rootCmd := &cobra.Command{
		Use:   "trailstop",
		Short: "Trailing stop manager for multi-leg option positions",
		Long: `Trailstop watches single options and spreads at the broker gateway and
keeps a trailing stop order working against each one.

Debit positions trail their high-water mark, credit positions the smallest
cost to close. Stops are held as real resting orders at the broker and
re-priced as the watermark advances.

Use 'trailstop help <command>' for more information about a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/tws-trailstop)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	addCoreCommands(rootCmd, app)
	addGroupCommands(rootCmd, app)
	addMonitorCommands(rootCmd, app)
	addStatusCommands(rootCmd, app)

	return rootCmd
}

// addCoreCommands adds core utility commands.
func addCoreCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("trailstop v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and manage application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": config.DefaultConfigDir()})
			} else {
				output.Println(config.DefaultConfigDir())
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				output.JSON(map[string]bool{"valid": true})
			} else {
				output.Success("Configuration is valid")
			}
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Gateway")
	output.Printf("  Host:            %s\n", cfg.Gateway.Host)
	output.Printf("  Port:            %d\n", cfg.Gateway.Port)
	output.Printf("  Client ID:       %d\n", cfg.Gateway.ClientID)
	output.Printf("  Account:         %s\n", cfg.Gateway.Account)
	output.Printf("  Paper:           %v\n", cfg.Gateway.Paper)
	output.Printf("  Request Timeout: %s\n", cfg.Gateway.RequestTimeout)
	output.Println()

	output.Bold("Trail Defaults")
	output.Printf("  Mode:            %s\n", cfg.Trail.Mode)
	output.Printf("  Value:           %.2f\n", cfg.Trail.Value)
	output.Printf("  Trigger Price:   %s\n", cfg.Trail.TriggerPriceType)
	output.Printf("  Stop Type:       %s\n", cfg.Trail.StopType)
	output.Printf("  Limit Offset:    %.2f\n", cfg.Trail.LimitOffset)
	output.Println()

	output.Bold("Logging")
	output.Printf("  Level:           %s\n", cfg.Logging.Level)
	output.Printf("  File:            %v (%s)\n", cfg.Logging.File, cfg.Logging.FilePath)
}

// Execute loads configuration, builds the logger and runs the root command.
func Execute() error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}

	logCfg := logging.DefaultLogConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Console = cfg.Logging.Console
	logCfg.File = cfg.Logging.File
	if cfg.Logging.FilePath != "" {
		logCfg.FilePath = cfg.Logging.FilePath
	}
	logger := logging.NewLoggerWithConfig(logCfg)

	return NewRootCmd(cfg, logger).Execute()
}
