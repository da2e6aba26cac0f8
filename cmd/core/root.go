package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/nourish/backend/internal/config"
	"github.com/kimhsiao/nourish/backend/internal/logging"
	"github.com/kimhsiao/nourish/backend/internal/services"
)

// cli holds the persistent flags and the configuration they resolve to.
type cli struct {
	configFile string
	envFile    string
	dataDir    string
	userID     string
	output     string

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "nourish",
		Short:         "Nourish local store and sync tool",
		Long:          "nourish reads and writes the offline store and pushes or pulls it against the sync backend.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configFile, "config", "c", "", "config file (default: ./nourish.yaml or $HOME/.nourish/nourish.yaml)")
	flags.StringVar(&c.envFile, "env-file", "", "dotenv file loaded before the environment (default: .env)")
	flags.StringVarP(&c.dataDir, "data-dir", "d", "", "override data_dir")
	flags.StringVarP(&c.userID, "user", "u", "", "override remote.user_id")
	flags.StringVarP(&c.output, "output", "o", "table", "output format: table, yaml or json")

	root.AddCommand(
		c.saveCmd(),
		c.getCmd(),
		c.listCmd(),
		c.deleteCmd(),
		c.purgeCmd(),
		c.statusCmd(),
		c.syncCmd(),
		c.pullCmd(),
		c.failedCmd(),
		c.requeueCmd(),
		c.discardCmd(),
		c.conflictsCmd(),
		versionCmd(),
	)
	return root
}

func (c *cli) load(cmd *cobra.Command) error {
	switch c.output {
	case outputTable, outputYAML, outputJSON:
	default:
		return fmt.Errorf("unknown output format %q", c.output)
	}

	cfg, err := config.Load(config.Options{ConfigFile: c.configFile, EnvFile: c.envFile})
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = c.dataDir
	}
	if cmd.Flags().Changed("user") {
		cfg.Remote.UserID = c.userID
	}
	logging.Init(cfg.LogOptions())
	if cfg.Log.File == "" {
		// keep stdout for command output
		logging.SetGlobal(logging.New(cmd.ErrOrStderr(), logging.LogLevel(cfg.Log.Level)))
	}
	c.cfg = cfg
	return nil
}

// withService opens the store for the duration of fn.
func (c *cli) withService(ctx context.Context, fn func(svc *services.SyncService) error) error {
	svc, err := services.New(ctx, c.cfg)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(svc)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nourish v%s\n", Version)
		},
	}
}
