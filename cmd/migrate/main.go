package main

import (
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/erp/verifactu/internal/infrastructure/config"
	"github.com/erp/verifactu/internal/infrastructure/logger"
	"github.com/erp/verifactu/internal/infrastructure/migration"
	"github.com/erp/verifactu/migrations"
)

const defaultMigrationsDir = "migrations"

type options struct {
	path       string
	configFile string
	logLevel   string
	log        *zap.Logger
}

func (o *options) config() (*config.Config, error) {
	if o.configFile == "" {
		return config.Load()
	}
	return config.LoadFile(o.configFile)
}

// source returns the directory given with --path, or the embedded set
func (o *options) source() fs.FS {
	if o.path == "" {
		return migrations.FS
	}
	return os.DirFS(o.path)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the fiscal ledger schema",
		Long: `Apply and inspect the fiscal ledger schema.

Database settings come from the configuration file and VERIFACTU_DATABASE_*
variables.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log, err := logger.New(&logger.Config{
				Level:      opts.logLevel,
				Format:     "console",
				Output:     "stdout",
				TimeFormat: "2006-01-02 15:04:05",
			})
			if err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}
			opts.log = log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = opts.log.Sync()
		},
	}
	root.PersistentFlags().StringVar(&opts.path, "path", "", "read migrations from this directory instead of the embedded set")
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "configuration file; defaults to config.toml in . or /etc/verifactu")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(
		migratorCommand(opts, "up", "Apply all pending migrations", cobra.NoArgs,
			func(m *migration.Migrator, _ []string) error { return m.Up() }),
		migratorCommand(opts, "down", "Roll back all migrations", cobra.NoArgs,
			func(m *migration.Migrator, _ []string) error { return m.Down() }),
		migratorCommand(opts, "step <n>", "Apply n migrations, negative to roll back", cobra.ExactArgs(1),
			func(m *migration.Migrator, args []string) error {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid step count %q", args[0])
				}
				return m.Steps(n)
			}),
		migratorCommand(opts, "goto <version>", "Migrate to a specific version", cobra.ExactArgs(1),
			func(m *migration.Migrator, args []string) error {
				v, err := strconv.ParseUint(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid version %q", args[0])
				}
				return m.GoTo(uint(v))
			}),
		migratorCommand(opts, "force <version>", "Set the version without migrating, to recover a dirty schema", cobra.ExactArgs(1),
			func(m *migration.Migrator, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q", args[0])
				}
				return m.Force(v)
			}),
		migratorCommand(opts, "status", "Show the applied version and pending migrations", cobra.NoArgs,
			func(m *migration.Migrator, _ []string) error { return printStatus(opts.log, m) }),
		newCreateCommand(opts),
		newListCommand(opts),
	)
	return root
}

// migratorCommand builds a command that runs fn against the configured
// postgres database
func migratorCommand(opts *options, use, short string, args cobra.PositionalArgs, fn func(*migration.Migrator, []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			cfg, err := opts.config()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			if cfg.Database.Driver != "postgres" {
				return fmt.Errorf("migrations need the postgres driver, configured driver is %q", cfg.Database.Driver)
			}

			db, err := sql.Open("postgres", cfg.Database.DSN())
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()
			if err := db.PingContext(cmd.Context()); err != nil {
				return fmt.Errorf("ping database: %w", err)
			}

			m, err := migration.New(db, opts.source(), opts.log)
			if err != nil {
				return err
			}
			defer m.Close()

			if err := fn(m, cmdArgs); err != nil {
				opts.log.Error("Migration command failed", zap.String("command", cmd.Name()), zap.Error(err))
				return err
			}
			return nil
		},
	}
}

func printStatus(log *zap.Logger, m *migration.Migrator) error {
	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	pending, err := m.Pending()
	if err != nil {
		return err
	}
	if version == 0 {
		log.Info("No migrations applied", zap.Int("pending", len(pending)))
	} else {
		log.Info("Current migration version",
			zap.Uint("version", version),
			zap.Bool("dirty", dirty),
			zap.Int("pending", len(pending)),
		)
	}
	for _, v := range pending {
		fmt.Println("  pending", v)
	}
	if dirty {
		log.Warn("Schema is dirty; repair it by hand, then run force <version>")
	}
	return nil
}

func newCreateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "create <name> [description]",
		Short: "Create a new migration file pair",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := opts.path
			if dir == "" {
				dir = defaultMigrationsDir
			}
			description := ""
			if len(args) > 1 {
				description = args[1]
			}
			mf, err := migration.CreateMigration(dir, args[0], description)
			if err != nil {
				return err
			}
			opts.log.Info("Migration created",
				zap.String("version", mf.Version),
				zap.String("up_file", mf.UpPath),
				zap.String("down_file", mf.DownPath),
			)
			return nil
		},
	}
}

func newListCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := migration.ListMigrations(opts.source())
			if err != nil {
				return err
			}
			if len(names) == 0 {
				opts.log.Info("No migrations found")
				return nil
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
