package cli

import (
	"fmt"

	"github.com/lucasnoah/debugfactory/internal/pgstore"
	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		switch cfg.Store.Driver {
		case "postgres":
			s, err := pgstore.New(cmd.Context(), pgstore.Config{DSN: cfg.Store.DSN, MaxConns: cfg.Store.MaxConns})
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Migrate(cmd.Context()); err != nil {
				return err
			}
		case "sqlite":
			d, err := openDB(cfg.Store.Path)
			if err != nil {
				return err
			}
			d.Close()
		default:
			return fmt.Errorf("store driver %q has no schema", cfg.Store.Driver)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Migrated %s store.\n", cfg.Store.Driver)
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the SQLite database (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("refusing to reset without --yes")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Store.Driver != "sqlite" {
			return fmt.Errorf("reset only supports the sqlite driver, not %q", cfg.Store.Driver)
		}
		d, err := openDB(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer d.Close()
		if err := d.Reset(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reset %s\n", d.Path())
		return nil
	},
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "confirm deleting all issues, runs and events")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
}
