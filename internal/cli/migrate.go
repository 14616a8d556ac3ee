package cli

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	seqerrors "github.com/sequor/sequor/internal/errors"
	"github.com/sequor/sequor/internal/store"
)

// newMigrateCmd creates the migrate command group.
func newMigrateCmd(state *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(
		newMigrateUpCmd(state),
		newMigrateDownCmd(state),
	)
	return cmd
}

func newMigrateUpCmd(state *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDatabase(cmd, state)
			if err != nil {
				return err
			}
			defer db.Close() //nolint:errcheck // Best-effort close on exit.

			if err = store.Migrate(cmd.Context(), db.DB); err != nil {
				return err
			}
			logger := GetLogger()
			logger.Info().Msg("migrations applied")
			return nil
		},
	}
}

func newMigrateDownCmd(state *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDatabase(cmd, state)
			if err != nil {
				return err
			}
			defer db.Close() //nolint:errcheck // Best-effort close on exit.

			if err = store.MigrateDown(cmd.Context(), db.DB); err != nil {
				return err
			}
			logger := GetLogger()
			logger.Info().Msg("migration rolled back")
			return nil
		},
	}
}

// openDatabase opens the configured Postgres pool. Migrations require a real
// database; there is no in-memory fallback here.
func openDatabase(cmd *cobra.Command, state *rootState) (*sqlx.DB, error) {
	if state.cfg.Database.URL == "" {
		return nil, fmt.Errorf("%w: database.url is required for migrations", seqerrors.ErrConfigInvalid)
	}
	return store.Open(cmd.Context(), state.cfg.Database.URL, state.cfg.Database.MaxConnections)
}
