package pgmirror

import (
	"errors"

	"github.com/edgeflare/pgmirror/pkg/pglogrepl"
	"github.com/edgeflare/pgmirror/pkg/position"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var teardownCmd = &cobra.Command{
	Use:   "teardown",
	Short: "Drop the replication slot and publication and forget all state",
	Long: `Drops the replication slot and publication on the source and clears the state
file. Destination tables are left in place; the next run loads everything again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return errors.New("teardown discards the replication position; pass --yes to confirm")
		}
		ctx := cmd.Context()
		logger := zap.L()

		src, err := pglogrepl.NewSource(ctx, cfg.Source, logger.Named("source"))
		if err != nil {
			return err
		}
		defer src.Close()
		if err := src.Teardown(ctx); err != nil {
			return err
		}

		store, err := position.Open(ctx, cfg.State.Path, cfg.Source.Slot)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Reset(ctx); err != nil {
			return err
		}
		logger.Info("replication state cleared", zap.String("state", cfg.State.Path))
		return nil
	},
}

func init() {
	teardownCmd.Flags().Bool("yes", false, "confirm dropping the slot and state")
}
