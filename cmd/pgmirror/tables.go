package pgmirror

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/edgeflare/pgmirror/pkg/position"
	"github.com/spf13/cobra"
)

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "Show the persisted state of replicated tables",
	Long: `Prints the confirmed position and the state of every table as persisted in the
state file. Use the admin API to reload or remove tables of a running instance.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := position.Open(cmd.Context(), cfg.State.Path, cfg.Source.Slot)
		if err != nil {
			return err
		}
		defer store.Close()

		st, err := store.Load(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("slot %s confirmed at %s\n\n", cfg.Source.Slot, st.Confirmed)
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TABLE\tSTATE\tSTART LSN\tGENERATION\tUPDATED\tREASON")
		for _, e := range st.Tables {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				e.ID, e.State, e.StartLSN, e.Generation, e.UpdatedAt.Format(time.RFC3339), e.Reason)
		}
		return w.Flush()
	},
}
