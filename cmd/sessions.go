package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/runbox/internal/session"
)

var flagRemoveWorkspace bool

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and evict execution sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close(ctx)

		recs := app.sessions.List()
		if len(recs) == 0 {
			fmt.Println("no sessions")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "AGENT\tCONVERSATION\tCWD\tBACKEND\tUPDATED\tWORKSPACE")
		for _, r := range recs {
			updated := ""
			if !r.UpdatedAt.IsZero() {
				updated = r.UpdatedAt.Local().Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.AgentID, r.ConversationID, r.Cwd, r.Backend, updated, r.Workspace)
		}
		return w.Flush()
	},
}

var sessionsEvictCmd = &cobra.Command{
	Use:   "evict <agent> <conversation>",
	Short: "Evict a session, optionally deleting its workspace",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close(ctx)

		key := session.Key{AgentID: args[0], ConversationID: args[1]}
		if err := app.sessions.Evict(key, flagRemoveWorkspace); err != nil {
			return err
		}
		fmt.Printf("evicted %s\n", key)
		return nil
	},
}

func init() {
	sessionsEvictCmd.Flags().BoolVar(&flagRemoveWorkspace, "rm", false, "also delete the workspace directory")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsEvictCmd)
}
