package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newMessagesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "messages",
		Short: "Inspect recorded customer details",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List received messages, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			msgs, err := store.ListReceivedMessages(cmd.Context(), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tRECEIVED\tSENDER\tMESSAGE")
			for _, m := range msgs {
				_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
					m.ID, m.CreatedAt.Format(time.RFC3339), m.Sender, truncate(m.Message, 60))
			}
			return w.Flush()
		},
	}
	list.Flags().Int("limit", 20, "Maximum number of messages to show (0 for all).")
	cmd.AddCommand(list)

	return cmd
}
