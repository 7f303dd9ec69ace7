package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/equipment-resolver/internal/escalation"
	"github.com/sells-group/equipment-resolver/internal/model"
	"github.com/sells-group/equipment-resolver/internal/store"
)

var (
	escStatus     string
	escKind       string
	escLimit      int
	escJSON       bool
	escAssignee   string
	escResult     string
	escResolvedBy string
	escNote       string
)

var escalationsCmd = &cobra.Command{
	Use:     "escalations",
	Aliases: []string{"esc"},
	Short:   "Inspect and work the human escalation queue",
}

var escListCmd = &cobra.Command{
	Use:   "list",
	Short: "List escalation tickets",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withQueue(cmd, func(q *escalation.Queue) error {
			tickets, err := q.List(cmd.Context(), store.TicketFilter{
				Status: model.TicketStatus(escStatus),
				Kind:   model.Kind(escKind),
				Limit:  escLimit,
			})
			if err != nil {
				return err
			}
			if escJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(tickets)
			}
			return printTickets(cmd.OutOrStdout(), tickets)
		})
	},
}

var escAssignCmd = &cobra.Command{
	Use:   "assign <ticket-id>",
	Short: "Claim a ticket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd, func(q *escalation.Queue) error {
			t, err := q.Assign(cmd.Context(), args[0], escAssignee)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(t)
		})
	},
}

var escResolveCmd = &cobra.Command{
	Use:   "resolve <ticket-id>",
	Short: "Close a ticket with the correct result; the result is cached for its key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd, func(q *escalation.Queue) error {
			t, err := q.Resolve(cmd.Context(), args[0], json.RawMessage(escResult), escResolvedBy)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(t)
		})
	},
}

var escUnresolvableCmd = &cobra.Command{
	Use:   "unresolvable <ticket-id>",
	Short: "Close a ticket without an answer and suppress re-escalation of its key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd, func(q *escalation.Queue) error {
			t, err := q.MarkUnresolvable(cmd.Context(), args[0], escNote)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(t)
		})
	},
}

// withQueue opens the store and runs fn against a queue using the
// configured cool-down. Operator actions from the CLI do not publish
// stream events.
func withQueue(cmd *cobra.Command, fn func(q *escalation.Queue) error) error {
	st, err := initStoreOnly(cmd.Context())
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	q := escalation.New(st, escalation.WithCooldown(cfg.Escalation.Cooldown()))
	if err := fn(q); err != nil {
		return eris.Wrap(err, "escalations")
	}
	return nil
}

func printTickets(w io.Writer, tickets []model.Ticket) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TICKET\tSTATUS\tKIND\tKEY\tATTEMPTS\tAGE\tASSIGNEE")
	now := time.Now()
	for _, t := range tickets {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			t.ID, t.Status, t.Kind, t.NormalizedKey, len(t.Attempts),
			now.Sub(t.CreatedAt).Round(time.Minute), t.Assignee,
		)
	}
	return tw.Flush()
}

func init() {
	escListCmd.Flags().StringVar(&escStatus, "status", "", "filter by status (pending, assigned, resolved, unresolvable)")
	escListCmd.Flags().StringVar(&escKind, "kind", "", "filter by kind (identify, find_document)")
	escListCmd.Flags().IntVar(&escLimit, "limit", 50, "max tickets to list")
	escListCmd.Flags().BoolVar(&escJSON, "json", false, "print JSON instead of a table")

	escAssignCmd.Flags().StringVar(&escAssignee, "assignee", "", "who is claiming the ticket (required)")
	_ = escAssignCmd.MarkFlagRequired("assignee")

	escResolveCmd.Flags().StringVar(&escResult, "result", "", "JSON result payload (required)")
	escResolveCmd.Flags().StringVar(&escResolvedBy, "resolved-by", "", "who supplied the answer")
	_ = escResolveCmd.MarkFlagRequired("result")

	escUnresolvableCmd.Flags().StringVar(&escNote, "note", "", "why the request cannot be resolved")

	escalationsCmd.AddCommand(escListCmd, escAssignCmd, escResolveCmd, escUnresolvableCmd)
	rootCmd.AddCommand(escalationsCmd)
}
