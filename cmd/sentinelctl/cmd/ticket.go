package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/sentinel/internal/models"
	"github.com/good-yellow-bee/sentinel/internal/storage"
	"github.com/good-yellow-bee/sentinel/internal/ticketgraph"
)

func newTicketCmd(opts *options) *cobra.Command {
	ticketCmd := &cobra.Command{
		Use:   "ticket",
		Short: "Manage remediation tickets",
		Long: `Inspect and edit remediation tickets.

Examples:
  sentinelctl ticket list --status pending
  sentinelctl ticket create --objective "Rotate TLS certs" --priority high
  sentinelctl ticket depend 12 7
  sentinelctl ticket set-status 12 completed --reason "certs rotated"`,
	}

	ticketCmd.AddCommand(
		newTicketListCmd(opts),
		newTicketReadyCmd(opts),
		newTicketShowCmd(opts),
		newTicketCreateCmd(opts),
		newTicketSetStatusCmd(opts),
		newTicketSetPriorityCmd(opts),
		newTicketNoteCmd(opts),
		newTicketDependCmd(opts),
		newTicketUndependCmd(opts),
	)
	return ticketCmd
}

// withStore opens the database, runs fn and closes the database again.
func withStore(opts *options, fn func(ctx context.Context, store *storage.SQLiteStorage) error) error {
	store, err := openStore(opts)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(context.Background(), store)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid ticket id %q", s)
	}
	return id, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func printTickets(cmd *cobra.Command, opts *options, tickets []*models.Ticket, total int64) error {
	out := cmd.OutOrStdout()
	if opts.jsonOutput() {
		return printJSON(out, map[string]any{"tickets": tickets, "total": total})
	}
	if len(tickets) == 0 {
		fmt.Fprintln(out, "No tickets found.")
		return nil
	}

	fmt.Fprintf(out, "%-6s %-12s %-9s %-20s %s\n", "ID", "STATUS", "PRIORITY", "SOURCE", "OBJECTIVE")
	fmt.Fprintln(out, strings.Repeat("-", 90))
	for _, t := range tickets {
		fmt.Fprintf(out, "%-6d %-12s %-9s %-20s %s\n",
			t.ID, t.Status, t.Priority, t.SourceType, truncate(t.Objective, 40))
	}
	fmt.Fprintf(out, "\nTotal: %d\n", total)
	return nil
}

func newTicketListCmd(opts *options) *cobra.Command {
	var status, priority, source string
	var limit, offset int

	c := &cobra.Command{
		Use:   "list",
		Short: "List tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := models.TicketFilter{Limit: limit, Offset: offset}
			for _, s := range splitList(status) {
				st, err := models.ParseTicketStatus(s)
				if err != nil {
					return err
				}
				filter.Statuses = append(filter.Statuses, st)
			}
			for _, p := range splitList(priority) {
				pr, err := models.ParsePriority(p)
				if err != nil {
					return err
				}
				filter.Priorities = append(filter.Priorities, pr)
			}
			if source != "" {
				filter.SourceType = models.SourceType(source)
				if !filter.SourceType.IsValid() {
					return fmt.Errorf("invalid source type %q", source)
				}
			}

			return withStore(opts, func(ctx context.Context, store *storage.SQLiteStorage) error {
				tickets, total, err := store.Tickets().List(ctx, filter)
				if err != nil {
					return fmt.Errorf("list tickets: %w", err)
				}
				return printTickets(cmd, opts, tickets, total)
			})
		},
	}
	c.Flags().StringVar(&status, "status", "", "comma-separated statuses to include")
	c.Flags().StringVar(&priority, "priority", "", "comma-separated priorities to include")
	c.Flags().StringVar(&source, "source", "", "source type to include")
	c.Flags().IntVar(&limit, "limit", 50, "maximum tickets to show")
	c.Flags().IntVar(&offset, "offset", 0, "tickets to skip")
	return c
}

func newTicketReadyCmd(opts *options) *cobra.Command {
	var limit int

	c := &cobra.Command{
		Use:   "ready",
		Short: "List tickets ready to work on, in work order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts, func(ctx context.Context, store *storage.SQLiteStorage) error {
				tickets, err := store.Tickets().ListReady(ctx, limit)
				if err != nil {
					return fmt.Errorf("list ready tickets: %w", err)
				}
				return printTickets(cmd, opts, tickets, int64(len(tickets)))
			})
		},
	}
	c.Flags().IntVar(&limit, "limit", 20, "maximum tickets to show")
	return c
}

func newTicketShowCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a ticket with its dependencies and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withStore(opts, func(ctx context.Context, store *storage.SQLiteStorage) error {
				repo := store.Tickets()
				t, err := repo.GetByID(ctx, id)
				if err != nil {
					return fmt.Errorf("get ticket: %w", err)
				}
				if t == nil {
					return fmt.Errorf("ticket %d: %w", id, storage.ErrNotFound)
				}
				statuses, err := repo.DependencyStatuses(ctx, id)
				if err != nil {
					return fmt.Errorf("load dependencies: %w", err)
				}
				events, err := repo.ListEvents(ctx, id)
				if err != nil {
					return fmt.Errorf("load events: %w", err)
				}

				out := cmd.OutOrStdout()
				if opts.jsonOutput() {
					return printJSON(out, map[string]any{
						"ticket":     t,
						"blocked_by": ticketgraph.Blockers(statuses),
						"ready":      ticketgraph.Ready(t, statuses),
						"events":     events,
					})
				}

				fmt.Fprintf(out, "Ticket #%d\n", t.ID)
				fmt.Fprintf(out, "  Objective: %s\n", t.Objective)
				if t.SuccessCriteria != "" {
					fmt.Fprintf(out, "  Success:   %s\n", t.SuccessCriteria)
				}
				fmt.Fprintf(out, "  Status:    %s\n", t.Status)
				fmt.Fprintf(out, "  Priority:  %s\n", t.Priority)
				fmt.Fprintf(out, "  Source:    %s %s\n", t.SourceType, t.SourceID)
				fmt.Fprintf(out, "  Ready:     %t\n", ticketgraph.Ready(t, statuses))
				if blockers := ticketgraph.Blockers(statuses); len(blockers) > 0 {
					fmt.Fprintf(out, "  Blocked by: %v\n", blockers)
				}
				fmt.Fprintf(out, "  Created:   %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))

				fmt.Fprintf(out, "\nHistory:\n")
				for _, e := range events {
					fmt.Fprintf(out, "  %s  %-18s %s\n",
						e.CreatedAt.Format("2006-01-02 15:04:05"), e.Type, describeEvent(e.Data))
				}
				return nil
			})
		},
	}
}

func describeEvent(data models.EventData) string {
	switch d := data.(type) {
	case models.CreatedData:
		return fmt.Sprintf("source=%s priority=%s %s", d.Source, d.Priority, d.Detail)
	case models.StatusChangedData:
		return fmt.Sprintf("%s -> %s %s", d.OldStatus, d.NewStatus, d.Reason)
	case models.PriorityChangedData:
		return fmt.Sprintf("%s -> %s", d.OldPriority, d.NewPriority)
	case models.NoteAddedData:
		if d.Author != "" {
			return d.Author + ": " + d.Note
		}
		return d.Note
	case models.AgentActionData:
		return strings.TrimSpace(d.Action + " " + d.Detail + " " + d.Outcome)
	case models.DependencyAddedData:
		return fmt.Sprintf("depends on #%d", d.DependsOnID)
	case models.DependencyRemovedData:
		return fmt.Sprintf("no longer depends on #%d", d.DependsOnID)
	case models.ContextUpdatedData:
		return strings.Join(d.Keys, ",")
	default:
		return fmt.Sprintf("%v", data)
	}
}

func newTicketCreateCmd(opts *options) *cobra.Command {
	var objective, criteria, priority string
	var dependsOn []int64

	c := &cobra.Command{
		Use:   "create",
		Short: "Create a human ticket",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(objective) == "" {
				return fmt.Errorf("--objective is required")
			}
			pr, err := models.ParsePriority(priority)
			if err != nil {
				return err
			}
			return withStore(opts, func(ctx context.Context, store *storage.SQLiteStorage) error {
				repo := store.Tickets()
				t := models.NewTicket(objective, pr, models.SourceHuman)
				t.SuccessCriteria = criteria
				if err := repo.CreateWithDependencies(ctx, t, "created via sentinelctl", dependsOn); err != nil {
					return fmt.Errorf("create ticket: %w", err)
				}
				if opts.jsonOutput() {
					return printJSON(cmd.OutOrStdout(), t)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Ticket #%d created.\n", t.ID)
				return nil
			})
		},
	}
	c.Flags().StringVar(&objective, "objective", "", "what needs to be done (required)")
	c.Flags().StringVar(&criteria, "criteria", "", "success criteria")
	c.Flags().StringVar(&priority, "priority", string(models.PriorityMedium), "priority (low, medium, high, critical)")
	c.Flags().Int64SliceVar(&dependsOn, "depends-on", nil, "ids of tickets this one waits for")
	return c
}

func newTicketSetStatusCmd(opts *options) *cobra.Command {
	var reason string

	c := &cobra.Command{
		Use:   "set-status <id> <status>",
		Short: "Change a ticket's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			st, err := models.ParseTicketStatus(args[1])
			if err != nil {
				return err
			}
			return updateTicket(cmd, opts, id, storage.TicketUpdate{Status: &st, Reason: reason})
		},
	}
	c.Flags().StringVar(&reason, "reason", "", "reason recorded in the ticket history")
	return c
}

func newTicketSetPriorityCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "set-priority <id> <priority>",
		Short: "Change a ticket's priority",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			pr, err := models.ParsePriority(args[1])
			if err != nil {
				return err
			}
			return updateTicket(cmd, opts, id, storage.TicketUpdate{Priority: &pr})
		},
	}
}

func updateTicket(cmd *cobra.Command, opts *options, id int64, update storage.TicketUpdate) error {
	return withStore(opts, func(ctx context.Context, store *storage.SQLiteStorage) error {
		t, err := store.Tickets().Update(ctx, id, update)
		if err != nil {
			return fmt.Errorf("update ticket: %w", err)
		}
		if opts.jsonOutput() {
			return printJSON(cmd.OutOrStdout(), t)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Ticket #%d is %s (%s).\n", t.ID, t.Status, t.Priority)
		return nil
	})
}

func newTicketNoteCmd(opts *options) *cobra.Command {
	var author string

	c := &cobra.Command{
		Use:   "note <id> <text>",
		Short: "Add a note to a ticket",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if strings.TrimSpace(args[1]) == "" {
				return fmt.Errorf("note text is empty")
			}
			return withStore(opts, func(ctx context.Context, store *storage.SQLiteStorage) error {
				e, err := store.Tickets().AddEvent(ctx, id, models.NoteAddedData{Author: author, Note: args[1]})
				if err != nil {
					return fmt.Errorf("add note: %w", err)
				}
				printVerbose(cmd, opts, "event %d recorded", e.ID)
				fmt.Fprintf(cmd.OutOrStdout(), "Note added to ticket #%d.\n", id)
				return nil
			})
		},
	}
	c.Flags().StringVar(&author, "author", envOr("USER", ""), "note author")
	return c
}

func parseEdge(args []string) (int64, int64, error) {
	id, err := parseID(args[0])
	if err != nil {
		return 0, 0, err
	}
	dep, err := parseID(args[1])
	if err != nil {
		return 0, 0, err
	}
	return id, dep, nil
}

func newTicketDependCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "depend <id> <depends-on-id>",
		Short: "Make a ticket wait for another ticket",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, dep, err := parseEdge(args)
			if err != nil {
				return err
			}
			return withStore(opts, func(ctx context.Context, store *storage.SQLiteStorage) error {
				repo := store.Tickets()
				if graph, err := repo.DependencyGraph(ctx); err == nil && ticketgraph.WouldCycle(graph, id, dep) {
					fmt.Fprintf(cmd.ErrOrStderr(),
						"Warning: #%d -> #%d closes a cycle; tickets in it will never become ready.\n", id, dep)
				}
				if _, err := repo.AddDependency(ctx, id, dep); err != nil {
					return fmt.Errorf("add dependency: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Ticket #%d now depends on #%d.\n", id, dep)
				return nil
			})
		},
	}
}

func newTicketUndependCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "undepend <id> <depends-on-id>",
		Short: "Remove a dependency between two tickets",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, dep, err := parseEdge(args)
			if err != nil {
				return err
			}
			return withStore(opts, func(ctx context.Context, store *storage.SQLiteStorage) error {
				if err := store.Tickets().RemoveDependency(ctx, id, dep); err != nil {
					return fmt.Errorf("remove dependency: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Ticket #%d no longer depends on #%d.\n", id, dep)
				return nil
			})
		},
	}
}
