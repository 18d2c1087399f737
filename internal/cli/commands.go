package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"device-sync-service/internal/store"
	syncengine "device-sync-service/internal/sync"
)

func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "status",
		Short:        "Show sync status and statistics",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats syncengine.Statistics
			if err := client(opts).DoJSON(cmd.Context(), http.MethodGet, "/api/v1/sync/status", nil, &stats); err != nil {
				return err
			}
			return renderStats(cmd.OutOrStdout(), opts.Format, stats)
		},
	}
}

func NewTriggerCommand(opts *RootOptions) *cobra.Command {
	var priority string

	cmd := &cobra.Command{
		Use:          "trigger",
		Short:        "Run a sync pass now",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats syncengine.Statistics
			body := map[string]string{"priority": priority}
			if err := client(opts).DoJSON(cmd.Context(), http.MethodPost, "/api/v1/sync/trigger", body, &stats); err != nil {
				return err
			}
			return renderStats(cmd.OutOrStdout(), opts.Format, stats)
		},
	}
	cmd.Flags().StringVarP(&priority, "priority", "p", string(store.PriorityNormal), "priority label (low|normal|high|critical)")
	return cmd
}

func NewPauseCommand(opts *RootOptions) *cobra.Command {
	return statusAction(opts, "pause", "Pause automatic and manual sync", "/api/v1/sync/pause")
}

func NewResumeCommand(opts *RootOptions) *cobra.Command {
	return statusAction(opts, "resume", "Resume sync and run a pass", "/api/v1/sync/resume")
}

func statusAction(opts *RootOptions, use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:          use,
		Short:        short,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]string
			if err := client(opts).DoJSON(cmd.Context(), http.MethodPost, path, nil, &out); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.Format, out, func(w io.Writer) {
				printKV(w, "Status", out["status"])
			})
		},
	}
}

func NewEnqueueCommand(opts *RootOptions) *cobra.Command {
	var (
		operation string
		payload   string
		priority  string
	)

	cmd := &cobra.Command{
		Use:   "enqueue <entity-type> <entity-id>",
		Short: "Queue a change",
		Long: `Queue a change for an entity.

Examples:
  syncctl enqueue vitals hr-1 --op update --payload '{"bpm":72}'
  syncctl enqueue notes n-9 --op delete --priority critical`,
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{
				"entityType": args[0],
				"entityId":   args[1],
				"operation":  operation,
				"priority":   priority,
			}
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("payload is not valid JSON")
				}
				body["payload"] = json.RawMessage(payload)
			}

			var change store.Change
			if err := client(opts).DoJSON(cmd.Context(), http.MethodPost, "/api/v1/changes", body, &change); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.Format, change, func(w io.Writer) {
				printKV(w, "Change", change.ID)
				printKV(w, "Sequence", change.Seq)
				printKV(w, "Priority", change.Priority)
			})
		},
	}
	cmd.Flags().StringVar(&operation, "op", string(store.OperationUpdate), "operation (create|update|delete|merge)")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	cmd.Flags().StringVarP(&priority, "priority", "p", string(store.PriorityNormal), "priority (low|normal|high|critical)")
	return cmd
}

func NewConflictsCommand(opts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:          "conflicts",
		Short:        "List conflicts",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/conflicts?open=true"
			if all {
				path = "/api/v1/conflicts"
			}
			var conflicts []store.Conflict
			if err := client(opts).DoJSON(cmd.Context(), http.MethodGet, path, nil, &conflicts); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.Format, conflicts, func(w io.Writer) {
				if len(conflicts) == 0 {
					fmt.Fprintln(w, "No conflicts")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tENTITY\tTYPE\tDETECTED\tSTATE")
				for _, c := range conflicts {
					fmt.Fprintf(tw, "%s\t%s/%s\t%s\t%s\t%s\n",
						c.ID, c.EntityType, c.EntityID, c.Type,
						c.DetectedAt.Format(time.RFC3339), conflictState(&c))
				}
				tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved conflicts")

	clearCmd := &cobra.Command{
		Use:          "clear",
		Short:        "Remove resolved conflicts",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]int
			if err := client(opts).DoJSON(cmd.Context(), http.MethodDelete, "/api/v1/conflicts/resolved", nil, &out); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.Format, out, func(w io.Writer) {
				printKV(w, "Removed", out["removed"])
			})
		},
	}
	cmd.AddCommand(clearCmd)
	return cmd
}

func conflictState(c *store.Conflict) string {
	switch {
	case c.Resolved && c.Resolution != nil:
		return "resolved (" + string(*c.Resolution) + ")"
	case c.Resolved:
		return "resolved"
	case c.AwaitingManual:
		return "awaiting manual"
	default:
		return "open"
	}
}

func NewResolveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "resolve <conflict-id> <use_local|use_remote|merge|manual>",
		Short:        "Resolve a conflict",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			strategy := store.ResolutionStrategy(args[1])
			if !strategy.Valid() {
				return fmt.Errorf("unknown strategy %q", args[1])
			}

			var out map[string]interface{}
			body := map[string]string{"strategy": string(strategy)}
			if err := client(opts).DoJSON(cmd.Context(), http.MethodPost, "/api/v1/conflicts/"+args[0]+"/resolve", body, &out); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.Format, out, func(w io.Writer) {
				printKV(w, "Conflict", args[0])
				printKV(w, "Strategy", strategy)
				if d, ok := out["discarded"].([]interface{}); ok {
					printKV(w, "Discarded changes", len(d))
				}
			})
		},
	}
}

func NewHistoryCommand(opts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:          "history",
		Short:        "Show recent sync passes",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out []map[string]interface{}
			path := "/api/v1/sync/history?limit=" + strconv.Itoa(limit)
			if err := client(opts).DoJSON(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.Format, out, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "STARTED\tTRIGGER\tSTATUS\tCHANGES\tSENT\tFAILED\tCONFLICTS")
				for _, h := range out {
					fmt.Fprintf(tw, "%v\t%v\t%v\t%v\t%v\t%v\t%v\n",
						h["startedAt"], h["trigger"], h["status"], h["totalChanges"],
						h["transmitted"], h["failed"], h["conflictsDetected"])
				}
				tw.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of passes to show")
	return cmd
}

func NewSnapshotCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Export or import a debug snapshot",
	}

	var output string
	export := &cobra.Command{
		Use:          "export",
		Short:        "Write the engine snapshot to a file or stdout",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := client(opts).Do(cmd.Context(), http.MethodGet, "/api/v1/debug/snapshot", nil)
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(output, data, 0o600)
		},
	}
	export.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")

	importCmd := &cobra.Command{
		Use:          "import <file>",
		Short:        "Replace the engine state with a snapshot",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read snapshot: %w", err)
			}
			var stats syncengine.Statistics
			if err := client(opts).DoJSON(cmd.Context(), http.MethodPost, "/api/v1/debug/snapshot", data, &stats); err != nil {
				return err
			}
			return renderStats(cmd.OutOrStdout(), opts.Format, stats)
		},
	}

	cmd.AddCommand(export, importCmd)
	return cmd
}

func renderStats(w io.Writer, format string, stats syncengine.Statistics) error {
	return render(w, format, stats, func(w io.Writer) {
		printKV(w, "Status", stats.Status)
		printKV(w, "Network", stats.NetworkStatus)
		printKV(w, "Progress", fmt.Sprintf("%.0f%%", stats.Progress*100))
		if stats.LastSync != nil {
			printKV(w, "Last sync", stats.LastSync.Format(time.RFC3339))
		} else {
			printKV(w, "Last sync", "never")
		}
		printKV(w, "Changes (pending/total)", fmt.Sprintf("%d/%d", stats.PendingChanges, stats.TotalChanges))
		printKV(w, "Conflicts (open/total)", fmt.Sprintf("%d/%d", stats.PendingConflicts, stats.TotalConflicts))
		printKV(w, "Conflict resolution rate", fmt.Sprintf("%.2f", stats.ConflictResolutionRate))
		printKV(w, "Connected devices", stats.ConnectedDevices)
	})
}

func client(opts *RootOptions) *Client {
	return NewClient(opts.Server, opts.Token)
}

// Execute runs the root command with a background context.
func Execute() error {
	return NewRootCommand().ExecuteContext(context.Background())
}
