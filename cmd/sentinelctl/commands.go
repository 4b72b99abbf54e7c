package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"sentinelops/internal/audit"
	"sentinelops/internal/health"
	"sentinelops/internal/router"
	"sentinelops/internal/schema"
)

// options are the global flags.
type options struct {
	server  string
	timeout time.Duration
	output  string
}

func (o *options) client() *client {
	return newClient(o.server, o.timeout)
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "sentinelctl",
		Short:         "Operate the incident orchestrator",
		Long:          "sentinelctl inspects incidents, verifies audit chains and applies operator events through the orchestrator API.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.output {
			case "text", "json":
				return nil
			}
			return fmt.Errorf("unknown output format %q", opts.output)
		},
	}

	server := os.Getenv("SENTINEL_API")
	if server == "" {
		server = "http://localhost:8080"
	}
	root.PersistentFlags().StringVar(&opts.server, "server", server, "orchestrator API base URL (env SENTINEL_API)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "output format: text or json")

	root.AddCommand(
		newStatusCmd(opts),
		newIncidentCmd(opts),
		newAuditCmd(opts),
		newResetCmd(opts),
		newEventCmd(opts),
		newDLQCmd(opts),
	)
	return root
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show orchestrator health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap health.Snapshot
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/status", nil, &snap, http.StatusServiceUnavailable); err != nil {
				return err
			}
			if opts.output == "json" {
				return writeJSON(cmd.OutOrStdout(), snap)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "Status:\t%s\n", snap.Status)
			fmt.Fprintf(w, "Active incidents:\t%d\n", snap.ActiveIncidents)
			fmt.Fprintf(w, "Queued events:\t%d\n", snap.QueuedEvents)
			fmt.Fprintf(w, "Error rate:\t%.2f%%\n", snap.ErrorRate*100)
			fmt.Fprintf(w, "Avg response:\t%.1fms\n", snap.Performance.AvgResponseTimeMs)
			fmt.Fprintf(w, "Cache hit rate:\t%.2f\n", snap.Performance.CacheHitRate)
			for name, state := range snap.CircuitBreakers {
				fmt.Fprintf(w, "Breaker %s:\t%s\n", name, state)
			}
			return w.Flush()
		},
	}
}

func newIncidentCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "incident",
		Short: "Inspect incidents",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <incident-id>",
		Short: "Show one incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var inc schema.Incident
			if err := opts.client().do(cmd.Context(), http.MethodGet, incidentPath(args[0]), nil, &inc); err != nil {
				return err
			}
			if opts.output == "json" {
				return writeJSON(cmd.OutOrStdout(), inc)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "Incident:\t%s\n", inc.ID)
			fmt.Fprintf(w, "Status:\t%s\n", inc.Status)
			fmt.Fprintf(w, "Severity:\t%s\n", inc.Severity)
			fmt.Fprintf(w, "Correlation:\t%s\n", inc.CorrelationID)
			fmt.Fprintf(w, "Version:\t%d\n", inc.Version)
			fmt.Fprintf(w, "Updated:\t%s\n", inc.UpdatedAt.Format(time.RFC3339))
			return w.Flush()
		},
	})
	return cmd
}

type auditResponse struct {
	IncidentID string        `json:"incident_id"`
	Entries    []audit.Entry `json:"entries"`
	Total      int           `json:"total"`
}

type verifyResponse struct {
	IncidentID string `json:"incident_id"`
	Valid      bool   `json:"valid"`
}

func newAuditCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read and verify audit chains",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <incident-id>",
		Short: "List an incident's audit chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp auditResponse
			if err := opts.client().do(cmd.Context(), http.MethodGet, incidentPath(args[0], "/audit"), nil, &resp); err != nil {
				return err
			}
			if opts.output == "json" {
				return writeJSON(cmd.OutOrStdout(), resp)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SEQ\tTIME\tEVENT\tACTOR\tFROM\tTO")
			for _, e := range resp.Entries {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
					e.Sequence, e.Timestamp.Format(time.RFC3339), e.Event, e.Actor, e.FromState, e.ToState)
			}
			return w.Flush()
		},
	}, &cobra.Command{
		Use:   "verify <incident-id>",
		Short: "Verify an incident's audit chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp verifyResponse
			if err := opts.client().do(cmd.Context(), http.MethodGet, incidentPath(args[0], "/audit/verify"), nil, &resp); err != nil {
				return err
			}
			if opts.output == "json" {
				if err := writeJSON(cmd.OutOrStdout(), resp); err != nil {
					return err
				}
			} else if resp.Valid {
				fmt.Fprintf(cmd.OutOrStdout(), "audit chain for %s is intact\n", resp.IncidentID)
			}
			if !resp.Valid {
				return fmt.Errorf("audit chain for %s failed verification", resp.IncidentID)
			}
			return nil
		},
	})
	return cmd
}

type eventRequest struct {
	Type   schema.EventType `json:"type,omitempty"`
	Actor  string           `json:"actor"`
	Reason string           `json:"reason,omitempty"`
}

type eventResponse struct {
	IncidentID string `json:"incident_id"`
	Status     string `json:"status"`
}

func newResetCmd(opts *options) *cobra.Command {
	var req eventRequest
	cmd := &cobra.Command{
		Use:   "reset <incident-id>",
		Short: "Reset a failed incident back to detection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp eventResponse
			if err := opts.client().do(cmd.Context(), http.MethodPost, incidentPath(args[0], "/reset"), req, &resp); err != nil {
				return err
			}
			return printEventResult(cmd.OutOrStdout(), opts, resp)
		},
	}
	cmd.Flags().StringVar(&req.Actor, "actor", defaultActor(), "operator applying the reset")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "reason recorded in the audit chain")
	return cmd
}

func newEventCmd(opts *options) *cobra.Command {
	var req eventRequest
	var eventType string
	cmd := &cobra.Command{
		Use:   "event <incident-id>",
		Short: "Apply an operator event (operator_escalate, operator_resolve, operator_reset)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Type = schema.EventType(eventType)
			if !req.Type.OperatorEvent() {
				return fmt.Errorf("%q is not an operator event", eventType)
			}
			var resp eventResponse
			if err := opts.client().do(cmd.Context(), http.MethodPost, incidentPath(args[0], "/events"), req, &resp); err != nil {
				return err
			}
			return printEventResult(cmd.OutOrStdout(), opts, resp)
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "operator event type")
	cmd.Flags().StringVar(&req.Actor, "actor", defaultActor(), "operator applying the event")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "reason recorded in the audit chain")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func printEventResult(out io.Writer, opts *options, resp eventResponse) error {
	if opts.output == "json" {
		return writeJSON(out, resp)
	}
	fmt.Fprintf(out, "%s is now %s\n", resp.IncidentID, resp.Status)
	return nil
}

type deadLetterResponse struct {
	DeadLetters []router.DeadLetter `json:"dead_letters"`
	Total       int                 `json:"total"`
}

func newDLQCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect dead-lettered messages",
	}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent dead letters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp deadLetterResponse
			path := "/dead-letters?limit=" + strconv.Itoa(limit)
			if err := opts.client().do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			if opts.output == "json" {
				return writeJSON(cmd.OutOrStdout(), resp)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FAILED AT\tMESSAGE\tTARGET\tTYPE\tRETRIES\tERROR")
			for _, dl := range resp.DeadLetters {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					dl.FailedAt.Format(time.RFC3339), dl.Message.MessageID, dl.Message.Target,
					dl.Message.Type, dl.RetryCount, dl.Error)
			}
			return w.Flush()
		},
	}
	list.Flags().IntVar(&limit, "limit", 100, "maximum number of dead letters")
	cmd.AddCommand(list)
	return cmd
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "operator"
}
