package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/eventhook/internal/delivery"
	"github.com/austindbirch/eventhook/internal/dlq"
)

type resultsBody struct {
	Results   []dlq.RetryResult `json:"results"`
	Succeeded int               `json:"succeeded,omitempty"`
	Failed    int               `json:"failed,omitempty"`
}

// dlqCmd represents the dlq command
var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and recover dead-lettered deliveries",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-letter entries, most recent failure first",
	Long: `List dead-letter entries.

Example:
  hookctl dlq list --event-type content.published --min-retry-count 5`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eventType, _ := cmd.Flags().GetString("event-type")
		minRetry, _ := cmd.Flags().GetInt("min-retry-count")
		subID, _ := cmd.Flags().GetString("subscription")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		q := url.Values{}
		if eventType != "" {
			q.Set("eventType", eventType)
		}
		if minRetry > 0 {
			q.Set("minRetryCount", strconv.Itoa(minRetry))
		}
		if subID != "" {
			q.Set("subscriptionId", subID)
		}
		if limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		if offset > 0 {
			q.Set("offset", strconv.Itoa(offset))
		}
		path := "/dlq"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var res dlq.ListResult
		if err := doRequest(cmd.Context(), http.MethodGet, path, nil, &res); err != nil {
			return fmt.Errorf("failed to list dead letters: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			printJSON(out, res)
			return nil
		}
		if len(res.Entries) == 0 {
			fmt.Fprintln(out, "No dead-letter entries found")
			return nil
		}
		printEntries(out, res.Entries)
		fmt.Fprintf(out, "\nShowing %d-%d of %d\n", res.Offset+1, res.Offset+len(res.Entries), res.Total)
		return nil
	},
}

func printEntries(w io.Writer, entries []delivery.DeadLetter) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEVENT TYPE\tSUBSCRIPTION\tRETRIES\tLAST FAILED\tREASON")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			e.ID, e.EventType, e.SubscriptionID, e.RetryCount,
			e.LastFailedAt.Format(time.RFC3339), truncate(e.FailureReason, 60))
	}
	_ = tw.Flush()
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry [entry-id]",
	Short: "Replay a dead-letter entry as a fresh delivery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res resultsBody
		err := doRequest(cmd.Context(), http.MethodPost, "/dlq/"+url.PathEscape(args[0])+"/retry", nil, &res)
		printResults(cmd.OutOrStdout(), res)
		return err
	},
}

var dlqRetryAllCmd = &cobra.Command{
	Use:   "retry-all",
	Short: "Replay every dead-letter entry matching the filter",
	Long: `Replay every matching dead-letter entry. Each entry succeeds or fails
on its own; the per-entry outcome is printed.

Example:
  hookctl dlq retry-all --event-type content.published`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eventType, _ := cmd.Flags().GetString("event-type")
		minRetry, _ := cmd.Flags().GetInt("min-retry-count")
		subID, _ := cmd.Flags().GetString("subscription")

		filter := dlq.Filter{EventType: eventType, MinRetryCount: minRetry, SubscriptionID: subID}
		var res resultsBody
		err := doRequest(cmd.Context(), http.MethodPost, "/dlq/retry-all", filter, &res)
		printResults(cmd.OutOrStdout(), res)
		if err == nil && !outputJSON {
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d succeeded, %d failed\n", res.Succeeded, res.Failed)
		}
		return err
	},
}

var dlqDeleteCmd = &cobra.Command{
	Use:   "delete [entry-id]",
	Short: "Permanently delete a dead-letter entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res resultsBody
		err := doRequest(cmd.Context(), http.MethodDelete, "/dlq/"+url.PathEscape(args[0]), nil, &res)
		printResults(cmd.OutOrStdout(), res)
		return err
	},
}

func printResults(w io.Writer, res resultsBody) {
	if outputJSON {
		printJSON(w, res)
		return
	}
	for _, r := range res.Results {
		line := fmt.Sprintf("%s  %s", r.EntryID, r.Status)
		if r.DeliveryID != "" {
			line += "  delivery=" + r.DeliveryID
		}
		if r.Error != "" {
			line += "  error=" + r.Error
		}
		fmt.Fprintln(w, line)
	}
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func init() {
	for _, c := range []*cobra.Command{dlqListCmd, dlqRetryAllCmd} {
		c.Flags().String("event-type", "", "only entries of this event type")
		c.Flags().Int("min-retry-count", 0, "only entries with at least this many attempts")
		c.Flags().String("subscription", "", "only entries for this subscription")
	}
	dlqListCmd.Flags().Int("limit", 0, "page size (server default 50, max 500)")
	dlqListCmd.Flags().Int("offset", 0, "entries to skip")

	dlqCmd.AddCommand(dlqListCmd, dlqRetryCmd, dlqRetryAllCmd, dlqDeleteCmd)
	rootCmd.AddCommand(dlqCmd)
}
