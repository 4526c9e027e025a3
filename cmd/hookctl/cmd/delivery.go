package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/eventhook/internal/delivery"
)

// deliveryCmd represents the delivery command
var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Inspect webhook deliveries",
}

var deliveryGetCmd = &cobra.Command{
	Use:   "get [delivery-id]",
	Short: "Show the status of a delivery",
	Long: `Show the status and attempt history summary of a delivery.

Example:
  hookctl delivery get 3f1c9a8e-0c4e-4a55-9a57-1b2d3c4e5f60`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var d delivery.Delivery
		if err := doRequest(cmd.Context(), http.MethodGet, "/deliveries/"+url.PathEscape(args[0]), nil, &d); err != nil {
			return fmt.Errorf("failed to get delivery: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printJSON(out, d)
			return nil
		}
		fmt.Fprintf(out, "Delivery:     %s\n", d.ID)
		fmt.Fprintf(out, "Subscription: %s\n", d.SubscriptionID)
		fmt.Fprintf(out, "Event:        %s (%s)\n", d.EventType, d.EntityID)
		fmt.Fprintf(out, "Status:       %s\n", d.Status)
		fmt.Fprintf(out, "Attempts:     %d\n", d.Attempts)
		if d.LastResponseStatus > 0 {
			fmt.Fprintf(out, "Last HTTP:    %d\n", d.LastResponseStatus)
		}
		if d.LastError != "" {
			fmt.Fprintf(out, "Last error:   %s\n", d.LastError)
		}
		if d.NextAttemptAt != nil && !d.Status.Terminal() {
			fmt.Fprintf(out, "Next attempt: %s\n", d.NextAttemptAt.Format(time.RFC3339))
		}
		if d.DeliveredAt != nil {
			fmt.Fprintf(out, "Delivered at: %s\n", d.DeliveredAt.Format(time.RFC3339))
		}
		if d.ReplayOf != "" {
			fmt.Fprintf(out, "Replay of:    %s\n", d.ReplayOf)
		}
		return nil
	},
}

func init() {
	deliveryCmd.AddCommand(deliveryGetCmd)
	rootCmd.AddCommand(deliveryCmd)
}
