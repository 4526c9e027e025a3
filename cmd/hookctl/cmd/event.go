package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/eventhook/internal/event"
)

// eventCmd represents the event command
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Publish events",
}

var publishCmd = &cobra.Command{
	Use:   "publish [event-type] [entity-id]",
	Short: "Publish an event onto the bus",
	Long: `Publish an event. Every enabled subscription matching the type gets a
delivery unless an identical one was created within the dedup window.

Example:
  hookctl event publish content.published article-42 --payload '{"title":"Hello"}' --discriminator locale=fr`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payloadStr, _ := cmd.Flags().GetString("payload")
		occurredStr, _ := cmd.Flags().GetString("occurred-at")
		discriminators, _ := cmd.Flags().GetStringToString("discriminator")

		ev := event.Event{Type: args[0], EntityID: args[1], Discriminators: discriminators}
		if payloadStr != "" {
			if err := json.Unmarshal([]byte(payloadStr), &ev.Payload); err != nil {
				return fmt.Errorf("invalid payload: %w", err)
			}
		}
		if occurredStr != "" {
			t, err := time.Parse(time.RFC3339, occurredStr)
			if err != nil {
				return fmt.Errorf("failed to parse occurred-at (expected RFC3339 format): %w", err)
			}
			ev.OccurredAt = t
		}
		if err := ev.Validate(); err != nil {
			return err
		}

		var resp map[string]any
		if err := doRequest(cmd.Context(), http.MethodPost, "/events", ev, &resp); err != nil {
			return fmt.Errorf("failed to publish event: %w", err)
		}
		if outputJSON {
			printJSON(cmd.OutOrStdout(), resp)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Event %s for %s accepted\n", ev.Type, ev.EntityID)
		return nil
	},
}

func init() {
	publishCmd.Flags().String("payload", "", "JSON payload")
	publishCmd.Flags().String("occurred-at", "", "RFC3339 time the event occurred (default now)")
	publishCmd.Flags().StringToString("discriminator", nil, "idempotency discriminators, key=value")

	eventCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(eventCmd)
}
