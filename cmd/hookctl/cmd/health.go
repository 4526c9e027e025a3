package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/eventhook/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the eventhook server",
	Long: `Check the server's dependency health over HTTP, or over the standard gRPC
health protocol when --grpc is set.

Example:
  hookctl health
  hookctl health --grpc localhost:50051`,
	RunE: func(cmd *cobra.Command, args []string) error {
		grpcAddr, _ := cmd.Flags().GetString("grpc")
		out := cmd.OutOrStdout()

		if grpcAddr != "" {
			status, err := grpcHealth(cmd.Context(), grpcAddr)
			if err != nil {
				return fmt.Errorf("gRPC health check failed: %w", err)
			}
			if outputJSON {
				printJSON(out, map[string]string{"status": status.String()})
			} else {
				fmt.Fprintf(out, "gRPC health: %s\n", status)
			}
			if status != healthpb.HealthCheckResponse_SERVING {
				return errors.New("service is not serving")
			}
			return nil
		}

		var st health.Status
		err := doRequest(cmd.Context(), http.MethodGet, "/healthz", nil, &st)
		var apiErr *apiError
		if err != nil && !errors.As(err, &apiErr) {
			return fmt.Errorf("HTTP health check failed: %w", err)
		}
		if outputJSON {
			printJSON(out, st)
		} else {
			printHealth(out, st)
		}
		if !st.OK {
			return errors.New("service is unhealthy")
		}
		return nil
	},
}

func printHealth(w io.Writer, st health.Status) {
	if st.OK {
		fmt.Fprintln(w, "✓ Service is healthy")
	} else {
		fmt.Fprintln(w, "✗ Service is unhealthy")
	}
	names := make([]string, 0, len(st.Checks))
	for name := range st.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-10s %s\n", name, st.Checks[name])
	}
}

func grpcHealth(ctx context.Context, addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func init() {
	healthCmd.Flags().String("grpc", "", "gRPC health address (e.g. localhost:50051); HTTP is used when empty")
	rootCmd.AddCommand(healthCmd)
}
