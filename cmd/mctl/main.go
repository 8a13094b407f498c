// Command mctl is a thin operator CLI wrapping the central controller's
// fleet HTTP API: list clients, inspect deployments, trigger a rolling
// deploy, cancel one. It never talks to a device directly, only to the
// controller.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mclarkelauer/mastercontrol/internal/types"
)

var (
	controllerURL string
	apiToken      string
)

func main() {
	root := &cobra.Command{
		Use:   "mctl",
		Short: "Operator CLI for the Master Control fleet controller",
	}
	root.PersistentFlags().StringVar(&controllerURL, "controller-url", "http://localhost:8080", "Central controller base URL")
	root.PersistentFlags().StringVar(&apiToken, "api-token", os.Getenv("MCTL_API_TOKEN"), "Bearer token for the controller API")

	root.AddCommand(
		newClientsCmd(),
		newDeployCmd(),
		newDeploymentsCmd(),
		newCancelCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newClientsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clients",
		Short: "List fleet clients and their status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var clients []types.ClientOverview
			if err := apiGet(cmd.Context(), "/api/fleet/clients", &clients); err != nil {
				return err
			}
			for _, c := range clients {
				fmt.Printf("%-24s %-10s host=%-20s version=%s\n", c.Name, c.Status, fmt.Sprintf("%s:%d", c.Host, c.APIPort), c.DeployedVersion)
			}
			return nil
		},
	}
}

func newDeploymentsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "deployments",
		Short: "List recent deployments",
		RunE: func(cmd *cobra.Command, args []string) error {
			var deployments []*types.DeploymentRecord
			if err := apiGet(cmd.Context(), fmt.Sprintf("/api/fleet/deployments?limit=%d", limit), &deployments); err != nil {
				return err
			}
			for _, d := range deployments {
				fmt.Printf("%-36s %-10s version=%-10s status=%s\n", d.ID, d.Status, d.Version, d.Status)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum deployments to list")
	return cmd
}

func newDeployCmd() *cobra.Command {
	var (
		version       string
		batchSize     int
		healthTimeout float64
		autoRollback  bool
		targets       []string
	)
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Start a rolling deployment",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := types.DeployRequest{
				Version:             version,
				TargetClients:       targets,
				BatchSize:           batchSize,
				HealthCheckTimeoutS: healthTimeout,
				AutoRollback:        autoRollback,
			}
			body, err := json.Marshal(req)
			if err != nil {
				return err
			}
			var record types.DeploymentRecord
			if err := apiPost(cmd.Context(), "/api/fleet/deployments", body, &record); err != nil {
				return err
			}
			fmt.Printf("deployment %s started, status=%s\n", record.ID, record.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "Version to deploy")
	cmd.Flags().IntVar(&batchSize, "batch-size", 1, "Clients per batch")
	cmd.Flags().Float64Var(&healthTimeout, "health-timeout-s", 30, "Seconds to wait for a batch's health gate")
	cmd.Flags().BoolVar(&autoRollback, "auto-rollback", true, "Roll back automatically on batch failure")
	cmd.Flags().StringSliceVar(&targets, "target", nil, "Target client name (repeatable); defaults to all online clients")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <deployment-id>",
		Short: "Cancel an in-progress deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]interface{}
			return apiPost(cmd.Context(), "/api/fleet/deployments/"+args[0]+"/cancel", nil, &out)
		},
	}
}

func apiGet(ctx context.Context, path string, out interface{}) error {
	return apiDo(ctx, http.MethodGet, path, nil, out)
}

func apiPost(ctx context.Context, path string, body []byte, out interface{}) error {
	return apiDo(ctx, http.MethodPost, path, body, out)
}

func apiDo(ctx context.Context, method, path string, body []byte, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, controllerURL+path, reader)
	if err != nil {
		return err
	}
	if apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+apiToken)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("controller returned %d: %s", resp.StatusCode, string(detail))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
