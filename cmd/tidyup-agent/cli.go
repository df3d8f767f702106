package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MacJediWizard/tidyup/internal/api/local"
	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/spf13/cobra"
)

// localCall sends a request to the running daemon's local API.
func localCall(method, path string, body, out any) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, "http://"+cfg.LocalAddr()+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("agent daemon not reachable at %s (is 'tidyup-agent start' running?): %w", cfg.LocalAddr(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e models.ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return models.NewCodedError(e.Error, e.Message)
		}
		return fmt.Errorf("agent returned %d", resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func newPairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Pair this device with the control plane",
	}
	cmd.AddCommand(newPairStartCmd(), newPairCompleteCmd())
	return cmd
}

func newPairStartCmd() *cobra.Command {
	var label string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Open a pairing session and print its code",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp models.StartPairingResponse
			if err := localCall(http.MethodPost, "/api/pairing/start", models.StartPairingRequest{Label: label}, &resp); err != nil {
				return err
			}
			fmt.Printf("Session: %s\n", resp.PairingSessionID)
			fmt.Printf("Code:    %s\n", resp.PairingCode)
			fmt.Printf("Expires: %s\n", resp.ExpiresAt.Local().Format(time.RFC1123))
			fmt.Println()
			fmt.Printf("Run 'tidyup-agent pair complete --session %s --code %s' to finish.\n", resp.PairingSessionID, resp.PairingCode)
			return nil
		},
	}

	cmd.Flags().StringVar(&label, "label", "", "Device label (defaults to the hostname)")
	return cmd
}

func newPairCompleteCmd() *cobra.Command {
	var session, code, label string

	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Redeem a pairing code and connect the runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			var done struct {
				DeviceID string `json:"device_id"`
			}
			err := localCall(http.MethodPost, "/api/pairing/complete", local.CompletePairingRequest{
				PairingSessionID: session,
				PairingCode:      code,
				DeviceLabel:      label,
			}, &done)
			if err != nil {
				return err
			}
			fmt.Printf("Paired as device %s\n", done.DeviceID)

			var started struct {
				OK bool `json:"ok"`
			}
			if err := localCall(http.MethodPost, "/api/runtime/start", nil, &started); err != nil {
				return fmt.Errorf("start runtime: %w", err)
			}
			fmt.Println("Runtime: connected")
			return nil
		},
	}

	cmd.Flags().StringVar(&session, "session", "", "Pairing session ID (required)")
	cmd.Flags().StringVar(&code, "code", "", "Pairing code (required)")
	cmd.Flags().StringVar(&label, "label", "", "Device label")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, pairing and runtime status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status struct {
				DaemonVersion string                `json:"daemon_version"`
				Bootstrap     local.BootstrapStatus `json:"bootstrap"`
				Device        local.DeviceStatus    `json:"device"`
				Runtime       struct {
					State     string `json:"state"`
					LastError string `json:"last_error"`
				} `json:"runtime"`
				Runs int `json:"runs"`
			}
			if err := localCall(http.MethodGet, "/api/status", nil, &status); err != nil {
				return err
			}

			fmt.Printf("Daemon:        %s\n", status.DaemonVersion)
			if status.Bootstrap.ControlURL != "" {
				fmt.Printf("Control plane: %s (token: %s)\n", status.Bootstrap.ControlURL, status.Bootstrap.Source)
			} else {
				fmt.Println("Control plane: not configured")
			}
			if status.Device.Paired {
				fmt.Printf("Device:        %s\n", status.Device.DeviceID)
			} else {
				fmt.Println("Device:        not paired")
			}
			fmt.Printf("Runtime:       %s\n", status.Runtime.State)
			if status.Runtime.LastError != "" {
				fmt.Printf("Last error:    %s\n", status.Runtime.LastError)
			}
			if status.Device.LastHeartbeatAt != nil {
				fmt.Printf("Last tick:     %s\n", status.Device.LastHeartbeatAt.Local().Format(time.RFC1123))
			}
			fmt.Printf("Runs:          %d\n", status.Runs)
			return nil
		},
	}
}

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List and start cleanup runs",
	}
	cmd.AddCommand(newRunsListCmd(), newRunsEnqueueCmd())
	return cmd
}

func newRunsListCmd() *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/runs?limit=" + strconv.Itoa(limit)
			if status != "" {
				path += "&status=" + status
			}
			var resp local.RunListResponse
			if err := localCall(http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			if len(resp.Runs) == 0 {
				fmt.Println("No runs found")
				return nil
			}

			fmt.Printf("%-28s %-18s %-8s %8s %10s %9s\n", "RUN", "STATUS", "DRY RUN", "SCANNED", "PROPOSALS", "EXECUTED")
			for _, r := range resp.Runs {
				s := r.Summary
				fmt.Printf("%-28s %-18s %-8t %8d %10d %9d\n", s.RunID, s.Status, s.DryRun, s.FilesScanned, s.ProposalsCreated, s.ActionsExecuted)
			}
			fmt.Printf("\n%d of %d runs\n", len(resp.Runs), resp.Paging.Total)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only list runs with this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs")
	return cmd
}

func newRunsEnqueueCmd() *cobra.Command {
	var (
		live      bool
		maxFiles  int
		pathKinds []string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a cleanup run for this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := local.EnqueueRequest{
				Trigger:     models.TriggerManual,
				PathKinds:   pathKinds,
				MaxFiles:    maxFiles,
				RequestedBy: "cli",
			}
			if cmd.Flags().Changed("live") {
				dryRun := !live
				req.DryRun = &dryRun
			}

			var resp models.EnqueueJobResponse
			if err := localCall(http.MethodPost, "/api/runs/enqueue", req, &resp); err != nil {
				return err
			}
			fmt.Printf("Queued run %s (%s, dry run: %t)\n", resp.RunID, resp.Status, resp.Job.Mode.DryRun)
			return nil
		},
	}

	cmd.Flags().BoolVar(&live, "live", false, "Allow approved proposals to be executed")
	cmd.Flags().IntVar(&maxFiles, "max-files", models.DefaultMaxFiles, "Maximum number of files to scan")
	cmd.Flags().StringSliceVar(&pathKinds, "kind", nil, "Only scan watched paths of these kinds")
	return cmd
}
