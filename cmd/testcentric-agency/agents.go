// ABOUTME: agents and health commands: query a running agency over its HTTP API
// ABOUTME: agents prints connected agents and the launch history table

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/testcentric-engine/internal/agency"
	"github.com/2389/testcentric-engine/internal/agent"
)

var historyLimit int

var (
	agentsCmd = &cobra.Command{
		Use:   "agents",
		Short: "List connected agents and recent launches",
		Args:  cobra.NoArgs,
		RunE:  runAgents,
	}
	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Check that the agency is ready",
		Args:  cobra.NoArgs,
		RunE:  runHealth,
	}
)

func init() {
	agentsCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of history records to show")
}

func agencyGet(ctx context.Context, path string) (int, []byte, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return 0, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("contacting agency: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func runHealth(cmd *cobra.Command, _ []string) error {
	status, body, err := agencyGet(cmd.Context(), "/health/ready")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("not ready: status %d: %s", status, body)
	}
	fmt.Println(string(body))
	return nil
}

func runAgents(cmd *cobra.Command, _ []string) error {
	status, body, err := agencyGet(cmd.Context(), fmt.Sprintf("/api/agents?limit=%d", historyLimit))
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("listing agents: status %d: %s", status, body)
	}

	var resp agency.ListAgentsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	bold := color.New(color.Bold)
	bold.Printf("Connected (%d)\n", len(resp.Connected))
	for _, a := range resp.Connected {
		state := color.GreenString("idle")
		if a.Busy {
			state = color.YellowString("busy")
		}
		fmt.Printf("  %s  %s  %s  since %s\n", a.ID, state, a.RemoteAddr, a.ConnectedAt.Format(time.TimeOnly))
	}
	fmt.Println()

	bold.Printf("History (%d)\n", len(resp.History))
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  AGENT\tPACKAGE\tPID\tSTATUS\tLAUNCHED\tEXIT")
	for _, rec := range resp.History {
		exit := "-"
		if rec.ExitCode != nil {
			exit = fmt.Sprintf("%d (%s)", *rec.ExitCode, agent.ExitCodeName(*rec.ExitCode))
		}
		fmt.Fprintf(w, "  %s\t%s\t%d\t%s\t%s\t%s\n",
			rec.AgentID, rec.PackageID, rec.PID, rec.Status,
			rec.LaunchedAt.Local().Format(time.DateTime), exit)
	}
	return w.Flush()
}
