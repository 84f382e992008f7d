// ABOUTME: serve command: runs the agency with its HTTP API and optional gRPC health service
// ABOUTME: Prints a startup banner and blocks until interrupted

package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/testcentric-engine/internal/agency"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agency server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, source, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Agents.Executable == "" {
		cfg.Agents.Executable = findAgentExecutable()
	}
	logger := setupLogger(cfg.Logging)

	srv, err := agency.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating agency: %w", err)
	}

	green := color.New(color.FgGreen)
	line := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", label+":", value)
	}
	line("Config", source)
	line("Agents", srv.AgencyURL())
	line("HTTP", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		line("gRPC", cfg.Server.GRPCAddr)
	}
	line("Agent", cfg.Agents.Executable)
	fmt.Println()

	logger.Info("starting testcentric-agency",
		"config", source,
		"agency_url", srv.AgencyURL(),
		"http_addr", cfg.Server.HTTPAddr,
	)
	return srv.Run(cmd.Context())
}
