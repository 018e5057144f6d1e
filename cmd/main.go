package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rozetyp/streamfix/config"
	mcpserver "github.com/rozetyp/streamfix/mcp"
	"github.com/rozetyp/streamfix/proxy"
	"github.com/rozetyp/streamfix/telemetry"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "streamfix",
		Short: "OpenAI-compatible JSON repair proxy",
		Long:  "Transparent proxy that extracts and repairs JSON from streaming LLM responses.",
	}

	// --config is persistent so all subcommands inherit it.
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ./streamfix.yaml, then ~/.config/streamfix/streamfix.yaml)")

	// -------------------------------------------------------------------------
	// serve — start the proxy
	// -------------------------------------------------------------------------
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the StreamFix proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			if host, _ := cmd.Flags().GetString("host"); host != "" {
				cfg.Host = host
			}
			if port, _ := cmd.Flags().GetInt("port"); port != 0 {
				cfg.Port = port
			}
			if up, _ := cmd.Flags().GetString("upstream"); up != "" {
				cfg.UpstreamBaseURL = up
			}
			if key, _ := cmd.Flags().GetString("api-key"); key != "" {
				cfg.UpstreamAPIKey = key
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			srv, err := proxy.NewProxyServer(cfg)
			if err != nil {
				return fmt.Errorf("creating proxy server: %w", err)
			}
			return srv.Start()
		},
	}
	serveCmd.Flags().String("host", "", "Host to bind to (default from config: 127.0.0.1)")
	serveCmd.Flags().Int("port", 0, "Port to bind to (default from config: 8000)")
	serveCmd.Flags().String("upstream", "", "Upstream API base URL (e.g. http://localhost:1234/v1)")
	serveCmd.Flags().String("api-key", "", "API key presented to the upstream")

	// -------------------------------------------------------------------------
	// repair — run the pipeline over an argument or stdin
	// -------------------------------------------------------------------------
	repairCmd := &cobra.Command{
		Use:   "repair [json]",
		Short: "Extract and repair JSON from text",
		Long:  "Runs the preprocess/extract/repair pipeline over the argument (or stdin) and prints the repaired JSON.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			var input string
			if len(args) > 0 {
				input = strings.Join(args, " ")
			} else {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("reading stdin: %w", err)
				}
				input = string(data)
			}
			if strings.TrimSpace(input) == "" {
				return fmt.Errorf("no input provided")
			}

			result := proxy.RepairText(input, cfg.MaxJSONChars)
			fmt.Println(result.Repaired)
			if !result.ValidJSON {
				return fmt.Errorf("repaired output still fails to parse: %s", result.Error)
			}
			return nil
		},
	}

	// -------------------------------------------------------------------------
	// stats — show repair statistics
	// -------------------------------------------------------------------------
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show repair statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			col, err := telemetry.NewCollector(cfg.TelemetryPath())
			if err != nil {
				return fmt.Errorf("opening telemetry database: %w", err)
			}
			defer col.Close()

			stats, err := col.GetStats()
			if err != nil {
				return fmt.Errorf("retrieving stats: %w", err)
			}

			fmt.Printf("Total Requests:     %d\n", stats.TotalRequests)
			fmt.Printf("Repair Rate:        %.3f\n", stats.RepairRate)
			fmt.Printf("Parse Success Rate: %.3f\n", stats.ParseSuccessRate)

			if len(stats.RepairTypes) > 0 {
				fmt.Println("\nBy Repair Type:")
				names := make([]string, 0, len(stats.RepairTypes))
				for name := range stats.RepairTypes {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Printf("  %-28s %d\n", name, stats.RepairTypes[name])
				}
			}
			return nil
		},
	}

	// -------------------------------------------------------------------------
	// mcp — start MCP server (stdio transport)
	// -------------------------------------------------------------------------
	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start MCP server (stdio transport)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			// Telemetry is optional; if it fails the MCP server continues without it.
			tel, _ := telemetry.NewCollector(cfg.TelemetryPath())

			srv := mcpserver.NewMCPServer(tel, cfg.MaxJSONChars)
			return srv.Start()
		},
	}

	// -------------------------------------------------------------------------
	// config — configuration management subcommand group
	// -------------------------------------------------------------------------
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Println("Config is valid!")
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			// The API key is elided from the output.
			redacted := *cfg
			if redacted.UpstreamAPIKey != "" {
				redacted.UpstreamAPIKey = "***"
			}
			b, err := json.MarshalIndent(redacted, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(b))
			return nil
		},
	}

	configCmd.AddCommand(validateCmd, showCmd)

	// -------------------------------------------------------------------------
	// Wire all top-level subcommands into root.
	// -------------------------------------------------------------------------
	rootCmd.AddCommand(
		serveCmd,
		repairCmd,
		statsCmd,
		mcpCmd,
		configCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
