package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/standardbeagle/gdbridge/internal/config"
	"github.com/standardbeagle/gdbridge/internal/console"
	"github.com/standardbeagle/gdbridge/internal/dap"
	"github.com/standardbeagle/gdbridge/internal/debug"
	"github.com/standardbeagle/gdbridge/internal/mcp"
	"github.com/standardbeagle/gdbridge/internal/version"
)

// loadConfigWithOverrides loads configuration and applies CLI flag overrides
func loadConfigWithOverrides(c *cli.Context) (*config.Config, error) {
	configPath := c.String("config")

	// If root is specified and config path is default, look for config in root directory
	if rootFlag := c.String("root"); rootFlag != "" && configPath == ".gdbridge.kdl" {
		configPath = filepath.Join(rootFlag, ".gdbridge.kdl")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}

	if rootFlag := c.String("root"); rootFlag != "" {
		absRoot, err := filepath.Abs(rootFlag)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve root path %q: %w", rootFlag, err)
		}
		cfg.Project.Root = absRoot
	}
	if port := c.Int("lsp-port"); port != 0 {
		cfg.LSP.Port = port
	}
	if port := c.Int("dap-port"); port != 0 {
		cfg.DAP.Port = port
	}
	if capacity := c.Int("console-capacity"); capacity != 0 {
		cfg.Console.Capacity = capacity
	}
	if c.Bool("watch") {
		cfg.Watch.Enabled = true
	}

	return cfg, nil
}

func main() {
	app := &cli.App{
		Name:                   "gdbridge",
		Usage:                  "Godot editor bridge for AI assistants: script errors and console output over MCP",
		Version:                version.Version,
		UseShortOptionHandling: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Config file path",
				Value:   ".gdbridge.kdl",
			},
			&cli.StringFlag{
				Name:    "root",
				Aliases: []string{"r"},
				Usage:   "Godot project root (overrides config)",
			},
			&cli.IntFlag{
				Name:  "lsp-port",
				Usage: "Explicit language server port (skips probing)",
			},
			&cli.IntFlag{
				Name:  "dap-port",
				Usage: "Explicit debug adapter port (skips probing)",
			},
			&cli.IntFlag{
				Name:  "console-capacity",
				Usage: "Console ring buffer capacity (default 1000)",
			},
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "Re-check scripts automatically when they change on disk",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Write debug logs to a temp file",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug") {
				if path, err := debug.InitDebugLogFile(); err == nil {
					fmt.Fprintf(os.Stderr, "debug log: %s\n", path)
				}
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the MCP server over stdio (the default command)",
				Action: serveCommand,
			},
			{
				Name:      "check",
				Usage:     "Check one script and print its diagnostics as JSON",
				ArgsUsage: "<path/to/script.gd>",
				Action:    checkCommand,
			},
			{
				Name:  "scan",
				Usage: "Scan the whole project and print a summary report",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Re-check files even when unchanged",
					},
				},
				Action: scanCommand,
			},
			{
				Name:  "console",
				Usage: "Attach to the running game and stream console output",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "category",
						Usage: "Only stdout, stderr, or console entries",
					},
				},
				Action: consoleCommand,
			},
			{
				Name:   "status",
				Usage:  "Probe both editor endpoints and print connectivity",
				Action: statusCommand,
			},
			{
				Name:  "version",
				Usage: "Print version and build information",
				Action: func(c *cli.Context) error {
					fmt.Println(version.FullInfo())
					return nil
				},
			},
		},
		Action: serveCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// serveCommand runs the MCP stdio server until interrupted.
func serveCommand(c *cli.Context) error {
	cfg, err := loadConfigWithOverrides(c)
	if err != nil {
		return err
	}

	// All logging must stay off stdout while MCP owns it.
	debug.SetMCPMode(true)

	server, err := mcp.NewServer(cfg)
	if err != nil {
		return err
	}
	defer server.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.Run(ctx)
}

// checkCommand runs a one-shot diagnostics check for a single script.
func checkCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: gdbridge check <path/to/script.gd>")
	}

	server, ctx, cleanup, err := oneShotServer(c)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := server.LSP().Connect(ctx); err != nil {
		return err
	}
	diags, err := server.LSP().CheckScript(ctx, c.Args().First())
	if err != nil {
		return err
	}

	return printJSON(map[string]interface{}{
		"path":        c.Args().First(),
		"diagnostics": diags,
	})
}

// scanCommand checks every script in the project and prints the report.
func scanCommand(c *cli.Context) error {
	server, ctx, cleanup, err := oneShotServer(c)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := server.LSP().Connect(ctx); err != nil {
		return err
	}
	report, err := server.Scanner().Scan(ctx, c.Bool("force"))
	if err != nil {
		return err
	}
	return printJSON(report)
}

// consoleCommand attaches to the debug adapter and streams output lines
// until interrupted.
func consoleCommand(c *cli.Context) error {
	server, ctx, cleanup, err := oneShotServer(c)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := server.DAP().Connect(ctx); err != nil {
		return err
	}

	category := c.String("category")
	entries := make(chan console.Entry, 64)
	server.DAP().SetHandlers(dap.Handlers{
		OnOutput: func(e console.Entry) {
			select {
			case entries <- e:
			default:
			}
		},
	})

	fmt.Fprintln(os.Stderr, "streaming console output, Ctrl-C to stop")
	for {
		select {
		case <-ctx.Done():
			return nil
		case entry := <-entries:
			if category != "" && entry.Category != category {
				continue
			}
			fmt.Printf("[%s] %s", entry.Category, entry.Message)
		}
	}
}

// statusCommand probes both endpoints and prints the outcome.
func statusCommand(c *cli.Context) error {
	server, ctx, cleanup, err := oneShotServer(c)
	if err != nil {
		return err
	}
	defer cleanup()

	status := map[string]interface{}{
		"version":        version.FullInfo(),
		"workspace_root": server.LSP().WorkspaceRoot(),
	}

	if err := server.LSP().Connect(ctx); err != nil {
		status["lsp"] = map[string]interface{}{"connected": false, "error": err.Error()}
	} else {
		status["lsp"] = map[string]interface{}{"connected": true}
	}
	if err := server.DAP().Connect(ctx); err != nil {
		status["dap"] = map[string]interface{}{"connected": false, "error": err.Error()}
	} else {
		status["dap"] = map[string]interface{}{
			"connected": true,
			"attached":  server.DAP().Attached(),
		}
	}

	return printJSON(status)
}

// oneShotServer builds the bridge for a single CLI invocation.
func oneShotServer(c *cli.Context) (*mcp.Server, context.Context, func(), error) {
	cfg, err := loadConfigWithOverrides(c)
	if err != nil {
		return nil, nil, nil, err
	}
	// One-shot commands never watch the filesystem.
	cfg.Watch.Enabled = false

	server, err := mcp.NewServer(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	cleanup := func() {
		stop()
		server.Shutdown()
	}
	return server, ctx, cleanup, nil
}

func printJSON(data interface{}) error {
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
