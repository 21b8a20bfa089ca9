package commands

import (
	"context"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/urfave/cli/v3"

	pilotmcp "github.com/dohr-michael/pilot/internal/mcp"
)

// NewMCPServeCommand returns the mcp-serve subcommand.
func NewMCPServeCommand() *cli.Command {
	return &cli.Command{
		Name:   "mcp-serve",
		Usage:  "Expose pilot as an MCP server (stdio)",
		Action: runMCPServe,
	}
}

func runMCPServe(ctx context.Context, cmd *cli.Command) error {
	// stdout is the MCP transport
	setupLogging(cmd, slog.LevelWarn)

	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	slog.Debug("starting MCP server", "owner", rt.owner)

	server := pilotmcp.NewMCPServer(rt.svc, rt.owner, Version)
	return server.Run(ctx, &mcpsdk.StdioTransport{})
}
