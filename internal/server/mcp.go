// Package server exposes the tools over MCP (stdio or streamable HTTP) and
// a small gin HTTP surface for health, metrics and plain JSON tool calls.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"phemex-tools/internal/logging"
	"phemex-tools/internal/metrics"
	"phemex-tools/internal/tools"
)

const serverName = "phemex-tools"

type Options struct {
	Tools          *tools.Service
	Metrics        *metrics.Metrics
	Logger         *logging.Log
	Version        string
	HTTPAddr       string
	MetricsEnabled bool
}

type Server struct {
	tools          *tools.Service
	mcp            *mcpserver.MCPServer
	metrics        *metrics.Metrics
	log            *logging.Entry
	version        string
	addr           string
	metricsEnabled bool
}

func New(opts Options) *Server {
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	s := &Server{
		tools:          opts.Tools,
		metrics:        opts.Metrics,
		log:            opts.Logger.WithComponent("server"),
		version:        version,
		addr:           opts.HTTPAddr,
		metricsEnabled: opts.MetricsEnabled,
	}
	s.mcp = mcpserver.NewMCPServer(serverName, version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	)
	for _, d := range tools.Descriptors() {
		s.mcp.AddTool(mcpTool(d), s.handler(d.Name))
	}
	return s
}

func (s *Server) MCP() *mcpserver.MCPServer { return s.mcp }

// ServeStdio speaks MCP over in/out until ctx is done or in closes.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	s.log.WithFields(logging.Fields{"tools": len(tools.Descriptors())}).Info("mcp stdio server started")
	err := mcpserver.NewStdioServer(s.mcp).Listen(ctx, in, out)
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func mcpTool(d tools.Descriptor) mcp.Tool {
	opts := []mcp.ToolOption{
		mcp.WithDescription(d.Description),
		mcp.WithReadOnlyHintAnnotation(!d.Write),
		mcp.WithDestructiveHintAnnotation(d.Write),
	}
	for _, p := range d.Params {
		props := []mcp.PropertyOption{mcp.Description(p.Description)}
		if p.Required {
			props = append(props, mcp.Required())
		}
		switch p.Type {
		case tools.ParamNumber:
			opts = append(opts, mcp.WithNumber(p.Name, props...))
		case tools.ParamBool:
			opts = append(opts, mcp.WithBoolean(p.Name, props...))
		default:
			if len(p.Enum) > 0 {
				props = append(props, mcp.Enum(p.Enum...))
			}
			opts = append(opts, mcp.WithString(p.Name, props...))
		}
	}
	return mcp.NewTool(d.Name, opts...)
}

// handler adapts a tool to MCP. Tool failures are reported as error
// results so the client sees the message; the returned error is reserved
// for protocol problems.
func (s *Server) handler(name string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := s.tools.Call(ctx, name, tools.Args(req.GetArguments()))
		if err != nil {
			return mcp.NewToolResultError(errorText(err)), nil
		}
		body, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResultText(string(body)), nil
	}
}

// errorText renders err; a confirmation request carries its preview.
func errorText(err error) string {
	var confirmErr *tools.ConfirmationError
	if !errors.As(err, &confirmErr) {
		return err.Error()
	}
	preview, mErr := json.MarshalIndent(confirmErr.Preview, "", "  ")
	if mErr != nil {
		return err.Error()
	}
	return err.Error() + "\n" + string(preview)
}
