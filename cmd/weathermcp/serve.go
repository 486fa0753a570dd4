package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/weathermcp/config"
	"github.com/effective-security/weathermcp/mcp"
	"github.com/effective-security/weathermcp/tools"
	"github.com/effective-security/weathermcp/tools/weather"
	"github.com/effective-security/xlog"
)

// newServer returns the MCP server with all tools registered
func newServer(cfg *config.Config) (*mcp.Server, error) {
	server := mcp.NewServer(
		mcp.WithName(cfg.Server.Name),
		mcp.WithVersion(serverVersion(cfg)),
		mcp.WithInstructions(cfg.Server.Instructions),
		mcp.WithPaginationLimit(cfg.Server.PaginationLimit),
	)

	weatherTool, err := weather.New()
	if err != nil {
		return nil, err
	}
	if err := tools.RegisterMCP(server, weatherTool); err != nil {
		return nil, err
	}
	return server, nil
}

func serverVersion(cfg *config.Config) string {
	if cfg.Server.Version != "" {
		return cfg.Server.Version
	}
	return Version
}

// serve runs the HTTP server until ctx is done.
// ready, if not nil, is called with the bound address once listening.
func serve(ctx context.Context, cfg *config.Config, ready func(net.Addr)) error {
	server, err := newServer(cfg)
	if err != nil {
		return err
	}

	keepAlive, err := cfg.Server.KeepAliveInterval()
	if err != nil {
		return err
	}
	shutdownTimeout, err := cfg.Server.ShutdownTimeoutDuration()
	if err != nil {
		return err
	}
	if shutdownTimeout == 0 {
		shutdownTimeout = 5 * time.Second
	}

	handler := mcp.NewSSEHandler(server, mcp.SSEOptions{
		SSEPath:     cfg.Server.SSEPath,
		MessagePath: cfg.Server.MessagePath,
		KeepAlive:   keepAlive,
	})

	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	// streams never go idle, so Shutdown must end them
	httpServer.RegisterOnShutdown(handler.Close)

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", cfg.Server.Listen)
	}

	logger.KV(xlog.NOTICE,
		"server", server.Name(),
		"version", server.Version(),
		"listen", ln.Addr().String(),
		"sse", cfg.Server.SSEPath,
		"messages", cfg.Server.MessagePath,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()
	if ready != nil {
		ready(ln.Addr())
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "server failed")
	case <-ctx.Done():
	}

	logger.KV(xlog.NOTICE, "status", "shutting_down", "sessions", server.Sessions())

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "failed to shutdown")
	}
	return nil
}
