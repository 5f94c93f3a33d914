package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/localstore/pkg/hub"
)

func serveCmd(c *cli) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a hub in front of the configured backend",
		Long: `Run a hub that serves the configured storage backend over HTTP
and broadcasts every write to the other connected contexts.

Routes:
  GET  /v1/entry?key=K     read an entry
  PUT  /v1/entry?key=K     write an entry
  GET  /v1/watch           WebSocket stream of change frames
  GET  /healthz            liveness
  GET  /metrics            Prometheus metrics

Examples:
  localstore serve
  localstore serve --listen :7070
  localstore serve --config /etc/localstore/localstore.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				c.cfg.Hub.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			h, err := startHub(c)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			success(out, "Hub listening on http://%s", h.Addr())
			info(out, "Backend: %s", c.cfg.Backend.Type)
			if c.cfg.Hub.DisableMetrics {
				warn(out, "Metrics endpoint disabled")
			}

			select {
			case <-ctx.Done():
			case err := <-h.errCh:
				h.Shutdown(context.Background())
				return err
			}

			info(out, "Shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return h.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Address to listen on (default from config)")

	return cmd
}

// runningHub is a hub bound to a listener.
type runningHub struct {
	hub      *hub.Server
	server   *http.Server
	listener net.Listener
	release  func() error
	errCh    chan error
}

// startHub opens the backend and starts serving it.
func startHub(c *cli) (*runningHub, error) {
	storage, release, err := openStorage(c.cfg, c.logger)
	if err != nil {
		return nil, err
	}

	opts := []hub.Option{
		hub.WithLogger(c.logger),
		hub.WithPingInterval(c.cfg.PingInterval()),
		hub.WithWriteTimeout(c.cfg.WriteTimeout()),
		hub.WithMetricsEndpoint(!c.cfg.Hub.DisableMetrics),
	}
	if c.cfg.Hub.MaxBodyBytes > 0 {
		opts = append(opts, hub.WithMaxBodyBytes(c.cfg.Hub.MaxBodyBytes))
	}
	srv := hub.New(storage, opts...)

	ln, err := net.Listen("tcp", c.cfg.Hub.Listen)
	if err != nil {
		release()
		return nil, err
	}

	h := &runningHub{
		hub: srv,
		server: &http.Server{
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: ln,
		release:  release,
		errCh:    make(chan error, 1),
	}

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.errCh <- err
		}
	}()

	c.logger.Info("hub started", "addr", h.Addr(), "backend", c.cfg.Backend.Type)
	return h, nil
}

// Addr returns the bound address.
func (h *runningHub) Addr() string {
	return h.listener.Addr().String()
}

// Shutdown disconnects watchers, stops the server and releases the backend.
func (h *runningHub) Shutdown(ctx context.Context) error {
	h.hub.Close()
	err := h.server.Shutdown(ctx)
	return errors.Join(err, h.release())
}
