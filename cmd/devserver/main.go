// Package main runs the sync backend API for local development. Clients
// configured with remote.kind=http talk to it on localhost:8090.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	apperrors "github.com/kimhsiao/nourish/backend/internal/errors"
	"github.com/kimhsiao/nourish/backend/internal/logging"
	"github.com/kimhsiao/nourish/backend/internal/sync/remote"
)

// Version is set at build time
var Version = "0.1.0"

// serverOptions are bound to flags and NOURISH_DEVSERVER_* variables.
type serverOptions struct {
	Addr        string
	Backend     string
	RedisAddr   string
	RedisPrefix string
	LogLevel    string
}

func newServeCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("NOURISH_DEVSERVER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "devserver",
		Short:         "Serve the sync backend API over HTTP",
		Version:       Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := serverOptions{
				Addr:        v.GetString("addr"),
				Backend:     v.GetString("backend"),
				RedisAddr:   v.GetString("redis-addr"),
				RedisPrefix: v.GetString("redis-prefix"),
				LogLevel:    v.GetString("log-level"),
			}
			logging.Init(logging.Options{Level: logging.LogLevel(opts.LogLevel)})
			return serve(cmd.Context(), opts, nil)
		},
	}

	flags := cmd.Flags()
	flags.String("addr", ":8090", "listen address")
	flags.String("backend", "memory", "document storage: memory or redis")
	flags.String("redis-addr", "localhost:6379", "redis address for --backend=redis")
	flags.String("redis-prefix", "nourish", "redis key prefix")
	flags.String("log-level", "info", "debug, info, warn or error")
	_ = v.BindPFlags(flags)
	return cmd
}

// openBackend returns the document store and a function releasing it.
func openBackend(ctx context.Context, opts serverOptions) (remote.Backend, func() error, error) {
	switch opts.Backend {
	case "memory", "":
		return remote.NewMemoryGateway(), func() error { return nil }, nil
	case "redis":
		client, err := remote.DialRedis(ctx, opts.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		return remote.NewRedisGateway(client, opts.RedisPrefix), client.Close, nil
	}
	return nil, nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown backend %q", opts.Backend))
}

// serve runs until ctx is cancelled, then shuts down gracefully. ready, if
// set, receives the bound address once the listener is open.
func serve(ctx context.Context, opts serverOptions, ready func(addr string)) error {
	backend, closeBackend, err := openBackend(ctx, opts)
	if err != nil {
		return err
	}
	defer closeBackend()

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", opts.Addr, err)
	}

	srv := &http.Server{
		Handler:           remote.NewServer(backend).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logging.Info("Dev server listening", map[string]interface{}{
		"addr":    ln.Addr().String(),
		"backend": opts.Backend,
		"version": Version,
	})
	if ready != nil {
		ready(ln.Addr().String())
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logging.Info("Dev server stopped", nil)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newServeCmd().ExecuteContext(ctx); err != nil {
		logging.Error("Dev server failed", err)
		stop()
		os.Exit(1)
	}
}
