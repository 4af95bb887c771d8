// Package main runs a single continuum node.
//
// The node is configured using environment variables, see
// continuum.FromConfig() for the engine settings and newProvider() for the
// choice of data-store. The engine executes continuations using the counter
// interpreter, which is useful for exercising a cluster.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dogmatiq/dodeca/config"
	"github.com/procflow/continuum"
	"github.com/procflow/continuum/internal/x/grpcx"
	"github.com/procflow/continuum/internal/x/loggingx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// newContext returns a cancelable context that is canceled when the process
// receives a SIGTERM or SIGINT.
func newContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
}

func main() {
	ctx, cancel := newContext()
	defer cancel()

	if err := run(ctx, config.Environment()); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
}

func run(ctx context.Context, cfg config.Bucket) error {
	z, err := newZap(cfg)
	if err != nil {
		return err
	}
	defer z.Sync() // nolint:errcheck

	logger := loggingx.Zap(z)

	provider, closeDB, err := newProvider(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB() // nolint:errcheck

	options := append(
		continuum.FromConfig(cfg),
		continuum.WithInterpreter((&countDown{}).Interpret),
		continuum.WithPersistence(provider),
		continuum.WithLogger(logger),
	)

	e := continuum.New(options...)

	lis, err := net.Listen(
		"tcp",
		config.AsStringDefault(cfg, "CONTINUUM_HEALTH_ADDR", ":8081"),
	)
	if err != nil {
		return fmt.Errorf("unable to listen for health checks: %w", err)
	}

	h := health.NewServer()
	h.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	s := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(s, h)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return grpcx.Serve(ctx, lis, s, 5*time.Second)
	})

	g.Go(func() error {
		return e.Run(ctx)
	})

	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-e.Ready():
		}

		h.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		<-ctx.Done()
		h.Shutdown()

		return nil
	})

	return g.Wait()
}

// newZap returns the zap logger that the node writes to.
func newZap(cfg config.Bucket) (*zap.Logger, error) {
	if config.AsBoolDefault(cfg, "CONTINUUM_DEBUG", false) {
		return zap.NewDevelopment()
	}

	return zap.NewProduction()
}
