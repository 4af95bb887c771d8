package grpcx

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
)

// Serve runs s until ctx is canceled or an error occurs.
//
// Once ctx is canceled the server stops accepting connections and in-flight
// RPCs are given up to grace to complete before they are aborted. The caller
// must never call s.Stop() or s.GracefulStop().
func Serve(
	ctx context.Context,
	lis net.Listener,
	s *grpc.Server,
	grace time.Duration,
) error {
	result := make(chan error, 1)

	go func() {
		result <- s.Serve(lis)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
	}

	stopped := make(chan struct{})

	go func() {
		s.GracefulStop()
		close(stopped)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-stopped:
	case <-timer.C:
		s.Stop()
		<-stopped
	}

	<-result

	return ctx.Err()
}
