package grpcx_test

import (
	"context"
	"net"
	"time"

	. "github.com/procflow/continuum/internal/x/grpcx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

var _ = Describe("func Serve()", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		lis    net.Listener
		server *grpc.Server
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		DeferCleanup(cancel)

		var err error
		lis, err = net.Listen("tcp", "127.0.0.1:0")
		Expect(err).ShouldNot(HaveOccurred())

		server = grpc.NewServer()
		grpc_health_v1.RegisterHealthServer(server, health.NewServer())
	})

	It("serves RPCs until the context is canceled", func() {
		serveCtx, stop := context.WithCancel(ctx)
		done := make(chan error, 1)

		go func() {
			done <- Serve(serveCtx, lis, server, 100*time.Millisecond)
		}()

		conn, err := grpc.Dial(
			lis.Addr().String(),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		Expect(err).ShouldNot(HaveOccurred())
		defer conn.Close()

		res, err := grpc_health_v1.NewHealthClient(conn).Check(
			ctx,
			&grpc_health_v1.HealthCheckRequest{},
		)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(res.GetStatus()).To(Equal(grpc_health_v1.HealthCheckResponse_SERVING))

		stop()

		Eventually(done, 5*time.Second).Should(Receive(MatchError(context.Canceled)))
	})

	It("returns an error if the listener fails", func() {
		Expect(lis.Close()).To(Succeed())

		err := Serve(ctx, lis, server, time.Second)
		Expect(err).Should(HaveOccurred())
	})
})
