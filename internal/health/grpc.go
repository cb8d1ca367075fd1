package health

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vyrodovalexey/svcgw/internal/observability"
	"github.com/vyrodovalexey/svcgw/internal/util"
)

// grpcProber keeps one client connection per instance address.
type grpcProber struct {
	logger observability.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func newGRPCProber(logger observability.Logger) *grpcProber {
	return &grpcProber{
		logger: logger,
		conns:  make(map[string]*grpc.ClientConn),
	}
}

func (p *grpcProber) check(ctx context.Context, address string) error {
	target := util.HostPort(address)

	conn, err := p.conn(target)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		p.close(target)
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("serving status %s", resp.GetStatus())
	}
	return nil
}

func (p *grpcProber) conn(target string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[target]; ok {
		state := conn.GetState()
		if state != connectivity.Shutdown && state != connectivity.TransientFailure {
			return conn, nil
		}
		_ = conn.Close()
		delete(p.conns, target)
	}

	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	p.conns[target] = conn
	return conn, nil
}

func (p *grpcProber) close(target string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[target]; ok {
		if err := conn.Close(); err != nil {
			p.logger.Warn("failed to close gRPC connection",
				observability.String("target", target),
				observability.Error(err),
			)
		}
		delete(p.conns, target)
	}
}

func (p *grpcProber) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for target, conn := range p.conns {
		_ = conn.Close()
		delete(p.conns, target)
	}
}
