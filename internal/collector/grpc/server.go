package grpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/traceforge/cryptoscan/internal/findingpb"
)

// Config holds the mTLS listener configuration for the collector's gRPC
// server.
type Config struct {
	// Addr is the listen address (e.g. "0.0.0.0:4443").
	Addr string

	// CertPath/KeyPath are the server's own PEM-encoded certificate and
	// private key, presented to connecting scanners.
	CertPath string
	KeyPath  string

	// CAPath is the PEM-encoded CA certificate used to verify scanner
	// client certificates. Client certificate verification is mandatory:
	// a scanner that cannot present a certificate signed by this CA is
	// rejected at the TLS handshake.
	CAPath string
}

// Server wraps a *grpc.Server bound to an mTLS listener and the registered
// FindingService implementation.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	grpcSrv  *grpc.Server
	listener net.Listener
}

// New builds the mTLS credentials from cfg, constructs the underlying
// *grpc.Server, and registers svc as the FindingService implementation. It
// does not start listening; call Serve for that.
func New(cfg Config, logger *slog.Logger, svc findingpb.FindingServiceServer) (*Server, error) {
	creds, err := buildServerCredentials(cfg)
	if err != nil {
		return nil, fmt.Errorf("collector/grpc: %w", err)
	}

	grpcSrv := grpc.NewServer(grpc.Creds(creds))
	findingpb.RegisterFindingServiceServer(grpcSrv, svc)

	return &Server{
		cfg:     cfg,
		logger:  logger,
		grpcSrv: grpcSrv,
	}, nil
}

// Serve opens the listener and blocks, serving RPCs until ctx is cancelled
// or a fatal listener error occurs. On cancellation it performs a graceful
// stop, waiting for in-flight streams to finish.
func (s *Server) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("collector/grpc: listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = lis

	s.logger.Info("grpc server listening", slog.String("addr", s.cfg.Addr))

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- s.grpcSrv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		done := make(chan struct{})
		go func() {
			s.grpcSrv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(30 * time.Second):
			s.grpcSrv.Stop()
		}
		return nil
	case err := <-serveErrCh:
		return err
	}
}

// Stop immediately terminates the server and all in-flight RPCs.
func (s *Server) Stop() {
	s.grpcSrv.Stop()
}

func buildServerCredentials(cfg Config) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load server cert/key (%s, %s): %w", cfg.CertPath, cfg.KeyPath, err)
	}

	caPEM, err := os.ReadFile(cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", cfg.CAPath, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA cert from %s: no certificates found", cfg.CAPath)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    caPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}
	return credentials.NewTLS(tlsCfg), nil
}
