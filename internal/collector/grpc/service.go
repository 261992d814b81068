// Package grpc implements the collector side of FindingService: scanners
// register over mTLS and stream findings, which the service persists and
// fans out to WebSocket subscribers.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"

	"github.com/traceforge/cryptoscan/internal/collector/storage"
	"github.com/traceforge/cryptoscan/internal/collector/websocket"
	"github.com/traceforge/cryptoscan/internal/findingpb"
)

// Store is the persistence subset the Service needs. Satisfied by
// *storage.Store.
type Store interface {
	UpsertScanner(ctx context.Context, sc storage.Scanner) (storage.Scanner, error)
	BatchInsertFindings(ctx context.Context, findings []storage.Finding) error
}

// Broadcaster is the fan-out subset the Service needs. Satisfied by
// *websocket.Broadcaster.
type Broadcaster interface {
	Publish(f storage.Finding)
}

// Service implements findingpb.FindingServiceServer.
type Service struct {
	findingpb.UnimplementedFindingServiceServer

	store       Store
	broadcaster Broadcaster
	logger      *slog.Logger

	// maxFindingAgeSecs bounds how far in the past or future observed_at_us
	// may be before a streamed finding is rejected as implausible.
	maxFindingAgeSecs int64
}

// NewService constructs a Service. logger defaults to slog.Default() when
// nil.
func NewService(store Store, broadcaster Broadcaster, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:             store,
		broadcaster:       broadcaster,
		logger:            logger,
		maxFindingAgeSecs: 300,
	}
}

// RegisterScanner upserts the calling scanner's identity, preferring the
// mTLS client certificate's common name over the self-reported hostname
// when a client certificate is present.
func (s *Service) RegisterScanner(ctx context.Context, req *findingpb.RegisterRequest) (*findingpb.RegisterResponse, error) {
	hostname := req.Hostname
	if cn := certCN(ctx); cn != "" {
		hostname = cn
	}
	if hostname == "" {
		return nil, fmt.Errorf("grpc: RegisterScanner: hostname required")
	}

	now := time.Now().UTC()
	sc, err := s.store.UpsertScanner(ctx, storage.Scanner{
		ScannerID:      uuid.NewString(), // only used for a brand new hostname; UpsertScanner keeps the existing ID otherwise
		Hostname:       hostname,
		Platform:       req.Platform,
		ScannerVersion: req.ScannerVersion,
		FirstSeen:      now,
		LastSeen:       now,
	})
	if err != nil {
		return nil, fmt.Errorf("grpc: RegisterScanner: %w", err)
	}

	s.logger.Info("grpc: scanner registered",
		slog.String("scanner_id", sc.ScannerID),
		slog.String("hostname", sc.Hostname),
	)
	return &findingpb.RegisterResponse{ScannerID: sc.ScannerID}, nil
}

// StreamFindings receives findings until the scanner closes the stream or
// the context is cancelled. Each finding is validated, persisted, and
// published to the websocket broadcaster; the collector replies with an ACK
// or ERROR ServerCommand per finding.
func (s *Service) StreamFindings(stream findingpb.FindingService_StreamFindingsServer) error {
	for {
		f, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("grpc: StreamFindings recv: %w", err)
		}

		if err := s.handleFinding(stream.Context(), f); err != nil {
			s.logger.Warn("grpc: rejected finding", slog.Any("error", err), slog.String("detector_tag", f.DetectorTag))
			if sendErr := stream.Send(&findingpb.ServerCommand{Type: "ERROR", Error: err.Error()}); sendErr != nil {
				return fmt.Errorf("grpc: StreamFindings send (error): %w", sendErr)
			}
			continue
		}

		if err := stream.Send(&findingpb.ServerCommand{Type: "ACK"}); err != nil {
			return fmt.Errorf("grpc: StreamFindings send (ack): %w", err)
		}
	}
}

func (s *Service) handleFinding(ctx context.Context, f *findingpb.Finding) error {
	if f.ScannerID == "" {
		return fmt.Errorf("scanner_id required")
	}
	if f.DetectorTag == "" {
		return fmt.Errorf("detector_tag required")
	}

	observedAt := time.UnixMicro(f.ObservedAtUs).UTC()
	now := time.Now().UTC()
	if observedAt.Before(now.Add(-time.Duration(s.maxFindingAgeSecs)*time.Second)) ||
		observedAt.After(now.Add(60*time.Second)) {
		return fmt.Errorf("observed_at_us %d outside plausible window", f.ObservedAtUs)
	}

	finding := storage.Finding{
		ScannerID:   f.ScannerID,
		SourceFile:  f.SourceFile,
		DetectorTag: f.DetectorTag,
		CodeAddress: f.CodeAddress,
		MetricName:  f.MetricName,
		MetricValue: f.MetricValue,
		Note:        f.Note,
		ObservedAt:  observedAt,
	}

	if err := s.store.BatchInsertFindings(ctx, []storage.Finding{finding}); err != nil {
		return fmt.Errorf("persist finding: %w", err)
	}

	if s.broadcaster != nil {
		s.broadcaster.Publish(finding)
	}
	return nil
}

// certCN extracts the CN of the peer's mTLS client certificate, if any, or
// "" if the connection isn't mTLS-authenticated.
func certCN(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return ""
	}
	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(tlsInfo.State.PeerCertificates) == 0 {
		return ""
	}
	return tlsInfo.State.PeerCertificates[0].Subject.CommonName
}
