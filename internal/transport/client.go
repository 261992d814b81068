// Package transport implements the gRPC transport client cryptoscan uses to
// forward findings to a collector. The [Client] manages a persistent
// bidirectional StreamFindings connection with the following properties:
//
//   - mTLS: the client presents a certificate signed by the shared CA; the
//     collector's certificate is verified against the same CA.
//   - RegisterScanner: called once on each successful connection to obtain a
//     stable scanner_id embedded in every streamed Finding.
//   - Exponential backoff: on any connection or stream error the client
//     waits an exponentially increasing interval (with ±25% jitter) before
//     reconnecting. The ceiling defaults to 60s and is configurable via
//     [ClientConfig.MaxBackoff].
//   - Queue drain on reconnect: each time the stream is established the
//     client first drains all pending findings from the local SQLite queue
//     (oldest first) before forwarding new live findings. Each finding is
//     acked in the queue only after the collector sends an ACK
//     ServerCommand.
//   - Metrics: [Client.FindingsSentTotal] and [Client.ReconnectTotal] are
//     atomic counters; [Client.QueueDepth] reads directly from the
//     underlying queue.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/traceforge/cryptoscan/internal/findingpb"
	"github.com/traceforge/cryptoscan/internal/queue"
	"github.com/traceforge/cryptoscan/internal/trace"
)

const (
	defaultMaxBackoff = 60 * time.Second
	initialBackoff    = time.Second
	drainBatchSize    = 50
	liveChanCap       = 256
)

// DrainQueue is the subset of [queue.SQLiteQueue] the Client uses. It is
// satisfied by *queue.SQLiteQueue and can be stubbed in tests.
type DrainQueue interface {
	Dequeue(ctx context.Context, n int) ([]queue.PendingFinding, error)
	Ack(ctx context.Context, ids []int64) error
	Depth() int
}

// liveFinding pairs a Finding with the source dump file it came from, so the
// wire message can carry SourceFile without threading it through every
// call site.
type liveFinding struct {
	SourceFile string
	Finding    trace.Finding
}

// ClientConfig holds the parameters for connecting to a collector.
type ClientConfig struct {
	// Addr is the collector's gRPC address (e.g. "collector.example.com:4443").
	Addr string

	CertPath string
	KeyPath  string
	CAPath   string

	// ServerName overrides the TLS server name for SNI verification.
	ServerName string

	// Hostname is sent in RegisterScanner. When empty os.Hostname() is used.
	Hostname string

	Platform       string
	ScannerVersion string

	// MaxBackoff is the maximum reconnect back-off interval.
	MaxBackoff time.Duration

	// Insecure disables TLS entirely. Use only in tests.
	Insecure bool
}

// Client is a bidirectional gRPC transport client streaming findings to a
// collector. Safe for concurrent use: [Client.Send] may be called from any
// goroutine while the internal run loop manages the stream.
type Client struct {
	cfg    ClientConfig
	queue  DrainQueue
	logger *slog.Logger

	liveCh chan liveFinding

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	scannerMu sync.RWMutex
	scannerID string

	findingsSentTotal atomic.Int64
	reconnectTotal    atomic.Int64
}

// New creates a new Client but does not start it. Call [Client.Start] to
// begin the connection loop.
func New(cfg ClientConfig, q DrainQueue, logger *slog.Logger) *Client {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		queue:  q,
		logger: logger,
		liveCh: make(chan liveFinding, liveChanCap),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the connection loop in a background goroutine and returns
// immediately. Connection failures are retried internally with exponential
// back-off and are not surfaced as errors from Start.
func (c *Client) Start(ctx context.Context) {
	go c.run(ctx)
}

// Send forwards f (tagged with sourceFile) to the live channel consumed by
// the stream goroutine. The caller should already have persisted f to the
// local queue before calling Send; a failed Send is not fatal because the
// finding will be re-delivered by the queue drain on reconnect.
func (c *Client) Send(ctx context.Context, sourceFile string, f trace.Finding) error {
	select {
	case c.liveCh <- liveFinding{SourceFile: sourceFile, Finding: f}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopCh:
		return fmt.Errorf("transport: stopped")
	default:
		return fmt.Errorf("transport: live channel full, finding will be delivered via queue")
	}
}

// Stop signals the run loop to exit and blocks until it has. Safe to call
// more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.done
}

// FindingsSentTotal returns the number of findings acknowledged by the
// collector since the client was created.
func (c *Client) FindingsSentTotal() int64 { return c.findingsSentTotal.Load() }

// ReconnectTotal returns the number of reconnect attempts since the client
// was created.
func (c *Client) ReconnectTotal() int64 { return c.reconnectTotal.Load() }

// QueueDepth delegates to the underlying DrainQueue.Depth. Returns 0 when no
// queue is configured.
func (c *Client) QueueDepth() int {
	if c.queue == nil {
		return 0
	}
	return c.queue.Depth()
}

// ScannerID returns the scanner_id assigned by the collector during the most
// recent successful RegisterScanner call, or "" before that.
func (c *Client) ScannerID() string {
	c.scannerMu.RLock()
	defer c.scannerMu.RUnlock()
	return c.scannerID
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	backoff := initialBackoff
	first := true

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		if !first {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			}
		}
		first = false

		err := c.runOnce(ctx)
		if err == nil {
			return
		}

		c.reconnectTotal.Add(1)
		c.logger.Warn("transport: connection lost, reconnecting",
			slog.Any("error", err),
			slog.Duration("backoff", backoff),
		)
		backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	creds, err := c.buildCredentials()
	if err != nil {
		return fmt.Errorf("build TLS credentials: %w", err)
	}

	conn, err := grpc.NewClient(c.cfg.Addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}
	defer conn.Close()

	client := findingpb.NewFindingServiceClient(conn)

	hostname := c.cfg.Hostname
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		}
	}

	regCtx, regCancel := context.WithTimeout(ctx, 10*time.Second)
	resp, err := client.RegisterScanner(regCtx, &findingpb.RegisterRequest{
		Hostname:       hostname,
		Platform:       c.cfg.Platform,
		ScannerVersion: c.cfg.ScannerVersion,
	})
	regCancel()
	if err != nil {
		return fmt.Errorf("RegisterScanner: %w", err)
	}

	c.scannerMu.Lock()
	c.scannerID = resp.ScannerID
	c.scannerMu.Unlock()

	c.logger.Info("transport: registered with collector",
		slog.String("scanner_id", resp.ScannerID),
		slog.String("collector_addr", c.cfg.Addr),
	)

	stream, err := client.StreamFindings(ctx)
	if err != nil {
		return fmt.Errorf("StreamFindings: %w", err)
	}

	if c.queue != nil && c.queue.Depth() > 0 {
		c.logger.Info("transport: draining queue before live findings", slog.Int("depth", c.queue.Depth()))
		if err := c.drainQueue(ctx, stream); err != nil {
			select {
			case <-c.stopCh:
				return nil
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("queue drain: %w", err)
			}
		}
		c.logger.Info("transport: queue drain complete")
	}

	if err := c.processLive(ctx, stream); err != nil {
		select {
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
			return err
		}
	}
	return nil
}

func (c *Client) drainQueue(ctx context.Context, stream findingpb.FindingService_StreamFindingsClient) error {
	scannerID := c.ScannerID()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		default:
		}

		pending, err := c.queue.Dequeue(ctx, drainBatchSize)
		if err != nil {
			return fmt.Errorf("dequeue: %w", err)
		}
		if len(pending) == 0 {
			return nil
		}

		for _, pf := range pending {
			if err := stream.Send(toWireFinding(scannerID, pf.SourceFile, pf.Finding)); err != nil {
				return fmt.Errorf("send (queued): %w", err)
			}

			cmd, err := stream.Recv()
			if err != nil {
				return fmt.Errorf("recv ACK (queued): %w", err)
			}

			switch cmd.Type {
			case "ACK":
				if ackErr := c.queue.Ack(ctx, []int64{pf.ID}); ackErr != nil {
					c.logger.Warn("transport: queue Ack failed", slog.Int64("queue_id", pf.ID), slog.Any("error", ackErr))
				} else {
					c.findingsSentTotal.Add(1)
					c.logger.Debug("transport: queued finding delivered",
						slog.String("detector_tag", pf.Finding.DetectorTag))
				}
			default:
				c.logger.Warn("transport: collector rejected queued finding",
					slog.String("detector_tag", pf.Finding.DetectorTag),
					slog.String("collector_response", cmd.Error))
				// Do not ack — retry on next reconnect.
			}
		}
	}
}

func (c *Client) processLive(ctx context.Context, stream findingpb.FindingService_StreamFindingsClient) error {
	scannerID := c.ScannerID()

	recvErrCh := make(chan error, 1)
	go func() {
		for {
			cmd, err := stream.Recv()
			if err != nil {
				recvErrCh <- err
				return
			}
			if cmd.Type == "ACK" {
				c.findingsSentTotal.Add(1)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		case err := <-recvErrCh:
			return fmt.Errorf("recv: %w", err)
		case lf := <-c.liveCh:
			if err := stream.Send(toWireFinding(scannerID, lf.SourceFile, lf.Finding)); err != nil {
				return fmt.Errorf("send (live): %w", err)
			}
		}
	}
}

func (c *Client) buildCredentials() (credentials.TransportCredentials, error) {
	if c.cfg.Insecure {
		return insecure.NewCredentials(), nil
	}

	clientCert, err := tls.LoadX509KeyPair(c.cfg.CertPath, c.cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load client cert/key (%s, %s): %w", c.cfg.CertPath, c.cfg.KeyPath, err)
	}

	caPEM, err := os.ReadFile(c.cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", c.cfg.CAPath, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA cert from %s: no certificates found", c.cfg.CAPath)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      caPool,
		MinVersion:   tls.VersionTLS12,
	}
	if c.cfg.ServerName != "" {
		tlsCfg.ServerName = c.cfg.ServerName
	}
	return credentials.NewTLS(tlsCfg), nil
}

func toWireFinding(scannerID, sourceFile string, f trace.Finding) *findingpb.Finding {
	return &findingpb.Finding{
		ScannerID:    scannerID,
		SourceFile:   sourceFile,
		DetectorTag:  f.DetectorTag,
		CodeAddress:  f.CodeAddress,
		MetricName:   f.MetricName,
		MetricValue:  f.MetricValue,
		Note:         f.Note,
		ObservedAtUs: time.Now().UnixMicro(),
	}
}

// nextBackoff returns the next back-off duration: double the current value
// with ±25% jitter, capped at maxBackoff.
func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	jitterFactor := 0.75 + rand.Float64()*0.5 // [0.75, 1.25)
	next = time.Duration(float64(next) * jitterFactor)
	if next < initialBackoff {
		next = initialBackoff
	}
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}
