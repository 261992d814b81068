package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the number of buffered findings that triggers an
	// immediate flush.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often buffered findings are flushed even
	// if DefaultBatchSize has not been reached.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Store is a PostgreSQL-backed persistence layer for scanners and findings.
// Findings are buffered and flushed in batches to amortise round trips
// during a burst of detector output; Scanner upserts go straight through,
// since RegisterScanner calls are comparatively rare.
type Store struct {
	pool *pgxpool.Pool

	mu            sync.Mutex
	batch         []Finding
	batchSize     int
	flushInterval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// New opens a connection pool to connStr, verifies it with a ping, and
// starts the background flush loop.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the flush loop, flushes any buffered findings, and closes the
// pool. Safe to call more than once.
func (s *Store) Close(ctx context.Context) error {
	select {
	case <-s.stopCh:
		// already closed
	default:
		close(s.stopCh)
		<-s.doneCh
	}
	err := s.Flush(ctx)
	s.pool.Close()
	return err
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = s.Flush(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// BatchInsertFindings appends findings to the in-memory buffer, flushing
// synchronously if the buffer has reached batchSize.
func (s *Store) BatchInsertFindings(ctx context.Context, findings []Finding) error {
	s.mu.Lock()
	s.batch = append(s.batch, findings...)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush writes any buffered findings to PostgreSQL in a single pipelined
// batch. Findings sharing a primary key conflict (none currently possible
// since ID is auto-assigned) are skipped via ON CONFLICT DO NOTHING, mirroring
// the collector's at-least-once delivery tolerance.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	pending := s.batch
	s.batch = nil
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, f := range pending {
		batch.Queue(
			`INSERT INTO findings (scanner_id, source_file, detector_tag, code_address, metric_name, metric_value, note, observed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT DO NOTHING`,
			f.ScannerID, f.SourceFile, f.DetectorTag, f.CodeAddress, f.MetricName, f.MetricValue, f.Note, f.ObservedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range pending {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("storage: flush: %w", err)
		}
	}
	return nil
}

// QueryFindings returns findings matching q, newest first, honoring Limit
// (default 100) and Offset for pagination.
func (s *Store) QueryFindings(ctx context.Context, q FindingQuery) ([]Finding, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	clauses := "WHERE 1=1"
	args := []any{}
	argn := 0

	next := func(v any) string {
		argn++
		args = append(args, v)
		return fmt.Sprintf("$%d", argn)
	}

	if q.ScannerID != "" {
		clauses += fmt.Sprintf(" AND scanner_id = %s", next(q.ScannerID))
	}
	if q.DetectorTag != "" {
		clauses += fmt.Sprintf(" AND detector_tag = %s", next(q.DetectorTag))
	}
	if !q.Since.IsZero() {
		clauses += fmt.Sprintf(" AND observed_at >= %s", next(q.Since))
	}
	if !q.Until.IsZero() {
		clauses += fmt.Sprintf(" AND observed_at <= %s", next(q.Until))
	}

	query := fmt.Sprintf(
		`SELECT id, scanner_id, source_file, detector_tag, code_address, metric_name, metric_value, note, observed_at
		 FROM findings %s
		 ORDER BY observed_at DESC, id DESC
		 LIMIT %s OFFSET %s`,
		clauses, next(limit), next(q.Offset),
	)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query findings: %w", err)
	}
	defer rows.Close()

	var out []Finding
	for rows.Next() {
		var f Finding
		if err := rows.Scan(&f.ID, &f.ScannerID, &f.SourceFile, &f.DetectorTag, &f.CodeAddress,
			&f.MetricName, &f.MetricValue, &f.Note, &f.ObservedAt); err != nil {
			return nil, fmt.Errorf("storage: scan finding: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpsertScanner inserts scanner, or updates last_seen and returns the
// existing scanner_id when hostname already has a registration.
func (s *Store) UpsertScanner(ctx context.Context, sc Scanner) (Scanner, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO scanners (scanner_id, hostname, platform, scanner_version, first_seen, last_seen)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (hostname) DO UPDATE
		   SET last_seen = $5, platform = $3, scanner_version = $4
		 RETURNING scanner_id, hostname, platform, scanner_version, first_seen, last_seen`,
		sc.ScannerID, sc.Hostname, sc.Platform, sc.ScannerVersion, sc.LastSeen,
	)

	var out Scanner
	if err := row.Scan(&out.ScannerID, &out.Hostname, &out.Platform, &out.ScannerVersion, &out.FirstSeen, &out.LastSeen); err != nil {
		return Scanner{}, fmt.Errorf("storage: upsert scanner: %w", err)
	}
	return out, nil
}

// GetScanner looks up a scanner by ID. It returns pgx.ErrNoRows when absent.
func (s *Store) GetScanner(ctx context.Context, scannerID string) (Scanner, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT scanner_id, hostname, platform, scanner_version, first_seen, last_seen
		 FROM scanners WHERE scanner_id = $1`, scannerID)

	var out Scanner
	if err := row.Scan(&out.ScannerID, &out.Hostname, &out.Platform, &out.ScannerVersion, &out.FirstSeen, &out.LastSeen); err != nil {
		return Scanner{}, fmt.Errorf("storage: get scanner: %w", err)
	}
	return out, nil
}

// ListScanners returns every registered scanner, most recently seen first.
func (s *Store) ListScanners(ctx context.Context) ([]Scanner, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT scanner_id, hostname, platform, scanner_version, first_seen, last_seen
		 FROM scanners ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list scanners: %w", err)
	}
	defer rows.Close()

	var out []Scanner
	for rows.Next() {
		var sc Scanner
		if err := rows.Scan(&sc.ScannerID, &sc.Hostname, &sc.Platform, &sc.ScannerVersion, &sc.FirstSeen, &sc.LastSeen); err != nil {
			return nil, fmt.Errorf("storage: scan scanner: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
