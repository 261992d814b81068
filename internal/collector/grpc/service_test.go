package grpc

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"google.golang.org/grpc/metadata"

	"github.com/traceforge/cryptoscan/internal/collector/storage"
	"github.com/traceforge/cryptoscan/internal/findingpb"
)

type fakeStore struct {
	scanners  map[string]storage.Scanner
	inserted  []storage.Finding
	insertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{scanners: map[string]storage.Scanner{}}
}

func (f *fakeStore) UpsertScanner(_ context.Context, sc storage.Scanner) (storage.Scanner, error) {
	if existing, ok := f.scanners[sc.Hostname]; ok {
		existing.LastSeen = sc.LastSeen
		f.scanners[sc.Hostname] = existing
		return existing, nil
	}
	f.scanners[sc.Hostname] = sc
	return sc, nil
}

func (f *fakeStore) BatchInsertFindings(_ context.Context, findings []storage.Finding) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, findings...)
	return nil
}

type fakeBroadcaster struct {
	published []storage.Finding
}

func (b *fakeBroadcaster) Publish(f storage.Finding) {
	b.published = append(b.published, f)
}

type fakeStream struct {
	ctx   context.Context
	in    []*findingpb.Finding
	inIdx int
	out   []*findingpb.ServerCommand
}

func (s *fakeStream) Recv() (*findingpb.Finding, error) {
	if s.inIdx >= len(s.in) {
		return nil, io.EOF
	}
	f := s.in[s.inIdx]
	s.inIdx++
	return f, nil
}

func (s *fakeStream) Send(cmd *findingpb.ServerCommand) error {
	s.out = append(s.out, cmd)
	return nil
}

func (s *fakeStream) Context() context.Context { return s.ctx }

// The remaining grpc.ServerStream methods are unused by Service.
func (s *fakeStream) SetHeader(metadata.MD) error  { return nil }
func (s *fakeStream) SendHeader(metadata.MD) error { return nil }
func (s *fakeStream) SetTrailer(metadata.MD)       {}
func (s *fakeStream) SendMsg(m any) error          { return nil }
func (s *fakeStream) RecvMsg(m any) error          { return nil }

func TestRegisterScanner_NewHostnameAssignsID(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, &fakeBroadcaster{}, nil)

	resp, err := svc.RegisterScanner(context.Background(), &findingpb.RegisterRequest{Hostname: "scanner-a", Platform: "linux"})
	if err != nil {
		t.Fatalf("RegisterScanner: %v", err)
	}
	if resp.ScannerID == "" {
		t.Fatal("expected a non-empty scanner_id")
	}
}

func TestRegisterScanner_MissingHostnameFails(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, &fakeBroadcaster{}, nil)

	if _, err := svc.RegisterScanner(context.Background(), &findingpb.RegisterRequest{}); err == nil {
		t.Fatal("expected error when hostname is empty and no mTLS CN present")
	}
}

func TestRegisterScanner_SameHostnameReusesID(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, &fakeBroadcaster{}, nil)
	ctx := context.Background()

	first, err := svc.RegisterScanner(ctx, &findingpb.RegisterRequest{Hostname: "scanner-a"})
	if err != nil {
		t.Fatalf("RegisterScanner (1st): %v", err)
	}
	second, err := svc.RegisterScanner(ctx, &findingpb.RegisterRequest{Hostname: "scanner-a"})
	if err != nil {
		t.Fatalf("RegisterScanner (2nd): %v", err)
	}
	if first.ScannerID != second.ScannerID {
		t.Errorf("re-registering the same hostname changed scanner_id: %q != %q", first.ScannerID, second.ScannerID)
	}
}

func TestHandleFinding_RejectsMissingScannerID(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, &fakeBroadcaster{}, nil)

	err := svc.handleFinding(context.Background(), &findingpb.Finding{DetectorTag: "entropy-diff", ObservedAtUs: time.Now().UnixMicro()})
	if err == nil {
		t.Fatal("expected error for missing scanner_id")
	}
}

func TestHandleFinding_RejectsStaleTimestamp(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, &fakeBroadcaster{}, nil)

	stale := time.Now().Add(-time.Hour).UnixMicro()
	err := svc.handleFinding(context.Background(), &findingpb.Finding{ScannerID: "s1", DetectorTag: "entropy-diff", ObservedAtUs: stale})
	if err == nil {
		t.Fatal("expected error for a finding observed far in the past")
	}
}

func TestHandleFinding_PersistsAndPublishes(t *testing.T) {
	store := newFakeStore()
	bc := &fakeBroadcaster{}
	svc := NewService(store, bc, nil)

	err := svc.handleFinding(context.Background(), &findingpb.Finding{
		ScannerID:    "s1",
		DetectorTag:  "taint-graph",
		CodeAddress:  0x3000,
		ObservedAtUs: time.Now().UnixMicro(),
	})
	if err != nil {
		t.Fatalf("handleFinding: %v", err)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("got %d inserted findings, want 1", len(store.inserted))
	}
	if len(bc.published) != 1 {
		t.Fatalf("got %d published findings, want 1", len(bc.published))
	}
}

func TestStreamFindings_SendsACKPerFinding(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, &fakeBroadcaster{}, nil)

	stream := &fakeStream{
		ctx: context.Background(),
		in: []*findingpb.Finding{
			{ScannerID: "s1", DetectorTag: "entropy-diff", ObservedAtUs: time.Now().UnixMicro()},
			{ScannerID: "s1", DetectorTag: "arithmetic-mix", ObservedAtUs: time.Now().UnixMicro()},
		},
	}

	if err := svc.StreamFindings(stream); err != nil {
		t.Fatalf("StreamFindings: %v", err)
	}
	if len(stream.out) != 2 {
		t.Fatalf("got %d responses, want 2", len(stream.out))
	}
	for _, cmd := range stream.out {
		if cmd.Type != "ACK" {
			t.Errorf("got %q, want ACK", cmd.Type)
		}
	}
}

func TestStreamFindings_SendsErrorForInvalidFinding(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, &fakeBroadcaster{}, nil)

	stream := &fakeStream{
		ctx: context.Background(),
		in:  []*findingpb.Finding{{DetectorTag: "entropy-diff"}}, // missing scanner_id
	}

	if err := svc.StreamFindings(stream); err != nil {
		t.Fatalf("StreamFindings: %v", err)
	}
	if len(stream.out) != 1 || stream.out[0].Type != "ERROR" {
		t.Fatalf("got %+v, want a single ERROR response", stream.out)
	}
}

func TestStreamFindings_PropagatesStoreErrorAsERROR(t *testing.T) {
	store := newFakeStore()
	store.insertErr = errors.New("db unavailable")
	svc := NewService(store, &fakeBroadcaster{}, nil)

	stream := &fakeStream{
		ctx: context.Background(),
		in:  []*findingpb.Finding{{ScannerID: "s1", DetectorTag: "entropy-diff", ObservedAtUs: time.Now().UnixMicro()}},
	}

	if err := svc.StreamFindings(stream); err != nil {
		t.Fatalf("StreamFindings: %v", err)
	}
	if stream.out[0].Type != "ERROR" {
		t.Fatalf("got %q, want ERROR", stream.out[0].Type)
	}
}
