package trace_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/traceforge/cryptoscan/internal/trace"
)

func TestDecoder_EmptyDump(t *testing.T) {
	dec := trace.NewDecoder(bytes.NewReader(nil))
	ev, err := dec.Next()
	if !errors.Is(err, io.EOF) {
		t.Fatalf("Next() on empty dump: got err=%v, want io.EOF", err)
	}
	if ev != nil {
		t.Fatalf("Next() on empty dump: got event %#v, want nil", ev)
	}
}

func TestDecoder_TruncatedRecord(t *testing.T) {
	// tag 0 (MemoryAccess) followed by a single body byte: truncated.
	dec := trace.NewDecoder(bytes.NewReader([]byte{0x00, 0x01}))
	_, err := dec.Next()
	var truncated *trace.TruncatedRecordError
	if !errors.As(err, &truncated) {
		t.Fatalf("Next() on truncated record: got err=%v, want *TruncatedRecordError", err)
	}
}

func TestDecoder_UnknownTag(t *testing.T) {
	dec := trace.NewDecoder(bytes.NewReader([]byte{0xff}))
	_, err := dec.Next()
	var unknown *trace.UnknownTagError
	if !errors.As(err, &unknown) {
		t.Fatalf("Next() on unknown tag: got err=%v, want *UnknownTagError", err)
	}
	if unknown.Tag != 0xff {
		t.Errorf("UnknownTagError.Tag = %#x, want 0xff", unknown.Tag)
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	events := []trace.Event{
		trace.MemoryAccess{Address: 0x1000, Value: 0xdeadbeef, SizeBits: 32, IsWrite: true},
		trace.MemoryAccess{Address: 0x2000, Value: 0xab, SizeBits: 8, IsWrite: false},
		trace.Function{EIP: 0x4010, Kind: trace.Call},
		trace.Function{EIP: 0x4010, Kind: trace.Return},
		trace.BblExec{Addr: 0x4010},
		trace.BblTranslate{
			Addr:         0x4010,
			Instructions: []trace.InsnClass{trace.InsnXor, trace.InsnMov, trace.InsnMul, trace.InsnOther},
			TotalCount:   20,
			MovCount:     5,
		},
		trace.BblTranslate{Addr: 0x5000, Instructions: nil, TotalCount: 0, MovCount: 0},
	}

	var buf bytes.Buffer
	enc := trace.NewEncoder(&buf)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			t.Fatalf("Encode(%#v): %v", ev, err)
		}
	}

	dec := trace.NewDecoder(&buf)
	var got []trace.Event
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next(): %v", err)
		}
		got = append(got, ev)
	}

	if len(got) != len(events) {
		t.Fatalf("round-trip produced %d events, want %d", len(got), len(events))
	}
	for i := range events {
		assertEventsEqual(t, i, events[i], got[i])
	}
}

func assertEventsEqual(t *testing.T, i int, want, got trace.Event) {
	t.Helper()
	switch w := want.(type) {
	case trace.MemoryAccess:
		g, ok := got.(trace.MemoryAccess)
		if !ok || g != w {
			t.Errorf("event[%d]: got %#v, want %#v", i, got, want)
		}
	case trace.Function:
		g, ok := got.(trace.Function)
		if !ok || g != w {
			t.Errorf("event[%d]: got %#v, want %#v", i, got, want)
		}
	case trace.BblExec:
		g, ok := got.(trace.BblExec)
		if !ok || g != w {
			t.Errorf("event[%d]: got %#v, want %#v", i, got, want)
		}
	case trace.BblTranslate:
		g, ok := got.(trace.BblTranslate)
		if !ok {
			t.Errorf("event[%d]: got %#v, want BblTranslate", i, got)
			return
		}
		if g.Addr != w.Addr || g.TotalCount != w.TotalCount || g.MovCount != w.MovCount {
			t.Errorf("event[%d]: got %#v, want %#v", i, g, w)
		}
		if len(g.Instructions) != len(w.Instructions) {
			t.Errorf("event[%d]: instruction count got %d, want %d", i, len(g.Instructions), len(w.Instructions))
			return
		}
		for j := range w.Instructions {
			if g.Instructions[j] != w.Instructions[j] {
				t.Errorf("event[%d].Instructions[%d] = %v, want %v", i, j, g.Instructions[j], w.Instructions[j])
			}
		}
	default:
		t.Fatalf("event[%d]: unhandled type %T in test", i, want)
	}
}

func TestInsnClass_UnknownFoldsToOther(t *testing.T) {
	// Hand-build a BblTranslate record (tag, icount=1, total=20, mov=0,
	// addr=0x9000, one instruction id = 999) since 999 does not fit in the
	// InsnClass enum and Encoder only ever emits known classes.
	var buf bytes.Buffer
	buf.WriteByte(0x03)
	for _, v := range []uint32{1, 20, 0, 0x9000, 999} {
		var b [4]byte
		b[0] = byte(v)
		b[1] = byte(v >> 8)
		b[2] = byte(v >> 16)
		b[3] = byte(v >> 24)
		buf.Write(b[:])
	}

	dec := trace.NewDecoder(&buf)
	got, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	b, ok := got.(trace.BblTranslate)
	if !ok {
		t.Fatalf("got %T, want BblTranslate", got)
	}
	if len(b.Instructions) != 1 || b.Instructions[0] != trace.InsnOther {
		t.Errorf("unknown instruction class did not fold to InsnOther: got %v", b.Instructions)
	}
}
