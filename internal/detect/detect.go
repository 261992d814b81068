// Package detect implements the heuristic detectors that consume a
// [trace.Event] stream and emit [trace.Finding] values: Arithmetic-mix,
// Entropy-differential, and Taint-graph clustering, plus a pass-through
// detector for text log files.
//
// Every detector implements the same narrow contract (C4): Feed never
// fails. Numeric or structural anomalies — division by zero, a Return
// underflowing the call stack, an unrecognized instruction class — are
// tolerated silently and simply produce no finding.
package detect

import "github.com/traceforge/cryptoscan/internal/trace"

// Sink receives every finding a detector emits, in emission order.
type Sink func(trace.Finding)

// Detector consumes one event at a time. A fresh instance is created per
// dump file; detectors hold no state shared across files.
type Detector interface {
	Feed(ev trace.Event)
}

// PassThrough forwards each LogEvent's text verbatim as a finding. It gives
// *.log files the same Detector shape as the three dump-file detectors so a
// driver can treat every input file uniformly (C3, C8).
type PassThrough struct {
	sink Sink
}

// NewPassThrough returns a PassThrough detector delivering to sink.
func NewPassThrough(sink Sink) *PassThrough {
	return &PassThrough{sink: sink}
}

func (d *PassThrough) Feed(ev trace.Event) {
	le, ok := ev.(trace.LogEvent)
	if !ok {
		return
	}
	d.sink(trace.Finding{DetectorTag: "log", Note: le.Text})
}
