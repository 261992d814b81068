package detect

import (
	"fmt"
	"math"

	"github.com/traceforge/cryptoscan/internal/trace"
)

// entropyDiffThreshold gates the diff finding (§4.6); entropyMinSamples is
// the minimum byte-map size below which entropy is defined to be zero
// rather than computed (§7 LogicWarning: "N < 100 in entropy (return 0 and
// continue)"). Both are the zero-value fallback in DefaultEntropyConfig.
const (
	entropyDiffThreshold = 0.3
	entropyMinSamples    = 100
)

// EntropyConfig carries Entropy's tunable thresholds.
type EntropyConfig struct {
	DiffThreshold float64
	MinSamples    int
}

// DefaultEntropyConfig returns the reference thresholds from spec.md §4.6.
func DefaultEntropyConfig() EntropyConfig {
	return EntropyConfig{DiffThreshold: entropyDiffThreshold, MinSamples: entropyMinSamples}
}

type entropyFrame struct {
	eip    uint32
	before map[uint32]byte
	after  map[uint32]byte
	// depth is a nesting high-water mark: on return, it is pushed into the
	// parent as depth+1 if that exceeds the parent's own depth. Starts at 1
	// per frame, matching the reference's depth_stack.append(1).
	depth int
}

func newEntropyFrame(eip uint32) *entropyFrame {
	return &entropyFrame{eip: eip, before: map[uint32]byte{}, after: map[uint32]byte{}, depth: 1}
}

// Entropy computes per-call-frame before/after byte histograms and emits a
// finding when a frame's observed memory flips from high-entropy input to
// low-entropy (or vice versa) output — the signature of a bulk
// encode/decode pass (C6).
type Entropy struct {
	sink  Sink
	stack *frameStack[*entropyFrame]
	cfg   EntropyConfig
}

// NewEntropy returns an Entropy detector delivering to sink, using the
// thresholds in cfg.
func NewEntropy(sink Sink, cfg EntropyConfig) *Entropy {
	return &Entropy{sink: sink, stack: newFrameStack(newEntropyFrame(0)), cfg: cfg}
}

func (d *Entropy) Feed(ev trace.Event) {
	switch e := ev.(type) {
	case trace.MemoryAccess:
		frame := d.stack.current()
		expandBytes(e.Address, e.Value, e.SizeBits, func(addr uint32, b byte) {
			if e.IsWrite {
				frame.after[addr] = b
			} else {
				frame.before[addr] = b
			}
		})
	case trace.Function:
		if e.Kind == trace.Call {
			d.stack.push(newEntropyFrame(e.EIP))
		} else {
			d.onReturn()
		}
	}
}

func (d *Entropy) onReturn() {
	self, popped := d.stack.pop()
	if !popped {
		return
	}
	parent := d.stack.current()
	if self.depth+1 > parent.depth {
		parent.depth = self.depth + 1
	}

	if self.depth > 3 || len(self.before) == 0 || len(self.after) <= 16 {
		return
	}

	hBefore := shannonEntropy(self.before, d.cfg.MinSamples)
	hAfter := shannonEntropy(self.after, d.cfg.MinSamples)

	if hBefore > 0.5 && hAfter > 0.5 && math.Abs(hBefore-hAfter) > d.cfg.DiffThreshold {
		diff := math.Abs(hBefore - hAfter)
		d.sink(trace.Finding{
			DetectorTag: "entropy-differential",
			CodeAddress: self.eip,
			MetricName:  "entropy_diff",
			MetricValue: diff,
			Note:        fmt.Sprintf("Entropy - diff: %v, 0x%x", diff, self.eip),
		})
	}
	if hBefore > 0 {
		d.sink(trace.Finding{
			DetectorTag: "entropy-differential",
			CodeAddress: self.eip,
			MetricName:  "entropy_before",
			MetricValue: hBefore,
			Note:        fmt.Sprintf("Entropy - before: %v, 0x%x", hBefore, self.eip),
		})
	}
	if hAfter > 0 {
		d.sink(trace.Finding{
			DetectorTag: "entropy-differential",
			CodeAddress: self.eip,
			MetricName:  "entropy_after",
			MetricValue: hAfter,
			Note:        fmt.Sprintf("Entropy - after: %v, 0x%x", hAfter, self.eip),
		})
	}
}

// shannonEntropy computes the Shannon entropy of the byte-value multiset
// held in m, scaled into [0,1] by dividing by log2(min(len(m), 256)). Bins
// with zero count are skipped rather than computing log2(0) (§9 open
// question).
func shannonEntropy(m map[uint32]byte, minSamples int) float64 {
	n := len(m)
	if n < minSamples {
		return 0.0
	}

	var histogram [256]int
	for _, b := range m {
		histogram[b]++
	}

	var sum float64
	for _, count := range histogram {
		if count == 0 {
			continue
		}
		p := float64(count) / float64(n)
		sum += p * math.Log2(p)
	}

	scale := math.Log2(math.Min(float64(n), 256))
	if scale == 0 {
		return 0.0
	}
	return -sum / scale
}
