package detect

import (
	"fmt"

	"github.com/traceforge/cryptoscan/internal/trace"
)

// Symmetric- and asymmetric-cipher ratio thresholds (§4.5), used as the
// zero-value fallback in DefaultArithmeticConfig.
const (
	symmetricMinTotal        = 20
	symmetricRatioThreshold  = 0.40
	asymmetricMinTotal       = 10
	asymmetricRatioThreshold = 0.10
)

// ArithmeticConfig carries ArithmeticMix's tunable thresholds.
type ArithmeticConfig struct {
	SymmetricMinTotal        int
	SymmetricRatioThreshold  float64
	AsymmetricMinTotal       int
	AsymmetricRatioThreshold float64
}

// DefaultArithmeticConfig returns the reference thresholds from spec.md §4.5.
func DefaultArithmeticConfig() ArithmeticConfig {
	return ArithmeticConfig{
		SymmetricMinTotal:        symmetricMinTotal,
		SymmetricRatioThreshold:  symmetricRatioThreshold,
		AsymmetricMinTotal:       asymmetricMinTotal,
		AsymmetricRatioThreshold: asymmetricRatioThreshold,
	}
}

// ArithmeticMix classifies translated basic blocks as symmetric- or
// asymmetric-cipher-like based on the mix of bitwise/arithmetic instruction
// classes relative to the block's non-mov instruction count (C5). Its
// decisions are purely per-block; the call stack it tracks exists only so a
// future refinement can attribute findings to a call chain, not a single
// frame.
type ArithmeticMix struct {
	sink  Sink
	stack *frameStack[uint32]
	cfg   ArithmeticConfig
}

// NewArithmeticMix returns an ArithmeticMix detector delivering to sink,
// using the thresholds in cfg.
func NewArithmeticMix(sink Sink, cfg ArithmeticConfig) *ArithmeticMix {
	return &ArithmeticMix{sink: sink, stack: newFrameStack[uint32](0), cfg: cfg}
}

func (d *ArithmeticMix) Feed(ev trace.Event) {
	switch e := ev.(type) {
	case trace.Function:
		if e.Kind == trace.Call {
			d.stack.push(e.EIP)
		} else {
			d.stack.pop()
		}
	case trace.BblTranslate:
		d.analyze(e)
	}
}

func (d *ArithmeticMix) analyze(b trace.BblTranslate) {
	denom := int64(b.TotalCount) - int64(b.MovCount)
	if denom <= 0 {
		return
	}

	if int(b.TotalCount) >= d.cfg.SymmetricMinTotal {
		q := ratio(b.Instructions, denom, trace.InsnXor, trace.InsnShx, trace.InsnAnd, trace.InsnOr, trace.InsnRox)
		if q >= d.cfg.SymmetricRatioThreshold {
			d.sink(trace.Finding{
				DetectorTag: "arithmetic-mix",
				CodeAddress: b.Addr,
				MetricName:  "symmetric_ratio",
				MetricValue: q,
				Note:        fmt.Sprintf("Detected Symmetric cipher: 0x%x, percentage: %v", b.Addr, q),
			})
		}
	}

	if int(b.TotalCount) >= d.cfg.AsymmetricMinTotal {
		q := ratio(b.Instructions, denom, trace.InsnMul, trace.InsnDiv, trace.InsnAdd)
		if q >= d.cfg.AsymmetricRatioThreshold {
			d.sink(trace.Finding{
				DetectorTag: "arithmetic-mix",
				CodeAddress: b.Addr,
				MetricName:  "asymmetric_ratio",
				MetricValue: q,
				Note:        fmt.Sprintf("Detected Asymmetric cipher: 0x%x, percentage: %v", b.Addr, q),
			})
		}
	}
}

func ratio(instructions []trace.InsnClass, denom int64, classes ...trace.InsnClass) float64 {
	match := 0
	for _, insn := range instructions {
		for _, c := range classes {
			if insn == c {
				match++
				break
			}
		}
	}
	return float64(match) / float64(denom)
}
