package detect

import (
	"fmt"
	"sort"

	"github.com/traceforge/cryptoscan/internal/trace"
)

// Tunables fixed by the reference implementation (§4.7); the zero-value
// fallback in DefaultTaintConfig.
const (
	taintThreshold     = 3 // minimum density quotient
	taintNeighborhood  = 8
	taintNeededEdges   = 8
	taintMinBlockSize  = 4 // block-extraction survival floor
	taintEmitBlockSize = 8 // final emit-gate floor, stricter than extraction
)

// TaintConfig carries Taint's tunable thresholds.
type TaintConfig struct {
	Threshold     int
	Neighborhood  int
	NeededEdges   int
	MinBlockSize  int
	EmitBlockSize int
}

// DefaultTaintConfig returns the reference thresholds from spec.md §4.7.
func DefaultTaintConfig() TaintConfig {
	return TaintConfig{
		Threshold:     taintThreshold,
		Neighborhood:  taintNeighborhood,
		NeededEdges:   taintNeededEdges,
		MinBlockSize:  taintMinBlockSize,
		EmitBlockSize: taintEmitBlockSize,
	}
}

type direction uint8

const (
	dirNone direction = iota
	dirRead
	dirWrite
)

type taintFrame struct {
	eip          uint32
	graph        map[uint32]map[uint32]struct{} // read/write-addr -> out-edges
	accessCounts map[uint32]uint32
}

func newTaintFrame(eip uint32) *taintFrame {
	return &taintFrame{
		eip:          eip,
		graph:        map[uint32]map[uint32]struct{}{},
		accessCounts: map[uint32]uint32{},
	}
}

// Taint builds a per-call-frame read→write adjacency graph from memory
// accesses and, on return, looks for a dense contiguous address cluster —
// the signature of a table-driven transform such as an S-box substitution
// (C7). It is the most intricate of the three detectors.
type Taint struct {
	sink  Sink
	stack *frameStack[*taintFrame]

	// pendingReads/pendingWrites are a buffer shared across the whole frame
	// stack, not scoped to any one frame: they accumulate addresses within
	// a phase (a maximal run of same-direction memory events) and are
	// flushed into whichever frame is current at the moment of the flush.
	pendingReads  map[uint32]struct{}
	pendingWrites map[uint32]struct{}
	phase         direction
	cfg           TaintConfig
}

// NewTaint returns a Taint detector delivering to sink, using the
// thresholds in cfg.
func NewTaint(sink Sink, cfg TaintConfig) *Taint {
	return &Taint{
		sink:          sink,
		stack:         newFrameStack(newTaintFrame(0)),
		pendingReads:  map[uint32]struct{}{},
		pendingWrites: map[uint32]struct{}{},
		cfg:           cfg,
	}
}

func (d *Taint) Feed(ev trace.Event) {
	switch e := ev.(type) {
	case trace.MemoryAccess:
		d.onMemoryAccess(e)
	case trace.Function:
		if e.Kind == trace.Call {
			d.flushEdges()
			d.stack.push(newTaintFrame(e.EIP))
		} else {
			d.flushEdges()
			self, popped := d.stack.pop()
			if popped {
				d.analyze(self)
			}
		}
	}
}

func (d *Taint) onMemoryAccess(e trace.MemoryAccess) {
	dir := dirRead
	if e.IsWrite {
		dir = dirWrite
	}
	if d.phase == dirWrite && dir == dirRead {
		d.flushEdges()
	}
	d.phase = dir

	frame := d.stack.current()
	expandBytes(e.Address, e.Value, e.SizeBits, func(addr uint32, _ byte) {
		frame.accessCounts[addr]++
		if e.IsWrite {
			d.pendingWrites[addr] = struct{}{}
		} else {
			d.pendingReads[addr] = struct{}{}
		}
	})
}

// flushEdges connects every pending read to every pending write in the
// current frame's graph, then clears both buffers. If either buffer is
// empty the nested pairing loop below never executes — matching the
// reference's create_edges, a lone read or lone write with nothing to pair
// against contributes no graph entry at all.
func (d *Taint) flushEdges() {
	if len(d.pendingReads) != 0 && len(d.pendingWrites) != 0 {
		frame := d.stack.current()
		for r := range d.pendingReads {
			if frame.graph[r] == nil {
				frame.graph[r] = map[uint32]struct{}{}
			}
			for w := range d.pendingWrites {
				if frame.graph[w] == nil {
					frame.graph[w] = map[uint32]struct{}{}
				}
				frame.graph[r][w] = struct{}{}
			}
		}
	}
	d.pendingReads = map[uint32]struct{}{}
	d.pendingWrites = map[uint32]struct{}{}
}

func (d *Taint) analyze(frame *taintFrame) {
	blocks := extractBlocks(frame.graph, d.cfg)

	var bestQ int
	var bestBlock []uint32
	found := false
	for _, block := range blocks {
		q := blockDensity(frame.graph, block)
		if !found || q > bestQ {
			bestQ, bestBlock, found = q, block, true
		}
	}
	if !found {
		return
	}

	// bestQ itself stays the integer quotient blockDensity returns (it is
	// formatted with %d as the finding's metric value), but this emit-gate
	// comparison against 2/3 of the block size must use true division: the
	// reference computes this bound as a float, not a truncated integer.
	if bestQ >= d.cfg.Threshold && float64(bestQ) >= float64(2*len(bestBlock))/3 && len(bestBlock) >= d.cfg.EmitBlockSize {
		accesses := 0
		for _, addr := range bestBlock {
			accesses += int(frame.accessCounts[addr])
		}
		d.sink(trace.Finding{
			DetectorTag: "taint-graph",
			CodeAddress: frame.eip,
			MetricName:  "quotient",
			MetricValue: float64(bestQ),
			Note: fmt.Sprintf("Taint - Graph size: %d Quotient: %d, Accesses in Block: %d,0x%x",
				len(bestBlock), bestQ, accesses, frame.eip),
		})
	}
}

// extractBlocks walks the sorted graph keys, accreting a contiguous run
// while each new key is exactly prev+1 and has at least cfg.NeededEdges
// out-edges landing strictly less than cfg.Neighborhood away from itself.
// Runs shorter than
// cfg.MinBlockSize are discarded (§4.7 step 2).
func extractBlocks(graph map[uint32]map[uint32]struct{}, cfg TaintConfig) [][]uint32 {
	keys := make([]uint32, 0, len(graph))
	for k := range graph {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var blocks [][]uint32
	var cur []uint32
	for _, key := range keys {
		if len(cur) != 0 {
			prev := cur[len(cur)-1]
			contiguous := prev+1 == key
			dense := nearbyEdgeCount(graph[key], key, cfg.Neighborhood) >= cfg.NeededEdges
			if !contiguous || !dense {
				blocks = append(blocks, cur)
				cur = nil
			}
		}
		cur = append(cur, key)
	}
	if len(cur) > 0 {
		blocks = append(blocks, cur)
	}

	result := blocks[:0]
	for _, b := range blocks {
		if len(b) >= cfg.MinBlockSize {
			result = append(result, b)
		}
	}
	return result
}

func nearbyEdgeCount(targets map[uint32]struct{}, key uint32, neighborhood int) int {
	n := 0
	for w := range targets {
		if absDiffU32(key, w) < uint32(neighborhood) {
			n++
		}
	}
	return n
}

func absDiffU32(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

// blockDensity computes q = (# ordered pairs (i,j), i != j, j in
// graph[i]) / |block|, restricted to i,j both in block, using integer
// division to preserve the reference's exact quotient semantics (§9: "do
// not silently resolve" the int-vs-float distinction).
func blockDensity(graph map[uint32]map[uint32]struct{}, block []uint32) int {
	inBlock := make(map[uint32]struct{}, len(block))
	for _, k := range block {
		inBlock[k] = struct{}{}
	}

	edges := 0
	for _, i := range block {
		for j := range graph[i] {
			if j == i {
				continue
			}
			if _, ok := inBlock[j]; ok {
				edges++
			}
		}
	}
	return edges / len(block)
}
