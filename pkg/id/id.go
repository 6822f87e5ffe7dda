package id

import (
	"sync"
	"time"
)

// Sequence is a per-process monotonically increasing 64-bit value laid out as
// [48 bits ms_timestamp][16 bits counter]. Values produced after a process
// restart are strictly greater than values produced before it, which lets
// peers use a simple high-watermark for deduplication without persisting
// counters.
type Sequence uint64

// Ms returns the millisecond timestamp component.
func (s Sequence) Ms() int64 { return int64(s >> 16) }

// Counter returns the intra-millisecond counter component.
func (s Sequence) Counter() uint16 { return uint16(s) }

// Generator produces monotonically increasing Sequences per process.
type Generator struct {
	mu      sync.Mutex
	lastMs  int64
	counter uint16
}

// NewGenerator creates a new Generator.
func NewGenerator() *Generator { return &Generator{} }

// NowMs returns current time in milliseconds since Unix epoch.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// Next returns a new Sequence. If the clock goes backwards, it reuses lastMs
// and increments the counter. If the counter overflows within the same
// millisecond, it waits for the next ms.
func (g *Generator) Next() Sequence {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := NowMs()
	if ms < g.lastMs {
		ms = g.lastMs
	}
	if ms == g.lastMs {
		if g.counter == 0xFFFF {
			for {
				ms = NowMs()
				if ms > g.lastMs {
					break
				}
				time.Sleep(time.Millisecond / 8)
			}
			g.counter = 0
		} else {
			g.counter++
		}
	} else {
		g.counter = 0
	}
	g.lastMs = ms
	return Sequence(uint64(ms)<<16 | uint64(g.counter))
}
