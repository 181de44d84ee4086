// Package clock implements a Hybrid Logical Clock: a total order over
// events that combines wall-clock time with a logical counter, the way a
// vector or Lamport clock would, but bounded to a single (physical,
// logical) pair per node so timestamps stay comparable across the fabric.
package clock

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/cybersyn/pkg/cyberr"
)

// MaxSkew is the largest wall-clock jump tolerated before now() refuses to
// advance and returns ClockSkew.
const MaxSkew = 30 * time.Second

// Timestamp is a totally-ordered HLC value: lexicographic on
// (Physical, Logical, NodeID).
type Timestamp struct {
	Physical uint64 // milliseconds since epoch
	Logical  uint32
	NodeID   string
}

// Compare returns -1, 0, or 1 the way time.Time.Compare does.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Physical < o.Physical:
		return -1
	case t.Physical > o.Physical:
		return 1
	}
	switch {
	case t.Logical < o.Logical:
		return -1
	case t.Logical > o.Logical:
		return 1
	}
	switch {
	case t.NodeID < o.NodeID:
		return -1
	case t.NodeID > o.NodeID:
		return 1
	}
	return 0
}

// Before reports whether t strictly precedes o.
func (t Timestamp) Before(o Timestamp) bool { return t.Compare(o) < 0 }

// After reports whether t strictly follows o.
func (t Timestamp) After(o Timestamp) bool { return t.Compare(o) > 0 }

// String renders the timestamp as "physical.logical@node".
func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d@%s", t.Physical, t.Logical, t.NodeID)
}

// WallTime converts the physical component back to a time.Time for display.
func (t Timestamp) WallTime() time.Time {
	return time.UnixMilli(int64(t.Physical))
}

// nowMillis is overridable in tests to simulate wall-clock jumps.
var nowMillis = func() uint64 { return uint64(time.Now().UnixMilli()) }

// Clock produces monotonically increasing HLC timestamps for one node.
type Clock struct {
	mu     sync.Mutex
	nodeID string
	last   Timestamp
}

// New creates a Clock for the given node, seeded at the current wall time.
func New(nodeID string) *Clock {
	return &Clock{
		nodeID: nodeID,
		last:   Timestamp{Physical: nowMillis(), Logical: 0, NodeID: nodeID},
	}
}

// Now produces the next timestamp for this node. p = max(wall, last.p); l
// resets to 0 when p advances past last.p, otherwise increments.
func (c *Clock) Now() (Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := nowMillis()
	if c.last.Physical > wall && c.last.Physical-wall > uint64(MaxSkew.Milliseconds()) {
		return Timestamp{}, cyberr.New(cyberr.ClockSkew,
			fmt.Sprintf("wall clock %d ms behind last HLC physical %d ms", wall, c.last.Physical))
	}
	if wall > c.last.Physical && wall-c.last.Physical > uint64(MaxSkew.Milliseconds()) {
		return Timestamp{}, cyberr.New(cyberr.ClockSkew,
			fmt.Sprintf("wall clock jumped %d ms ahead of last HLC physical %d ms", wall-c.last.Physical, c.last.Physical))
	}

	p := c.last.Physical
	if wall > p {
		p = wall
	}
	var l uint32
	if p == c.last.Physical {
		l = c.last.Logical + 1
	} else {
		l = 0
	}

	c.last = Timestamp{Physical: p, Logical: l, NodeID: c.nodeID}
	return c.last, nil
}

// Clamp recovers from a detected ClockSkew by pinning the clock to its last
// known-good timestamp and ticking the logical counter forward, per
// spec.md's "Recoverable by clamping to last HLC" policy.
func (c *Clock) Clamp() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = Timestamp{Physical: c.last.Physical, Logical: c.last.Logical + 1, NodeID: c.nodeID}
	return c.last
}

// Update advances the clock on receipt of a remote timestamp, merging in
// the remote's physical and logical components per the HLC update rule.
func (c *Clock) Update(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := nowMillis()
	p := c.last.Physical
	if wall > p {
		p = wall
	}
	if remote.Physical > p {
		p = remote.Physical
	}

	var l uint32
	switch {
	case p == c.last.Physical && p == remote.Physical:
		l = 1 + max32(c.last.Logical, remote.Logical)
	case p == c.last.Physical:
		l = 1 + c.last.Logical
	case p == remote.Physical:
		l = 1 + remote.Logical
	default:
		l = 0
	}

	c.last = Timestamp{Physical: p, Logical: l, NodeID: c.nodeID}
	return c.last
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
