package gain

import (
	"encoding/binary"
	"math"
	"sync/atomic"
)

// Node is the gain stage of a tab graph. The multiplier is read once per
// buffer by the audio callback and may be replaced from any goroutine.
type Node struct {
	percent atomic.Int32
	bits    atomic.Uint64
}

func newNode(percent int) *Node {
	n := &Node{}
	n.Set(percent)
	return n
}

// Set clamps percent and applies it immediately.
func (n *Node) Set(percent int) int {
	percent = ClampPercent(percent)
	n.percent.Store(int32(percent))
	n.bits.Store(math.Float64bits(Multiplier(percent)))
	return percent
}

func (n *Node) Percent() int { return int(n.percent.Load()) }

func (n *Node) Value() float64 { return math.Float64frombits(n.bits.Load()) }

// Apply scales S16LE samples from src into dst with saturation. dst must be
// at least len(src) bytes; a trailing odd byte is copied through.
func (n *Node) Apply(dst, src []byte) {
	g := n.Value()
	i := 0
	for ; i+1 < len(src); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(src[i:])))
		v := s * g
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(dst[i:], uint16(int16(v)))
	}
	if i < len(src) {
		dst[i] = src[i]
	}
}
