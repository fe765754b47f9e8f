package snownet

import (
	"net/netip"
	"sync"
)

// Transmit is a datagram staged for sending. Src is the local socket to
// send from; a zero Src means any local socket will do. ECN carries the
// two ECN bits to set on the outer IP header, preserved from the inner
// packet where applicable.
type Transmit struct {
	Src     netip.AddrPort
	Dst     netip.AddrPort
	ECN     uint8
	Payload []byte
}

// ringBuffer is a bounded FIFO that drops the oldest entry on overflow.
// Connections use it to hold packets while ICE is still negotiating.
type ringBuffer[T any] struct {
	items    []T
	capacity int
}

func newRingBuffer[T any](capacity int) *ringBuffer[T] {
	return &ringBuffer[T]{capacity: capacity}
}

func (r *ringBuffer[T]) Push(item T) {
	if len(r.items) == r.capacity {
		copy(r.items, r.items[1:])
		r.items[len(r.items)-1] = item
		return
	}
	r.items = append(r.items, item)
}

// Drain returns the buffered items in FIFO order and empties the buffer.
func (r *ringBuffer[T]) Drain() []T {
	items := r.items
	r.items = nil
	return items
}

func (r *ringBuffer[T]) Len() int { return len(r.items) }

// Packet buffers are pooled to avoid a per-packet allocation on the encap
// and decap hot paths. A pulled buffer has a single borrower for the
// duration of one operation; queued transmits copy out of it.
const pooledBufferSize = 1600

var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, pooledBufferSize)
		return &buf
	},
}

func getBuffer() *[]byte  { return bufferPool.Get().(*[]byte) }
func putBuffer(b *[]byte) { bufferPool.Put(b) }
