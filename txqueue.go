package fastboot

import "github.com/kernelflinger/fastbootd/fberr"

// FrameSize is the fixed size of every reply frame on the wire.
const FrameSize = 64

// codeLength is len("INFO") == len("OKAY") == len("FAIL") == len("DATA").
const codeLength = 4

// infoPayloadSize is the remaining bytes in a frame after the 4-byte code.
const infoPayloadSize = FrameSize - codeLength

// txQueue is a fixed-capacity ring buffer of 64-byte reply frames: bounded
// memory, no allocator pressure on the hot reply path, and the frame-size
// invariant becomes structural rather than convention (DESIGN.md).
type txQueue struct {
	frames   [][FrameSize]byte
	head     int
	len      int
	capacity int
}

// newTxQueue returns an empty queue with room for capacity frames. A
// session's TX queue only ever holds the INFO backlog for one in-flight
// command, so a modest fixed capacity bounds memory without needing growth.
func newTxQueue(capacity int) *txQueue {
	return &txQueue{frames: make([][FrameSize]byte, capacity), capacity: capacity}
}

func (q *txQueue) empty() bool { return q.len == 0 }

func (q *txQueue) push(frame [FrameSize]byte) error {
	if q.len == q.capacity {
		return fberr.New(fberr.OutOfMemory, "tx queue full")
	}
	idx := (q.head + q.len) % q.capacity
	q.frames[idx] = frame
	q.len++
	return nil
}

// pop removes and returns the oldest frame. Replies must be observed by
// the host in the order they were emitted, so this is strict FIFO.
func (q *txQueue) pop() ([FrameSize]byte, bool) {
	if q.len == 0 {
		return [FrameSize]byte{}, false
	}
	frame := q.frames[q.head]
	q.head = (q.head + 1) % q.capacity
	q.len--
	return frame, true
}

// buildFrame formats a 64-byte reply frame: 4-byte code + up to 60 bytes of
// payload, truncated and space-padded.
func buildFrame(code string, payload string) [FrameSize]byte {
	var frame [FrameSize]byte
	copy(frame[:codeLength], code)
	if len(payload) > infoPayloadSize {
		payload = payload[:infoPayloadSize]
	}
	copy(frame[codeLength:], payload)
	for i := codeLength + len(payload); i < FrameSize; i++ {
		frame[i] = ' '
	}
	return frame
}
