package shmem

import (
	"context"
	"encoding/binary"
	"errors"
	"time"
)

// ErrFull is returned by TrySend when the ring has positive capacity and is
// full.
var ErrFull = errors.New("shmem: ring full")

// pollInterval paces the blocking Send/Recv spin-poll loops that stand in
// for the spec's futex wake (see Ring's doc comment).
const pollInterval = 500 * time.Microsecond

// Send writes frame into the next slot, blocking until there is room
// (capacity is always positive for Ring — capacity-0 "latest-wins" ports
// are handled one layer up by overwriting slot 0 directly via SendNow, spec
// §4.3 "if capacity is 0, overwrite the single slot").
func (r *Ring) Send(ctx context.Context, frame []byte) (seq uint64, err error) {
	for {
		tail := r.tail()
		if int(tail-r.head()) < r.slotCount {
			r.writeSlot(int(tail)%r.slotCount, frame)
			r.setTail(tail + 1)
			return tail, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// SendNow overwrites the single slot for a capacity-0 ring (spec §4.3 "if
// capacity is 0, overwrite the single slot (latest-wins)"). Callers must
// size the ring with slotCount==1 for this discipline.
func (r *Ring) SendNow(frame []byte) (seq uint64) {
	tail := r.tail()
	r.writeSlot(0, frame)
	r.setTail(tail + 1)
	return tail
}

// Recv blocks until a frame is available, returning its sequence number and
// payload.
func (r *Ring) Recv(ctx context.Context) (seq uint64, frame []byte, err error) {
	for {
		head := r.head()
		if head < r.tail() {
			frame = r.readSlot(int(head) % r.slotCount)
			r.setHead(head + 1)
			return head, frame, nil
		}
		select {
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// TryRecv returns immediately with ok=false if no frame is queued.
func (r *Ring) TryRecv() (seq uint64, frame []byte, ok bool) {
	head := r.head()
	if head >= r.tail() {
		return 0, nil, false
	}
	frame = r.readSlot(int(head) % r.slotCount)
	r.setHead(head + 1)
	return head, frame, true
}

func (r *Ring) writeSlot(i int, frame []byte) {
	off := r.slotOffset(i)
	binary.LittleEndian.PutUint32(r.mem[off:off+4], uint32(len(frame)))
	copy(r.mem[off+4:off+4+r.slotSize], frame)
}

func (r *Ring) readSlot(i int) []byte {
	off := r.slotOffset(i)
	n := binary.LittleEndian.Uint32(r.mem[off : off+4])
	buf := make([]byte, n)
	copy(buf, r.mem[off+4:off+4+int(n)])
	return buf
}

// Pending returns the number of frames sent but not yet received — tail -
// head. Retry re-staging does not use it; it works from the LastConsumed
// marker.
func (r *Ring) Pending() uint64 {
	return r.tail() - r.head()
}
