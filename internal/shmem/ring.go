// Package shmem implements the subprocess agent transport: a memfd-backed
// mapping shared between parent and child, laid out as an init-state block
// plus two fixed-capacity single-producer/single-consumer rings (spec §4.3
// "Shared-memory IPC"). Values are framed with a length prefix rather than
// laid out as internally-pointered zero-copy views — the spec names this as
// an acceptable alternative to in-place zero-copy serialization, and it
// keeps the transport expressible without package unsafe.
package shmem

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Region is one mmap'd shared-memory segment: an init-state block the child
// reads once, and two rings (input: parent→child, output: child→parent).
type Region struct {
	file *os.File
	data []byte

	initSize  int
	ring1Off  int
	ring1Size int
	ring2Off  int
	ring2Size int
}

const controlHeaderSize = 32 // head, tail, lastConsumed (uint64 each); bytes 24..32 unused

// Layout computes the total byte size of a region holding an init-state
// block of initSize bytes plus two rings of slotCount slots of slotSize
// bytes each (spec §4.3 layout table: init-state, input ring, output ring,
// control — control is folded into each ring's header here).
func Layout(initSize, slotSize, slotCount int) (total int) {
	ringBytes := controlHeaderSize + slotCount*(4+slotSize)
	return initSize + 2*ringBytes
}

// Create allocates an anonymous memfd-backed region big enough for the
// given layout and zero-fills it. The returned Region's file descriptor is
// inheritable by a child process via ExtraFiles.
func Create(initSize, slotSize, slotCount int) (*Region, error) {
	fd, err := unix.MemfdCreate("orbcore-agent-shmem", 0)
	if err != nil {
		return nil, fmt.Errorf("shmem: memfd_create: %w", err)
	}
	file := os.NewFile(uintptr(fd), "orbcore-agent-shmem")

	ringBytes := controlHeaderSize + slotCount*(4+slotSize)
	total := initSize + 2*ringBytes
	if err := file.Truncate(int64(total)); err != nil {
		file.Close()
		return nil, fmt.Errorf("shmem: truncate: %w", err)
	}
	return open(file, initSize, ringBytes)
}

// Attach maps a region previously created by Create, given the inherited
// file descriptor (the child reads this from its ORB_CORE_PROCESS_SHMEM
// environment variable).
func Attach(fd int, initSize, slotSize, slotCount int) (*Region, error) {
	file := os.NewFile(uintptr(fd), "orbcore-agent-shmem")
	ringBytes := controlHeaderSize + slotCount*(4+slotSize)
	return open(file, initSize, ringBytes)
}

func open(file *os.File, initSize, ringBytes int) (*Region, error) {
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shmem: stat: %w", err)
	}
	data, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shmem: mmap: %w", err)
	}
	return &Region{
		file:      file,
		data:      data,
		initSize:  initSize,
		ring1Off:  initSize,
		ring1Size: ringBytes,
		ring2Off:  initSize + ringBytes,
		ring2Size: ringBytes,
	}, nil
}

// FD returns the underlying file descriptor, to be passed to a child via
// exec.Cmd.ExtraFiles.
func (r *Region) FD() uintptr { return r.file.Fd() }

// File returns the backing file for inheritance via exec.Cmd.ExtraFiles.
func (r *Region) File() *os.File { return r.file }

// InitState returns the init-state block for writing (parent) or reading
// (child) the serialized initial agent configuration.
func (r *Region) InitState() []byte { return r.data[:r.initSize] }

// InputRing returns the parent→child ring (parent is producer).
func (r *Region) InputRing(slotSize, slotCount int) *Ring {
	return newRing(r.data[r.ring1Off:r.ring1Off+r.ring1Size], slotSize, slotCount)
}

// OutputRing returns the child→parent ring (child is producer).
func (r *Region) OutputRing(slotSize, slotCount int) *Ring {
	return newRing(r.data[r.ring2Off:r.ring2Off+r.ring2Size], slotSize, slotCount)
}

// Close unmaps the region and closes its file descriptor.
func (r *Region) Close() error {
	if err := unix.Munmap(r.data); err != nil {
		return err
	}
	return r.file.Close()
}

// Ring is a fixed-capacity single-producer/single-consumer ring of
// length-prefixed frames over a mmap'd byte slice (spec §4.3 "input ring" /
// "output ring"). The control header (head/tail/lastConsumed)
// lives at the start of the same backing slice so both processes see
// updates immediately — ordinary atomics over the mapped bytes stand in for
// the spec's wake futexes; Go has no portable cross-process futex, and a
// brief spin-sleep on Recv is an acceptable substitute for this transport.
type Ring struct {
	mem       []byte
	slotSize  int
	slotCount int
}

func newRing(mem []byte, slotSize, slotCount int) *Ring {
	return &Ring{mem: mem, slotSize: slotSize, slotCount: slotCount}
}

func (r *Ring) slotOffset(i int) int { return controlHeaderSize + i*(4+r.slotSize) }

// head/tail are written only by their respective single producer/consumer
// side (this is an SPSC ring): the producer advances tail after writing a
// slot, the consumer advances head after reading one. No additional
// synchronization is required beyond the ordering the spec already assumes
// ("wake-on-write"); this implementation polls instead of using a futex.
func (r *Ring) head() uint64         { return binary.LittleEndian.Uint64(r.mem[0:8]) }
func (r *Ring) setHead(v uint64)     { binary.LittleEndian.PutUint64(r.mem[0:8], v) }
func (r *Ring) tail() uint64         { return binary.LittleEndian.Uint64(r.mem[8:16]) }
func (r *Ring) setTail(v uint64)     { binary.LittleEndian.PutUint64(r.mem[8:16], v) }

// LastConsumed returns the consumer's acknowledgement marker: one past the
// sequence number of the last frame it fully processed, i.e. the next
// unconsumed sequence number. Used on Retry exit-strategy recovery to find
// which enqueued inputs must be re-staged: every input whose sequence number
// is at or above the marker.
func (r *Ring) LastConsumed() uint64 { return binary.LittleEndian.Uint64(r.mem[16:24]) }

// MarkConsumed stores the acknowledgement marker; a consumer that has fully
// processed the frame with sequence number s stores s+1.
func (r *Ring) MarkConsumed(seq uint64) { binary.LittleEndian.PutUint64(r.mem[16:24], seq) }
