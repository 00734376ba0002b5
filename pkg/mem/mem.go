// Package mem models the guest's flat 32-bit address space. Allocations
// carry a human-readable label so that leaked or stray guest memory can be
// attributed to its owner when debugging.
package mem

import (
	"encoding/binary"
	"slices"
	"sync"

	"github.com/pkg/errors"
)

// Address is a location in the guest address space. Address 0 is never
// handed out, so it can stand in for a guest null pointer.
type Address = uint32

// Allocator is the guest memory surface consumed by the kernel: labelled
// allocation, deterministic free, and raw byte access at arbitrary
// addresses.
type Allocator interface {
	Alloc(size uint32, name string) (Address, error)
	Free(addr Address) error
	Slice(addr Address, size uint32) ([]byte, error)
}

const (
	// allocBase reserves the low pages so that small guest pointers are
	// always invalid.
	allocBase Address = 0x1000

	allocAlign = 0x10
)

type block struct {
	size uint32
	name string
}

// State is a byte-backed guest address space with a first-fit allocator.
// It is safe for concurrent use.
type State struct {
	mu     sync.Mutex
	data   []byte
	blocks map[Address]block
}

var _ Allocator = (*State)(nil)

func New(size uint32) (*State, error) {
	if size <= allocBase {
		return nil, errors.Errorf("mem: address space of %d bytes is too small", size)
	}
	return &State{
		data:   make([]byte, size),
		blocks: make(map[Address]block),
	}, nil
}

func alignUp(size uint32) uint32 {
	return (size + allocAlign - 1) &^ (allocAlign - 1)
}

// Alloc reserves size bytes and returns their base address. The label is
// kept for diagnostics only.
func (m *State) Alloc(size uint32, name string) (Address, error) {
	if size == 0 {
		return 0, errors.New("mem: zero-sized allocation")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	need := alignUp(size)
	bases := make([]Address, 0, len(m.blocks))
	for a := range m.blocks {
		bases = append(bases, a)
	}
	slices.Sort(bases)

	cursor := allocBase
	for _, b := range bases {
		if b-cursor >= need {
			break
		}
		cursor = b + alignUp(m.blocks[b].size)
	}
	if uint64(cursor)+uint64(need) > uint64(len(m.data)) {
		return 0, errors.Errorf("mem: out of guest memory allocating %d bytes for %q", size, name)
	}
	m.blocks[cursor] = block{size: size, name: name}
	return cursor, nil
}

// Free releases a previously allocated block.
func (m *State) Free(addr Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blocks[addr]; !ok {
		return errors.Errorf("mem: free of unallocated address %#x", addr)
	}
	delete(m.blocks, addr)
	return nil
}

// Slice returns the backing bytes for [addr, addr+size). The range is not
// required to belong to a single allocation: guest code addresses memory
// freely.
func (m *State) Slice(addr Address, size uint32) ([]byte, error) {
	if uint64(addr)+uint64(size) > uint64(len(m.data)) {
		return nil, errors.Errorf("mem: access of %d bytes at %#x is out of range", size, addr)
	}
	return m.data[addr : addr+size : addr+size], nil
}

// Allocations reports the number of live blocks.
func (m *State) Allocations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks)
}

// Size reports the extent of the address space in bytes.
func (m *State) Size() uint32 {
	return uint32(len(m.data))
}

// ReadWord reads a little-endian 32-bit word at addr.
func ReadWord(m Allocator, addr Address) (uint32, error) {
	b, err := m.Slice(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// WriteWord stores a little-endian 32-bit word at addr.
func WriteWord(m Allocator, addr Address, v uint32) error {
	b, err := m.Slice(addr, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}
