package kernel

import (
	"github.com/pkg/errors"

	"github.com/halcyon-emu/halcyon/pkg/mem"
)

// CopyStack clones the in-use portion of a source thread's stack into a
// new thread's stack for fork-style spawns: the bytes between the source's
// stack pointer and stack top land at the same top-relative offset in the
// destination, and the destination's stack pointer is set accordingly.
// If argp points into the source stack it is rebased by the same
// top-relative offset; otherwise it is returned unchanged.
//
// Each record lookup takes and releases the registry lock, and the copy
// takes it again — callers must not hold the registry lock.
func (k *Kernel) CopyStack(m mem.Allocator, newTID, srcTID int32, argp mem.Address) (mem.Address, error) {
	newT := k.findThread(newTID)
	srcT := k.findThread(srcTID)
	if newT == nil || srcT == nil {
		return 0, ErrIllegalThreadID
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	srcBase := srcT.StackAddr
	srcTop := srcBase + srcT.StackSize
	newTop := newT.StackAddr + newT.StackSize

	srcSP := srcT.CPU.ReadSP()
	used := srcTop - srcSP
	newSP := newTop - used

	src, err := m.Slice(srcSP, used)
	if err != nil {
		return 0, errors.Wrap(err, "source stack")
	}
	dst, err := m.Slice(newSP, used)
	if err != nil {
		return 0, errors.Wrap(err, "destination stack")
	}
	copy(dst, src)
	newT.CPU.WriteSP(newSP)

	if argp >= srcBase && argp < srcTop {
		offset := srcTop - argp
		argp = newTop - offset
	}
	return argp, nil
}
