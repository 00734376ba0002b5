package kernel

import "fmt"

// Errno is a guest-visible kernel error code. Failures cross the guest
// boundary as sentinel codes, never as host-side error chains; host detail
// is attached by wrapping an Errno.
type Errno uint32

const (
	ErrGeneric         Errno = 0x80020001
	ErrIllegalThreadID Errno = 0x80020196
	ErrUnknownThreadID Errno = 0x80020197
	ErrThreadCreate    Errno = 0x80020198
)

func (e Errno) Error() string {
	return fmt.Sprintf("kernel error %#08x (%s)", uint32(e), e.name())
}

func (e Errno) name() string {
	switch e {
	case ErrGeneric:
		return "generic error"
	case ErrIllegalThreadID:
		return "illegal thread id"
	case ErrUnknownThreadID:
		return "unknown thread id"
	case ErrThreadCreate:
		return "thread creation failed"
	default:
		return "unnamed"
	}
}
