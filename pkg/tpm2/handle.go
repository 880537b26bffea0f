package tpm2

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/go-tpm/tpm2"
)

var (
	ErrInvalidHandleKind = errors.New("tpm2: handle value does not match handle kind")
	ErrStaleHandle       = errors.New("tpm2: transient handle invalidated by clear or power cycle")
	ErrNullHandle        = errors.New("tpm2: null handle")
)

// HandleKind is the TPM_HT class of a handle.
type HandleKind int

const (
	HandleKindUnknown HandleKind = iota
	HandleKindTransient
	HandleKindPersistent
	HandleKindPermanent
	HandleKindNVIndex
	HandleKindSession
)

func (k HandleKind) String() string {
	switch k {
	case HandleKindTransient:
		return "transient"
	case HandleKindPersistent:
		return "persistent"
	case HandleKindPermanent:
		return "permanent"
	case HandleKindNVIndex:
		return "nv-index"
	case HandleKindSession:
		return "session"
	}
	return "unknown"
}

// HandleKindOf returns the kind encoded in the most significant
// octet of a module handle value.
func HandleKindOf(value tpm2.TPMHandle) HandleKind {
	switch byte(uint32(value) >> 24) {
	case 0x80:
		return HandleKindTransient
	case 0x81:
		return HandleKindPersistent
	case 0x40:
		return HandleKindPermanent
	case 0x01:
		return HandleKindNVIndex
	case 0x02, 0x03:
		return HandleKindSession
	}
	return HandleKindUnknown
}

// Handle references an object inside the module. Transient handles are
// stamped with the epoch of the utility that loaded them and stop being
// usable once that utility observes a Clear, Startup or Shutdown.
type Handle struct {
	kind  HandleKind
	value tpm2.TPMHandle
	name  tpm2.TPM2BName
	epoch uint64
}

// NewPersistentHandle returns a handle for an object made persistent
// with TPM2_EvictControl.
func NewPersistentHandle(value uint32) (Handle, error) {
	h := tpm2.TPMHandle(value)
	if HandleKindOf(h) != HandleKindPersistent {
		return Handle{}, fmt.Errorf("%w: 0x%08x is not persistent", ErrInvalidHandleKind, value)
	}
	return Handle{kind: HandleKindPersistent, value: h}, nil
}

// NewPermanentHandle returns a handle for a hierarchy or other
// permanent entity, for example tpm2.TPMRHOwner.
func NewPermanentHandle(value tpm2.TPMHandle) (Handle, error) {
	if HandleKindOf(value) != HandleKindPermanent {
		return Handle{}, fmt.Errorf("%w: 0x%08x is not permanent", ErrInvalidHandleKind, uint32(value))
	}
	return Handle{
		kind:  HandleKindPermanent,
		value: value,
		name:  permanentName(value),
	}, nil
}

func newTransientHandle(value tpm2.TPMHandle, name tpm2.TPM2BName, epoch uint64) Handle {
	return Handle{
		kind:  HandleKindTransient,
		value: value,
		name:  name,
		epoch: epoch,
	}
}

func (h Handle) Kind() HandleKind {
	return h.kind
}

func (h Handle) Value() tpm2.TPMHandle {
	return h.value
}

// Name returns the object name known at the time the handle was created.
// A handle from NewPersistentHandle has no name; the utility reads it
// from the module each time the handle is used.
func (h Handle) Name() tpm2.TPM2BName {
	return h.name
}

func (h Handle) IsZero() bool {
	return h.kind == HandleKindUnknown && h.value == 0
}

func (h Handle) String() string {
	return fmt.Sprintf("%s:0x%08x", h.kind, uint32(h.value))
}

func (h Handle) named() tpm2.NamedHandle {
	return tpm2.NamedHandle{Handle: h.value, Name: h.name}
}

// The name of a permanent entity is its big-endian handle value.
func permanentName(value tpm2.TPMHandle) tpm2.TPM2BName {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(value))
	return tpm2.TPM2BName{Buffer: buf}
}

func handleString(h tpm2.TPMHandle) string {
	return fmt.Sprintf("0x%08x", uint32(h))
}
