// Package engine binds an external x86 decode engine and exposes it as a
// table of four capabilities: decoder init, formatter init, buffer decode and
// instruction formatting. The engine may be linked in or resolved from a
// plugin at startup; when it cannot be resolved the handle stays unavailable.
package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
)

// MaxInstructionLength is the longest legal x86 encoding in bytes.
const MaxInstructionLength = 15

var (
	// ErrUnavailable is matched by every reason the engine could not be bound.
	ErrUnavailable = errors.New("decode engine unavailable")
	// ErrBackendNotFound means the backend itself could not be located.
	ErrBackendNotFound = fmt.Errorf("%w: backend not found", ErrUnavailable)
	// ErrMissingCapability means the backend lacks one of the four entry points.
	ErrMissingCapability = fmt.Errorf("%w: missing capability", ErrUnavailable)
)

type MachineMode int

const (
	MachineModeLegacy32 MachineMode = iota + 1
	MachineModeLong64
)

func (m MachineMode) String() string {
	switch m {
	case MachineModeLegacy32:
		return "legacy32"
	case MachineModeLong64:
		return "long64"
	}
	return fmt.Sprintf("MachineMode(%d)", int(m))
}

type AddressWidth int

const (
	AddressWidth32 AddressWidth = 32
	AddressWidth64 AddressWidth = 64
)

// Style selects the assembly syntax used by a Formatter.
type Style int

const (
	StyleIntel Style = iota
	StyleATT
)

func (s Style) String() string {
	switch s {
	case StyleIntel:
		return "intel"
	case StyleATT:
		return "att"
	}
	return fmt.Sprintf("Style(%d)", int(s))
}

// Decoder is a decode configuration filled in by DecoderInit.
// State is owned by the backend.
type Decoder struct {
	Mode  MachineMode
	Width AddressWidth
	State any
}

// Formatter is a format configuration filled in by FormatterInit.
type Formatter struct {
	Style Style
	State any
}

// Instruction is one decoded instruction. Raw is the backend's own form and
// is only meaningful to the same backend's FormatInstruction.
type Instruction struct {
	Length int
	Raw    any
}

type (
	DecoderInitFunc       func(d *Decoder, mode MachineMode, width AddressWidth) error
	FormatterInitFunc     func(f *Formatter, style Style) error
	DecodeBufferFunc      func(d Decoder, buf []byte, inst *Instruction) error
	FormatInstructionFunc func(f Formatter, inst *Instruction, runtimeAddr uint64) (string, error)
)

// Capabilities is the function table a bound engine provides.
type Capabilities struct {
	DecoderInit       DecoderInitFunc
	FormatterInit     FormatterInitFunc
	DecodeBuffer      DecodeBufferFunc
	FormatInstruction FormatInstructionFunc
}

func (c *Capabilities) validate() error {
	if c == nil {
		return fmt.Errorf("%w: empty capability table", ErrMissingCapability)
	}
	switch {
	case c.DecoderInit == nil:
		return fmt.Errorf("%w: DecoderInit", ErrMissingCapability)
	case c.FormatterInit == nil:
		return fmt.Errorf("%w: FormatterInit", ErrMissingCapability)
	case c.DecodeBuffer == nil:
		return fmt.Errorf("%w: DecodeBuffer", ErrMissingCapability)
	case c.FormatInstruction == nil:
		return fmt.Errorf("%w: FormatInstruction", ErrMissingCapability)
	}
	return nil
}

// Backend provides a capability table.
type Backend interface {
	Name() string
	Resolve() (*Capabilities, error)
	Close() error
}

// Handle owns the binding to one backend. The zero value is unavailable.
type Handle struct {
	mu      sync.Mutex
	logger  *log.Logger
	backend Backend
	caps    *Capabilities
}

// NewHandle returns an unavailable handle that logs through logger.
// A nil logger uses the charmbracelet/log default.
func NewHandle(logger *log.Logger) *Handle {
	if logger == nil {
		logger = log.Default()
	}
	return &Handle{logger: logger}
}

// Acquire resolves b and binds its capabilities. Calling Acquire on a
// bound handle returns nil without touching b.
func (h *Handle) Acquire(b Backend) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.caps != nil {
		return nil
	}
	if h.logger == nil {
		h.logger = log.Default()
	}
	if b == nil {
		err := fmt.Errorf("%w: no backend configured", ErrBackendNotFound)
		h.logger.Info("Tracing disabled", "err", err)
		return err
	}

	caps, err := b.Resolve()
	if err == nil {
		err = caps.validate()
	}
	if err != nil {
		if !errors.Is(err, ErrUnavailable) {
			err = fmt.Errorf("%w: %v", ErrBackendNotFound, err)
		}
		h.logger.Info("Failed to bind decode engine", "backend", b.Name(), "err", err)
		if cerr := b.Close(); cerr != nil {
			h.logger.Debug("Backend close failed", "backend", b.Name(), "err", cerr)
		}
		return err
	}

	h.backend = b
	h.caps = caps
	h.logger.Debug("Decode engine bound", "backend", b.Name())
	return nil
}

// Release unbinds the backend. It is safe to call more than once.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.backend == nil {
		return nil
	}
	err := h.backend.Close()
	h.backend = nil
	h.caps = nil
	if err != nil {
		return fmt.Errorf("release decode engine: %w", err)
	}
	return nil
}

// Bound reports whether the handle holds a working capability table.
func (h *Handle) Bound() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.caps != nil
}

// Capabilities returns the bound table, or nil when unavailable.
// The table must not be modified.
func (h *Handle) Capabilities() *Capabilities {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.caps
}

// BackendName returns the bound backend's name, or "" when unavailable.
func (h *Handle) BackendName() string {
	if h == nil {
		return ""
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.backend == nil {
		return ""
	}
	return h.backend.Name()
}
