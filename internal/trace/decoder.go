// Package trace turns the instruction at an address into a one-line,
// human-readable trace: the raw bytes in hex followed by the assembly text.
package trace

import (
	"fmt"

	"x86trace/internal/engine"
)

// Mode selects how bytes are interpreted.
type Mode int

const (
	Compat32 Mode = iota
	Long64
)

func (m Mode) String() string {
	switch m {
	case Compat32:
		return "compat32"
	case Long64:
		return "long64"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode accepts "32", "64", or the String forms.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "32", "compat32", "x86", "i386":
		return Compat32, nil
	case "64", "long64", "x64", "amd64", "x86_64":
		return Long64, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

type modeConfig struct {
	machine engine.MachineMode
	width   engine.AddressWidth
	style   engine.Style
}

// Both modes format in Intel syntax.
var modeConfigs = map[Mode]modeConfig{
	Compat32: {engine.MachineModeLegacy32, engine.AddressWidth32, engine.StyleIntel},
	Long64:   {engine.MachineModeLong64, engine.AddressWidth64, engine.StyleIntel},
}

// Decoder is one mode-specific decode and format pipeline. It is read-only
// after NewDecoder and may be shared by concurrent Render calls.
type Decoder struct {
	mode      Mode
	decoder   engine.Decoder
	formatter engine.Formatter

	decode engine.DecodeBufferFunc
	format engine.FormatInstructionFunc
}

// NewDecoder builds the decoder for mode from a bound handle. It returns an
// error matching engine.ErrUnavailable when h is not bound.
func NewDecoder(h *engine.Handle, mode Mode) (*Decoder, error) {
	cfg, ok := modeConfigs[mode]
	if !ok {
		return nil, fmt.Errorf("new decoder: unknown mode %v", mode)
	}
	caps := h.Capabilities()
	if caps == nil {
		return nil, fmt.Errorf("new %v decoder: %w", mode, engine.ErrUnavailable)
	}

	d := &Decoder{
		mode:   mode,
		decode: caps.DecodeBuffer,
		format: caps.FormatInstruction,
	}
	if err := caps.DecoderInit(&d.decoder, cfg.machine, cfg.width); err != nil {
		return nil, fmt.Errorf("init %v decoder: %w", mode, err)
	}
	if err := caps.FormatterInit(&d.formatter, cfg.style); err != nil {
		return nil, fmt.Errorf("init %v formatter: %w", mode, err)
	}
	return d, nil
}

func (d *Decoder) Mode() Mode { return d.mode }

func (d *Decoder) AddressWidth() engine.AddressWidth { return d.decoder.Width }

func (d *Decoder) Style() engine.Style { return d.formatter.Style }

// Close drops the engine references. Render on a closed decoder is a no-op.
func (d *Decoder) Close() {
	if d == nil {
		return
	}
	d.decode = nil
	d.format = nil
	d.decoder.State = nil
	d.formatter.State = nil
}

func (d *Decoder) usable() bool {
	return d != nil && d.decode != nil && d.format != nil
}
