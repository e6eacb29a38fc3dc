package engine

import (
	"fmt"
	"plugin"
)

// Symbol names a plugin must export, one per capability.
const (
	SymDecoderInit       = "DecoderInit"
	SymFormatterInit     = "FormatterInit"
	SymDecodeBuffer      = "DecodeBuffer"
	SymFormatInstruction = "FormatInstruction"
)

// Plugin resolves the capabilities from a Go plugin built with
// -buildmode=plugin against this module (see plugin/x86asm).
type Plugin struct {
	Path string

	p *plugin.Plugin
}

func (p *Plugin) Name() string { return "plugin:" + p.Path }

func (p *Plugin) Resolve() (*Capabilities, error) {
	if p.Path == "" {
		return nil, fmt.Errorf("%w: empty plugin path", ErrBackendNotFound)
	}
	pl, err := plugin.Open(p.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrBackendNotFound, p.Path, err)
	}

	var caps Capabilities
	if caps.DecoderInit, err = lookup[func(*Decoder, MachineMode, AddressWidth) error](pl, SymDecoderInit); err != nil {
		return nil, err
	}
	if caps.FormatterInit, err = lookup[func(*Formatter, Style) error](pl, SymFormatterInit); err != nil {
		return nil, err
	}
	if caps.DecodeBuffer, err = lookup[func(Decoder, []byte, *Instruction) error](pl, SymDecodeBuffer); err != nil {
		return nil, err
	}
	if caps.FormatInstruction, err = lookup[func(Formatter, *Instruction, uint64) (string, error)](pl, SymFormatInstruction); err != nil {
		return nil, err
	}
	p.p = pl
	return &caps, nil
}

// Close drops the plugin reference. Go cannot unload a plugin, so the
// shared object stays mapped for the life of the process.
func (p *Plugin) Close() error {
	p.p = nil
	return nil
}

func lookup[T any](pl *plugin.Plugin, name string) (T, error) {
	var zero T
	sym, err := pl.Lookup(name)
	if err != nil {
		return zero, fmt.Errorf("%w: %s", ErrMissingCapability, name)
	}
	fn, ok := sym.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s has type %T", ErrMissingCapability, name, sym)
	}
	return fn, nil
}
