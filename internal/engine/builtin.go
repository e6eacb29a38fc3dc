package engine

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

type builtin struct{}

// Builtin returns the statically linked backend backed by x86asm.
func Builtin() Backend { return builtin{} }

func (builtin) Name() string { return "x86asm" }

func (builtin) Resolve() (*Capabilities, error) {
	return &Capabilities{
		DecoderInit:       X86asmDecoderInit,
		FormatterInit:     X86asmFormatterInit,
		DecodeBuffer:      X86asmDecodeBuffer,
		FormatInstruction: X86asmFormatInstruction,
	}, nil
}

func (builtin) Close() error { return nil }

// X86asmDecoderInit configures d for x86asm. State holds the x86asm mode
// (32 or 64).
func X86asmDecoderInit(d *Decoder, mode MachineMode, width AddressWidth) error {
	var bits int
	switch mode {
	case MachineModeLegacy32:
		bits = 32
	case MachineModeLong64:
		bits = 64
	default:
		return fmt.Errorf("x86asm: unsupported machine mode %v", mode)
	}
	if int(width) != bits {
		return fmt.Errorf("x86asm: address width %d does not match %v", width, mode)
	}
	d.Mode = mode
	d.Width = width
	d.State = bits
	return nil
}

func X86asmFormatterInit(f *Formatter, style Style) error {
	switch style {
	case StyleIntel, StyleATT:
	default:
		return fmt.Errorf("x86asm: unsupported style %v", style)
	}
	f.Style = style
	f.State = nil
	return nil
}

// X86asmDecodeBuffer decodes exactly one instruction from the front of buf.
func X86asmDecodeBuffer(d Decoder, buf []byte, inst *Instruction) error {
	bits, ok := d.State.(int)
	if !ok {
		return fmt.Errorf("x86asm: decoder not initialized")
	}
	if len(buf) > MaxInstructionLength {
		buf = buf[:MaxInstructionLength]
	}
	in, err := x86asm.Decode(buf, bits)
	if err != nil {
		return fmt.Errorf("x86asm: %w", err)
	}
	// Lone prefixes and unassigned opcodes come back with a nil error.
	if in.Op == 0 {
		return fmt.Errorf("x86asm: no opcode")
	}
	if in.Len < 1 || in.Len > len(buf) {
		return fmt.Errorf("x86asm: bad instruction length %d", in.Len)
	}
	inst.Length = in.Len
	inst.Raw = in
	return nil
}

// X86asmFormatInstruction renders inst. runtimeAddr is the address of the
// instruction itself and resolves relative branch targets.
func X86asmFormatInstruction(f Formatter, inst *Instruction, runtimeAddr uint64) (string, error) {
	in, ok := inst.Raw.(x86asm.Inst)
	if !ok {
		return "", fmt.Errorf("x86asm: foreign instruction %T", inst.Raw)
	}
	switch f.Style {
	case StyleIntel:
		return x86asm.IntelSyntax(in, runtimeAddr, nil), nil
	case StyleATT:
		return x86asm.GNUSyntax(in, runtimeAddr, nil), nil
	}
	return "", fmt.Errorf("x86asm: unsupported style %v", f.Style)
}
