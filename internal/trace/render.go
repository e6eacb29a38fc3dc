package trace

import (
	"fmt"
	"strings"

	"x86trace/internal/engine"
)

const (
	// MaxLineLength bounds a rendered line including its terminator.
	MaxLineLength = 512

	maxHexLength  = engine.MaxInstructionLength * 3
	maxTextLength = MaxLineLength - maxHexLength - 1
)

const hexDigits = "0123456789ABCDEF"

// Render returns the trace line for the instruction at addr. A nil or closed
// decoder yields "". The returned string is owned by the caller.
func (d *Decoder) Render(mem Memory, addr uint64) string {
	line, _ := d.Step(mem, addr)
	return line
}

// Step is Render that also reports how many bytes the instruction consumed.
// The length is 0 on failure.
func (d *Decoder) Step(mem Memory, addr uint64) (string, int) {
	if !d.usable() || mem == nil {
		return "", 0
	}

	window := mem.Bytes(addr, engine.MaxInstructionLength)
	if len(window) > engine.MaxInstructionLength {
		window = window[:engine.MaxInstructionLength]
	}
	if len(window) == 0 {
		return failureLine(addr), 0
	}

	var inst engine.Instruction
	if err := d.decode(d.decoder, window, &inst); err != nil {
		return failureLine(addr), 0
	}
	if inst.Length < 1 || inst.Length > len(window) {
		return failureLine(addr), 0
	}
	text, err := d.format(d.formatter, &inst, addr)
	if err != nil {
		return failureLine(addr), 0
	}
	if len(text) > maxTextLength {
		text = text[:maxTextLength]
	}

	var sb strings.Builder
	sb.Grow(inst.Length*3 + len(text))
	for _, b := range window[:inst.Length] {
		sb.WriteByte(hexDigits[b>>4])
		sb.WriteByte(hexDigits[b&0x0f])
		sb.WriteByte(' ')
	}
	sb.WriteString(text)
	return sb.String(), inst.Length
}

func failureLine(addr uint64) string {
	return fmt.Sprintf("Decoder failed @%#x", addr)
}

// IsFailure reports whether line is a decode failure diagnostic.
func IsFailure(line string) bool {
	return strings.HasPrefix(line, "Decoder failed @")
}
