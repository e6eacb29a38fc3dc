// Command x86asm is the dynamically loadable decode engine.
//
//	go build -buildmode=plugin -o libx86trace.so ./plugin/x86asm
//
// Point X86TRACE_BACKEND=plugin and X86TRACE_PLUGIN at the result.
package main

import "x86trace/internal/engine"

func DecoderInit(d *engine.Decoder, mode engine.MachineMode, width engine.AddressWidth) error {
	return engine.X86asmDecoderInit(d, mode, width)
}

func FormatterInit(f *engine.Formatter, style engine.Style) error {
	return engine.X86asmFormatterInit(f, style)
}

func DecodeBuffer(d engine.Decoder, buf []byte, inst *engine.Instruction) error {
	return engine.X86asmDecodeBuffer(d, buf, inst)
}

func FormatInstruction(f engine.Formatter, inst *engine.Instruction, runtimeAddr uint64) (string, error) {
	return engine.X86asmFormatInstruction(f, inst, runtimeAddr)
}

func main() {}
