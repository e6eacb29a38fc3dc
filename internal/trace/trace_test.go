package trace

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"testing"
	"unsafe"

	"github.com/charmbracelet/log"

	"x86trace/internal/engine"
)

func boundHandle(t *testing.T, b engine.Backend) *engine.Handle {
	t.Helper()
	h := engine.NewHandle(log.New(&bytes.Buffer{}))
	if err := h.Acquire(b); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	t.Cleanup(func() { h.Release() })
	return h
}

func newDecoder(t *testing.T, h *engine.Handle, mode Mode) *Decoder {
	t.Helper()
	d, err := NewDecoder(h, mode)
	if err != nil {
		t.Fatalf("NewDecoder(%v): %v", mode, err)
	}
	return d
}

// stubBackend decodes every buffer as an instruction of length n and
// records the window it was handed.
type stubBackend struct {
	n       int
	window  []byte
	failDec bool
	failFmt bool
	text    string
}

func (s *stubBackend) Name() string { return "stub" }
func (s *stubBackend) Close() error { return nil }

func (s *stubBackend) Resolve() (*engine.Capabilities, error) {
	return &engine.Capabilities{
		DecoderInit: func(d *engine.Decoder, mode engine.MachineMode, width engine.AddressWidth) error {
			d.Mode, d.Width = mode, width
			return nil
		},
		FormatterInit: func(f *engine.Formatter, style engine.Style) error {
			f.Style = style
			return nil
		},
		DecodeBuffer: func(d engine.Decoder, buf []byte, inst *engine.Instruction) error {
			s.window = append([]byte(nil), buf...)
			if s.failDec {
				return errors.New("bad opcode")
			}
			inst.Length = s.n
			return nil
		},
		FormatInstruction: func(f engine.Formatter, inst *engine.Instruction, addr uint64) (string, error) {
			if s.failFmt {
				return "", errors.New("format")
			}
			if s.text != "" {
				return s.text, nil
			}
			return fmt.Sprintf("stub%d @%#x", inst.Length, addr), nil
		},
	}, nil
}

func TestNewDecoderConfiguration(t *testing.T) {
	h := boundHandle(t, engine.Builtin())

	d32 := newDecoder(t, h, Compat32)
	d64 := newDecoder(t, h, Long64)

	if d32.Mode() != Compat32 || d32.AddressWidth() != engine.AddressWidth32 || d32.Style() != engine.StyleIntel {
		t.Errorf("compat32 decoder = %v/%d/%v", d32.Mode(), d32.AddressWidth(), d32.Style())
	}
	if d64.Mode() != Long64 || d64.AddressWidth() != engine.AddressWidth64 || d64.Style() != engine.StyleIntel {
		t.Errorf("long64 decoder = %v/%d/%v", d64.Mode(), d64.AddressWidth(), d64.Style())
	}
	if d32 == d64 {
		t.Fatal("decoders must be distinct instances")
	}
}

func TestNewDecoderUnavailable(t *testing.T) {
	h := engine.NewHandle(log.New(&bytes.Buffer{}))
	_ = h.Acquire(&engine.Plugin{Path: "/nonexistent/libx86trace.so"})

	for _, mode := range []Mode{Compat32, Long64} {
		d, err := NewDecoder(h, mode)
		if !errors.Is(err, engine.ErrUnavailable) {
			t.Errorf("NewDecoder(%v) error = %v, want ErrUnavailable", mode, err)
		}
		if d != nil {
			t.Errorf("NewDecoder(%v) returned a decoder on an unavailable handle", mode)
		}
		if line := d.Render(Region{Base: 0x1000, Data: []byte{0x90}}, 0x1000); line != "" {
			t.Errorf("nil decoder rendered %q", line)
		}
	}

	var nilHandle *engine.Handle
	if _, err := NewDecoder(nilHandle, Long64); !errors.Is(err, engine.ErrUnavailable) {
		t.Errorf("nil handle error = %v", err)
	}
	if _, err := NewDecoder(boundHandle(t, engine.Builtin()), Mode(7)); err == nil {
		t.Error("unknown mode accepted")
	}
}

func TestRenderNop(t *testing.T) {
	d := newDecoder(t, boundHandle(t, engine.Builtin()), Long64)
	mem := Region{Base: 0x1000, Data: []byte{0x90}}

	got := d.Render(mem, 0x1000)
	if got != "90 nop" {
		t.Errorf("Render = %q, want %q", got, "90 nop")
	}
}

func TestRenderHexDump(t *testing.T) {
	h := boundHandle(t, engine.Builtin())
	d64 := newDecoder(t, h, Long64)

	tests := []struct {
		name string
		code []byte
		hex  string
	}{
		{"ret", []byte{0xc3}, "C3 "},
		{"push rbp", []byte{0x55, 0x90}, "55 "},
		{"mov rax rcx", []byte{0x48, 0x89, 0xc8}, "48 89 C8 "},
		{"mov rax imm64", []byte{0x48, 0xb8, 0xef, 0xcd, 0xab, 0x89, 0x67, 0x45, 0x23, 0x01}, "48 B8 EF CD AB 89 67 45 23 01 "},
		{"call rel32", []byte{0xe8, 0x00, 0x00, 0x00, 0x00, 0xcc}, "E8 00 00 00 00 "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := Region{Base: 0x400000, Data: tt.code}
			line, n := d64.Step(mem, 0x400000)
			if !strings.HasPrefix(line, tt.hex) {
				t.Fatalf("line %q does not start with %q", line, tt.hex)
			}
			if want := len(tt.hex) / 3; n != want {
				t.Errorf("consumed %d bytes, want %d", n, want)
			}
			rest := line[len(tt.hex):]
			if rest == "" || strings.HasPrefix(rest, " ") {
				t.Errorf("bad assembly segment %q", rest)
			}
		})
	}
}

func TestRenderRelativeTarget(t *testing.T) {
	d := newDecoder(t, boundHandle(t, engine.Builtin()), Long64)
	// jmp +0x10 from 0x1000 lands at 0x1012.
	mem := Region{Base: 0x1000, Data: []byte{0xeb, 0x10}}
	line := d.Render(mem, 0x1000)
	if !strings.HasPrefix(line, "EB 10 ") || !strings.Contains(line, "0x1012") {
		t.Errorf("Render = %q, want absolute target 0x1012", line)
	}
}

func TestRenderFailure(t *testing.T) {
	h := boundHandle(t, engine.Builtin())
	decs := map[Mode]*Decoder{
		Long64:   newDecoder(t, h, Long64),
		Compat32: newDecoder(t, h, Compat32),
	}
	prefixRun := append(bytes.Repeat([]byte{0x66}, 7), 0x2e, 0x0f, 0x1f, 0x84, 0, 0, 0, 0, 0)

	tests := []struct {
		name string
		mode Mode
		mem  Memory
		addr uint64
		want string
	}{
		{"truncated call", Long64, Region{Base: 0x2000, Data: []byte{0xe8, 0x00, 0x00}}, 0x2000, "Decoder failed @0x2000"},
		{"unreadable", Long64, Region{Base: 0x2000, Data: []byte{0x90}}, 0x3000, "Decoder failed @0x3000"},
		{"empty region", Long64, Region{Base: 0x10}, 0x10, "Decoder failed @0x10"},
		{"lone lock prefix", Long64, Region{Base: 0x4000, Data: []byte{0xf0}}, 0x4000, "Decoder failed @0x4000"},
		{"bound opcode in compat mode", Compat32, Region{Base: 0x8048000, Data: []byte{0x62}}, 0x8048000, "Decoder failed @0x8048000"},
		{"sixteen byte prefix run", Long64, Region{Base: 0x5000, Data: prefixRun}, 0x5000, "Decoder failed @0x5000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, n := decs[tt.mode].Step(tt.mem, tt.addr)
			if line != tt.want {
				t.Errorf("Step = %q, want %q", line, tt.want)
			}
			if n != 0 {
				t.Errorf("consumed %d bytes on failure", n)
			}
			if !IsFailure(line) {
				t.Errorf("IsFailure(%q) = false", line)
			}
		})
	}
}

func TestRenderBackendFailures(t *testing.T) {
	tests := []struct {
		name string
		stub *stubBackend
	}{
		{"decode error", &stubBackend{n: 1, failDec: true}},
		{"format error", &stubBackend{n: 1, failFmt: true}},
		{"zero length", &stubBackend{n: 0}},
		{"length past window", &stubBackend{n: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDecoder(t, boundHandle(t, tt.stub), Compat32)
			got := d.Render(Region{Base: 0xdead0, Data: []byte{1, 2, 3}}, 0xdead0)
			if got != "Decoder failed @0xdead0" {
				t.Errorf("Render = %q", got)
			}
		})
	}
}

func TestRenderFifteenByteWindow(t *testing.T) {
	stub := &stubBackend{n: engine.MaxInstructionLength}
	d := newDecoder(t, boundHandle(t, stub), Long64)

	data := make([]byte, 32)
	for i := range data {
		data[i] = byte(0xa0 + i)
	}
	line := d.Render(Region{Base: 0x5000, Data: data}, 0x5000)

	if len(stub.window) != engine.MaxInstructionLength {
		t.Fatalf("decoder saw %d bytes, want %d", len(stub.window), engine.MaxInstructionLength)
	}
	tokens := strings.Fields(line)
	if len(tokens) < engine.MaxInstructionLength {
		t.Fatalf("line %q has too few tokens", line)
	}
	for i, tok := range tokens[:engine.MaxInstructionLength] {
		if want := fmt.Sprintf("%02X", data[i]); tok != want {
			t.Errorf("token %d = %q, want %q", i, tok, want)
		}
	}
	if strings.Contains(line, fmt.Sprintf("%02X", data[engine.MaxInstructionLength])) {
		t.Errorf("line %q includes the 16th byte", line)
	}
}

func TestRenderLineBound(t *testing.T) {
	stub := &stubBackend{n: engine.MaxInstructionLength, text: strings.Repeat("x", 4*MaxLineLength)}
	d := newDecoder(t, boundHandle(t, stub), Long64)
	line := d.Render(Region{Data: make([]byte, 15)}, 0)
	if len(line)+1 > MaxLineLength {
		t.Errorf("line length %d exceeds bound %d", len(line), MaxLineLength-1)
	}
	if !strings.HasPrefix(line, strings.Repeat("00 ", 15)+"x") {
		t.Errorf("line lost its hex dump: %q", line)
	}
}

func TestRenderIdempotent(t *testing.T) {
	d := newDecoder(t, boundHandle(t, engine.Builtin()), Long64)
	mem := Region{Base: 0x7000, Data: []byte{0x48, 0x8b, 0x45, 0xf8}}
	first := d.Render(mem, 0x7000)
	second := d.Render(mem, 0x7000)
	if first != second {
		t.Errorf("Render not idempotent: %q vs %q", first, second)
	}
}

func TestModesAreIndependent(t *testing.T) {
	h := boundHandle(t, engine.Builtin())
	d32 := newDecoder(t, h, Compat32)
	d64 := newDecoder(t, h, Long64)
	mem := Region{Base: 0x1000, Data: []byte{0x48, 0x89, 0xc8, 0x90}}

	for i := 0; i < 2; i++ {
		l32 := d32.Render(mem, 0x1000)
		l64 := d64.Render(mem, 0x1000)
		if l32 == l64 {
			t.Fatalf("modes rendered identically: %q", l32)
		}
		if !strings.HasPrefix(l32, "48 ") || strings.HasPrefix(l32, "48 89") {
			t.Errorf("compat32 line = %q, want one-byte dec", l32)
		}
		if !strings.HasPrefix(l64, "48 89 C8 ") {
			t.Errorf("long64 line = %q, want three-byte mov", l64)
		}
		if !strings.Contains(l32, "eax") || !strings.Contains(l64, "rax") {
			t.Errorf("operand widths conflated: %q / %q", l32, l64)
		}
	}
}

func TestRenderConcurrent(t *testing.T) {
	d := newDecoder(t, boundHandle(t, engine.Builtin()), Long64)
	mem := Region{Base: 0x1000, Data: []byte{0x48, 0x89, 0xc8}}
	want := d.Render(mem, 0x1000)

	errs := make(chan string, 8)
	for i := 0; i < 8; i++ {
		go func() {
			var bad string
			for j := 0; j < 100; j++ {
				if got := d.Render(mem, 0x1000); got != want {
					bad = got
				}
			}
			errs <- bad
		}()
	}
	for i := 0; i < 8; i++ {
		if bad := <-errs; bad != "" {
			t.Errorf("concurrent Render = %q, want %q", bad, want)
		}
	}
}

func TestCloseIdempotent(t *testing.T) {
	d := newDecoder(t, boundHandle(t, engine.Builtin()), Compat32)
	d.Close()
	d.Close()
	if line := d.Render(Region{Data: []byte{0x90}}, 0); line != "" {
		t.Errorf("closed decoder rendered %q", line)
	}
	var nilDecoder *Decoder
	nilDecoder.Close()
}

func TestProcessMemory(t *testing.T) {
	d := newDecoder(t, boundHandle(t, engine.Builtin()), Long64)
	code := make([]byte, 64)
	copy(code, []byte{0x55, 0x48, 0x89, 0xe5, 0xc3})
	addr := uint64(uintptr(unsafe.Pointer(&code[0])))

	line, n := d.Step(Process{}, addr+1)
	runtime.KeepAlive(code)
	if n != 3 || !strings.HasPrefix(line, "48 89 E5 ") {
		t.Errorf("Step = %q/%d", line, n)
	}
	if got := (Process{}).Bytes(0, 4); got != nil {
		t.Errorf("Process.Bytes(0) = %v", got)
	}
}

func TestRegionBytes(t *testing.T) {
	r := Region{Base: 0x100, Data: []byte{1, 2, 3, 4}}
	tests := []struct {
		addr uint64
		n    int
		want []byte
	}{
		{0x100, 2, []byte{1, 2}},
		{0x102, 15, []byte{3, 4}},
		{0x0ff, 1, nil},
		{0x104, 1, nil},
		{0x100, 0, nil},
	}
	for _, tt := range tests {
		if got := r.Bytes(tt.addr, tt.n); !bytes.Equal(got, tt.want) {
			t.Errorf("Bytes(%#x, %d) = %v, want %v", tt.addr, tt.n, got, tt.want)
		}
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"32": Compat32, "i386": Compat32, "64": Long64, "x86_64": Long64, "long64": Long64} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMode("16"); err == nil {
		t.Error("ParseMode(16) accepted")
	}
}
