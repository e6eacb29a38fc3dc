package emu

import (
	"bytes"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"x86trace/internal/config"
	"x86trace/internal/engine"
	"x86trace/internal/trace"
)

var code = trace.Region{Base: 0x1000, Data: []byte{0x90, 0x48, 0x89, 0xc8}}

func TestContextBuiltin(t *testing.T) {
	c, err := NewContext(config.Default(), log.New(&bytes.Buffer{}), code)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if !c.Engine.Bound() || c.Dec == nil || c.Dec32 == nil {
		t.Fatal("builtin backend should enable both decoders")
	}
	if c.Dec.Mode() != trace.Long64 || c.Dec32.Mode() != trace.Compat32 {
		t.Errorf("decoder modes = %v/%v", c.Dec.Mode(), c.Dec32.Mode())
	}

	line, ok := c.Trace(trace.Long64, 0x1000)
	if !ok || line != "90 nop" {
		t.Errorf("Trace = %q, %v", line, ok)
	}
	line, ok = c.Trace(trace.Compat32, 0x1001)
	if !ok || !strings.HasPrefix(line, "48 dec") {
		t.Errorf("Trace compat32 = %q, %v", line, ok)
	}
	if !c.InitTrace(engine.Builtin()) {
		t.Error("second InitTrace should report tracing enabled")
	}
}

func TestContextUnavailable(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Config
		wantLog bool
	}{
		{
			name:    "plugin missing",
			cfg:     config.Config{Backend: config.BackendPlugin, PluginPath: "/nonexistent/libx86trace.so"},
			wantLog: true,
		},
		{
			name: "disabled",
			cfg:  config.Config{Backend: config.BackendNone},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			c, err := NewContext(tt.cfg, log.New(&buf), code)
			if err != nil {
				t.Fatalf("NewContext: %v", err)
			}
			if c.Engine.Bound() {
				t.Error("engine bound")
			}
			if c.Dec != nil || c.Dec32 != nil {
				t.Error("decoders built without an engine")
			}
			for _, mode := range []trace.Mode{trace.Long64, trace.Compat32} {
				if line, ok := c.Trace(mode, 0x1000); ok || line != "" {
					t.Errorf("Trace(%v) = %q, %v", mode, line, ok)
				}
			}
			if got := buf.Len() > 0; got != tt.wantLog {
				t.Errorf("logged = %v, want %v: %q", got, tt.wantLog, buf.String())
			}
			if err := c.Close(); err != nil {
				t.Errorf("Close: %v", err)
			}
		})
	}
}

func TestInitTraceReplacesPartialDecoders(t *testing.T) {
	c, err := NewContext(config.Default(), log.New(&bytes.Buffer{}), code)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	old := c.Dec
	c.Dec32.Close()
	c.Dec32 = nil
	if !c.InitTrace(engine.Builtin()) {
		t.Fatal("InitTrace on a bound engine failed")
	}
	if c.Dec == old || c.Dec32 == nil {
		t.Fatal("InitTrace did not rebuild the decoders")
	}
	if line := old.Render(code, 0x1000); line != "" {
		t.Errorf("replaced decoder still renders %q", line)
	}
	if line, ok := c.Trace(trace.Long64, 0x1000); !ok || line != "90 nop" {
		t.Errorf("Trace = %q, %v", line, ok)
	}
}

func TestInitTraceLogsBackend(t *testing.T) {
	var buf bytes.Buffer
	lg := log.New(&buf)
	lg.SetLevel(log.DebugLevel)
	c, err := NewContext(config.Default(), lg, code)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if !strings.Contains(buf.String(), "backend=x86asm") {
		t.Errorf("log %q does not name the backend", buf.String())
	}
}

func TestContextClose(t *testing.T) {
	c, err := NewContext(config.Default(), log.New(&bytes.Buffer{}), code)
	if err != nil {
		t.Fatal(err)
	}
	dec := c.Dec
	for i := 0; i < 2; i++ {
		if err := c.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i, err)
		}
	}
	if c.Dec != nil || c.Dec32 != nil || c.Engine.Bound() {
		t.Error("Close left state behind")
	}
	if line := dec.Render(code, 0x1000); line != "" {
		t.Errorf("destroyed decoder rendered %q", line)
	}
	if _, ok := c.Trace(trace.Long64, 0x1000); ok {
		t.Error("Trace after Close reported ok")
	}
}

func TestNewContextInvalidConfig(t *testing.T) {
	if _, err := NewContext(config.Config{Backend: "bogus"}, nil, nil); err == nil {
		t.Error("invalid config accepted")
	}
}

func TestBackendFor(t *testing.T) {
	if b := BackendFor(config.Config{Backend: config.BackendNone}); b != nil {
		t.Errorf("none backend = %v", b)
	}
	if b := BackendFor(config.Default()); b == nil || b.Name() != "x86asm" {
		t.Errorf("builtin backend = %v", b)
	}
	b := BackendFor(config.Config{Backend: config.BackendPlugin, PluginPath: "/tmp/x.so"})
	if p, ok := b.(*engine.Plugin); !ok || p.Path != "/tmp/x.so" {
		t.Errorf("plugin backend = %#v", b)
	}
}
