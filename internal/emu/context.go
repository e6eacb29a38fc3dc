// Package emu holds the process-wide tracing context: the decode engine
// handle and one decoder per addressing mode.
package emu

import (
	"fmt"

	"github.com/charmbracelet/log"

	"x86trace/internal/config"
	"x86trace/internal/engine"
	"x86trace/internal/trace"
)

// Context owns the engine handle and both decoders. Decoders are nil when
// the engine is unavailable; Trace then reports nothing.
type Context struct {
	Engine *engine.Handle
	Dec    *trace.Decoder // long mode
	Dec32  *trace.Decoder // compatibility mode
	Memory trace.Memory

	logger *log.Logger
}

// NewContext builds a context and initialises tracing from cfg. A missing
// or broken engine is not an error; only an invalid cfg is.
func NewContext(cfg config.Config, logger *log.Logger, mem trace.Memory) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("new context: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	if mem == nil {
		mem = trace.Process{}
	}
	c := &Context{
		Engine: engine.NewHandle(logger),
		Memory: mem,
		logger: logger,
	}
	c.InitTrace(BackendFor(cfg))
	return c, nil
}

// BackendFor maps cfg to an engine backend, or nil when tracing is off.
func BackendFor(cfg config.Config) engine.Backend {
	switch cfg.Backend {
	case config.BackendBuiltin:
		return engine.Builtin()
	case config.BackendPlugin:
		return &engine.Plugin{Path: cfg.PluginPath}
	}
	return nil
}

// InitTrace binds b and creates the two decoders. It returns false when
// tracing stays disabled.
func (c *Context) InitTrace(b engine.Backend) bool {
	if c.Dec != nil && c.Dec32 != nil {
		return true
	}
	if b == nil {
		c.logger.Debug("Tracing disabled by configuration")
		return false
	}
	if err := c.Engine.Acquire(b); err != nil {
		return false
	}

	dec, err := trace.NewDecoder(c.Engine, trace.Long64)
	if err != nil {
		c.logger.Info("Long mode decoder unavailable", "err", err)
	}
	dec32, err32 := trace.NewDecoder(c.Engine, trace.Compat32)
	if err32 != nil {
		c.logger.Info("Compat mode decoder unavailable", "err", err32)
	}
	// A partially built context may still hold one decoder.
	c.Dec.Close()
	c.Dec32.Close()
	c.Dec, c.Dec32 = dec, dec32
	if c.Dec == nil && c.Dec32 == nil {
		return false
	}
	c.logger.Debug("Tracing enabled", "backend", c.Engine.BackendName())
	return true
}

// Decoder returns the decoder for mode, or nil.
func (c *Context) Decoder(mode trace.Mode) *trace.Decoder {
	switch mode {
	case trace.Long64:
		return c.Dec
	case trace.Compat32:
		return c.Dec32
	}
	return nil
}

// Trace renders the instruction at addr. ok is false when the mode has no
// decoder, in which case the caller should emit nothing.
func (c *Context) Trace(mode trace.Mode, addr uint64) (line string, ok bool) {
	d := c.Decoder(mode)
	if d == nil {
		return "", false
	}
	return d.Render(c.Memory, addr), true
}

// Close destroys both decoders and then releases the engine.
func (c *Context) Close() error {
	c.Dec.Close()
	c.Dec = nil
	c.Dec32.Close()
	c.Dec32 = nil
	return c.Engine.Release()
}
