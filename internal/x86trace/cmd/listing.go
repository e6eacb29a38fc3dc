package cmd

import (
	"fmt"
	"io"

	"x86trace/internal/trace"
	"x86trace/internal/ui/colorize"
)

// labeler names the address a symbol starts at.
type labeler func(addr uint64) (string, bool)

// writeListing traces up to count instructions starting at start, one line
// each. A failed decode advances one byte so the walk resynchronizes. The
// walk ends early when mem runs out. It returns the number of lines written.
func writeListing(w io.Writer, dec *trace.Decoder, mem trace.Memory, start uint64, count int, label labeler) (int, error) {
	addrFmt := "%016x"
	if dec.Mode() == trace.Compat32 {
		addrFmt = "%08x"
	}

	addr := start
	written := 0
	for written < count && len(mem.Bytes(addr, 1)) > 0 {
		if label != nil {
			if name, ok := label(addr); ok {
				if _, err := fmt.Fprintln(w, colorize.ColorizeLabel(name+":")); err != nil {
					return written, err
				}
			}
		}

		line, n := dec.Step(mem, addr)
		if _, err := fmt.Fprintf(w, "%s  %s\n",
			colorize.ColorizeAddress(fmt.Sprintf(addrFmt, addr)),
			colorize.ColorizeTraceLine(line)); err != nil {
			return written, err
		}
		written++

		if n == 0 {
			n = 1
		}
		addr += uint64(n)
	}
	return written, nil
}
