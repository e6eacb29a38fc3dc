// Package colorize highlights trace lines for terminal output.
package colorize

import (
	"os"
	"strings"
	"sync/atomic"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/lipgloss/v2"

	"x86trace/internal/trace"
)

// TraceDark is registered as "trace-dark" on package initialization.
var TraceDark = styles.Register(chroma.MustNewStyle("trace-dark", chroma.StyleEntries{
	chroma.Text:       "#FFFFFF",
	chroma.Background: "bg:#1e1e1e",
	chroma.Comment:    "#6A9955",

	chroma.Keyword:       "#FFFFFF", // Mnemonics
	chroma.KeywordPseudo: "#FFFFFF",
	chroma.NameFunction:  "#FFFFFF", // nasm tokenizes mnemonics as functions
	chroma.Name:          "#7C9C9D", // Registers in teal
	chroma.NameBuiltin:   "#7C9C9D",
	chroma.NameVariable:  "#7C9C9D",

	chroma.LiteralNumber:        "#FF5F87",
	chroma.LiteralNumberHex:     "#FF5F87",
	chroma.LiteralNumberInteger: "#FF5F87",

	chroma.Operator:    "#FFFFFF",
	chroma.Punctuation: "#FFFFFF",
}))

var (
	hexStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	failureStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	addrStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
)

var disabled atomic.Bool

// SetEnabled switches highlighting on or off for the whole process.
func SetEnabled(on bool) {
	disabled.Store(!on)
}

// Enabled reports whether highlighting is on. SetEnabled(false) or a
// non-empty X86TRACE_NO_COLOR turns it off.
func Enabled() bool {
	return !disabled.Load() && os.Getenv("X86TRACE_NO_COLOR") == ""
}

// getAssemblyLexer returns an x86 assembly lexer with fallbacks
func getAssemblyLexer() chroma.Lexer {
	for _, name := range []string{"nasm", "gas", "GAS"} {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

func getTraceStyle() *chroma.Style {
	for _, name := range []string{"trace-dark", "dracula", "monokai"} {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

func getTerminalFormatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// ColorizeAssembly highlights x86 assembly text. On any lexer or formatter
// error the input is returned unchanged along with the error.
func ColorizeAssembly(code string) (string, error) {
	if !Enabled() {
		return code, nil
	}
	lexer := getAssemblyLexer()
	if lexer == nil {
		return code, nil
	}

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code, err
	}
	var buf strings.Builder
	if err := getTerminalFormatter().Format(&buf, getTraceStyle(), iterator); err != nil {
		return code, err
	}
	// Lexers append a newline; a trace line is always a single line.
	return strings.ReplaceAll(buf.String(), "\n", ""), nil
}

// SplitHex splits a trace line into its hex dump (with trailing space) and
// assembly text.
func SplitHex(line string) (hex, asm string) {
	i := 0
	for i+3 <= len(line) && isHexByte(line[i:i+2]) && line[i+2] == ' ' {
		i += 3
	}
	return line[:i], line[i:]
}

func isHexByte(s string) bool {
	return isUpperHex(s[0]) && isUpperHex(s[1])
}

func isUpperHex(ch byte) bool {
	return (ch >= '0' && ch <= '9') || (ch >= 'A' && ch <= 'F')
}

// ColorizeTraceLine highlights one trace line: hex dump in gray, assembly
// through chroma, failure diagnostics in red.
func ColorizeTraceLine(line string) string {
	if !Enabled() {
		return line
	}
	if trace.IsFailure(line) {
		return failureStyle.Render(line)
	}
	hex, asm := SplitHex(line)
	colored, err := ColorizeAssembly(asm)
	if err != nil {
		colored = asm
	}
	return hexStyle.Render(hex) + colored
}

// ColorizeAddress renders an address column.
func ColorizeAddress(addr string) string {
	if !Enabled() {
		return addr
	}
	return addrStyle.Render(addr)
}

// ColorizeLabel renders a symbol label line.
func ColorizeLabel(label string) string {
	if !Enabled() {
		return label
	}
	return labelStyle.Render(label)
}
