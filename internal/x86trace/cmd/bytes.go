package cmd

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"x86trace/internal/config"
	"x86trace/internal/trace"
)

type bytesOptions struct {
	mode  trace.Mode
	addr  uint64
	count int
}

var bytesCmd = &cobra.Command{
	Use:   "bytes <hex>...",
	Short: "Trace a string of machine code bytes",
	Long: `Trace machine code given as hex on the command line. The bytes are laid
out at --addr, which is used to resolve relative branch targets.`,
	Example: `
# A 64-bit function prologue
x86trace bytes 55 48 89 e5

# The same bytes as 32-bit code at 0x8048000
x86trace bytes --mode 32 --addr 0x8048000 554889e5
  `,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		opts, err := bytesFlags(cmd)
		if err != nil {
			return err
		}
		code, err := parseHex(args)
		if err != nil {
			return err
		}
		slog.Debug("Tracing bytes", "mode", opts.mode, "addr", fmt.Sprintf("%#x", opts.addr), "len", len(code))
		return runBytes(cmd.OutOrStdout(), cfg, code, opts)
	},
}

func bytesFlags(cmd *cobra.Command) (bytesOptions, error) {
	var opts bytesOptions
	modeStr, _ := cmd.Flags().GetString("mode")
	mode, err := trace.ParseMode(modeStr)
	if err != nil {
		return opts, err
	}
	addrStr, _ := cmd.Flags().GetString("addr")
	addr, err := parseAddr(addrStr)
	if err != nil {
		return opts, err
	}
	count, _ := cmd.Flags().GetInt("count")
	return bytesOptions{mode: mode, addr: addr, count: count}, nil
}

func runBytes(w io.Writer, cfg config.Config, code []byte, opts bytesOptions) error {
	mem := trace.Region{Base: opts.addr, Data: code}
	ctx, dec, err := openTracer(cfg, mem, opts.mode)
	if err != nil {
		return err
	}
	defer ctx.Close()

	count := opts.count
	if count <= 0 {
		count = len(code)
	}
	_, err = writeListing(w, dec, mem, opts.addr, count, nil)
	return err
}

// parseHex accepts bytes as separate arguments or run together, with
// optional 0x or \x prefixes and comma separators.
func parseHex(args []string) ([]byte, error) {
	joined := strings.Join(args, " ")
	r := strings.NewReplacer("0x", " ", "0X", " ", `\x`, " ", ",", " ")
	var digits strings.Builder
	for _, field := range strings.Fields(r.Replace(joined)) {
		if len(field)%2 == 1 {
			field = "0" + field
		}
		digits.WriteString(field)
	}
	if digits.Len() == 0 {
		return nil, fmt.Errorf("no bytes given")
	}
	code, err := hex.DecodeString(digits.String())
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return code, nil
}

func init() {
	bytesCmd.Flags().StringP("mode", "m", "64", "Addressing mode: 32 or 64")
	bytesCmd.Flags().StringP("addr", "a", "0x1000", "Address of the first byte")
	bytesCmd.Flags().IntP("count", "n", 0, "Maximum instructions to trace (default: all)")

	rootCmd.AddCommand(bytesCmd)
}
