package cmd

import (
	"fmt"
	"io"
	"log/slog"
	pathpkg "path/filepath"

	"github.com/ianlancetaylor/demangle"
	"github.com/spf13/cobra"

	"x86trace/internal/config"
	"x86trace/internal/elfx"
)

type elfOptions struct {
	symbol string
	addr   string
	count  int
}

var elfCmd = &cobra.Command{
	Use:   "elf <file>",
	Short: "Trace instructions from an x86 ELF executable",
	Long: `Trace a linear run of instructions from an i386 or x86-64 ELF file without
running it. Tracing starts at the entry point unless --symbol or --addr is
given. Function starts are printed as demangled labels.`,
	Example: `
# Trace the entry point
x86trace elf /bin/true

# Trace 40 instructions of main
x86trace elf ./a.out --symbol main --count 40
  `,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		var opts elfOptions
		opts.symbol, _ = cmd.Flags().GetString("symbol")
		opts.addr, _ = cmd.Flags().GetString("addr")
		opts.count, _ = cmd.Flags().GetInt("count")

		absPath, err := pathpkg.Abs(args[0])
		if err != nil {
			return fmt.Errorf("failed to resolve path: %v", err)
		}
		return runELF(cmd.OutOrStdout(), cfg, absPath, opts)
	},
}

func runELF(w io.Writer, cfg config.Config, path string, opts elfOptions) error {
	img, err := elfx.Open(path)
	if err != nil {
		return err
	}
	defer img.Close()

	mode, err := img.Mode()
	if err != nil {
		return err
	}
	start, err := elfStart(img, opts)
	if err != nil {
		return err
	}
	if !img.InText(start) {
		slog.Warn("Start address is outside the code section", "start", fmt.Sprintf("%#x", start), "section", img.Text.Name)
	}
	slog.Debug("Tracing ELF", "file", path, "mode", mode, "start", fmt.Sprintf("%#x", start), "symbols", len(img.Syms))

	ctx, dec, err := openTracer(cfg, img, mode)
	if err != nil {
		return err
	}
	defer ctx.Close()

	count := opts.count
	if count <= 0 {
		count = 32
	}
	_, err = writeListing(w, dec, img, start, count, symbolLabeler(img))
	return err
}

func elfStart(img *elfx.Image, opts elfOptions) (uint64, error) {
	switch {
	case opts.addr != "":
		return parseAddr(opts.addr)
	case opts.symbol != "":
		if va, ok := img.FindFunctionByName(opts.symbol); ok {
			return va, nil
		}
		for _, s := range img.Syms {
			if demangle.Filter(s.Name) == opts.symbol {
				return s.Addr, nil
			}
		}
		return 0, fmt.Errorf("symbol %q not found", opts.symbol)
	}
	if img.Entry == 0 {
		return 0, fmt.Errorf("%s has no entry point; use --symbol or --addr", img.Path)
	}
	return img.Entry, nil
}

func symbolLabeler(img *elfx.Image) labeler {
	return func(addr uint64) (string, bool) {
		s, ok := img.SymbolAt(addr)
		if !ok {
			return "", false
		}
		return demangle.Filter(s.Name), true
	}
}

func init() {
	elfCmd.Flags().StringP("symbol", "s", "", "Start at this function")
	elfCmd.Flags().StringP("addr", "a", "", "Start at this virtual address")
	elfCmd.Flags().IntP("count", "n", 32, "Maximum instructions to trace")

	rootCmd.AddCommand(elfCmd)
}
