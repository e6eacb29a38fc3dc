package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"x86trace/internal/config"
	"x86trace/internal/emu"
	"x86trace/internal/logging"
	"x86trace/internal/trace"
	"x86trace/internal/ui/colorize"
	xlog "x86trace/internal/x86trace/log"
)

var logger *logging.LoggerCloser

func init() {
	configFlags(rootCmd)
}

// configFlags registers the persistent flags read by loadConfig.
func configFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP("config", "C", "", "Path to a JSON config file")
	cmd.PersistentFlags().String("backend", "", "Decode engine: builtin, plugin or none")
	cmd.PersistentFlags().String("plugin", "", "Decode engine plugin path (with --backend plugin)")
	cmd.PersistentFlags().BoolP("debug", "d", false, "Debug")
	cmd.PersistentFlags().Bool("no-color", false, "Disable syntax highlighting")
}

var rootCmd = &cobra.Command{
	Use:   "x86trace",
	Short: "Render x86 instruction trace lines",
	Long: `x86trace decodes x86 machine code one instruction at a time and prints
trace lines: the raw bytes in hex followed by the Intel syntax assembly.
Both 32-bit compatibility mode and 64-bit long mode are supported.`,
	Example: `
# Trace a byte string in long mode
x86trace bytes 55 48 89 e5 c3

# Trace 16 instructions from the entry point of an executable
x86trace elf /bin/true --count 16
  `,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger = logging.NewLogger()
		debug, _ := cmd.Flags().GetBool("debug")
		xlog.Setup(logger.Logger, debug || logging.IsDebug())
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logger != nil {
			return logger.Close()
		}
		return nil
	},
}

// loadConfig merges the config file, environment and command line flags,
// in increasing precedence, and validates the result.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if v, _ := cmd.Flags().GetString("backend"); v != "" {
		cfg.Backend = v
	}
	if v, _ := cmd.Flags().GetString("plugin"); v != "" {
		cfg.PluginPath = v
	}
	if v, _ := cmd.Flags().GetBool("debug"); v {
		cfg.Debug = true
	}
	if v, _ := cmd.Flags().GetBool("no-color"); v {
		cfg.NoColor = true
	}
	if !term.IsTerminal(os.Stdout.Fd()) {
		cfg.NoColor = true
	}
	colorize.SetEnabled(!cfg.NoColor)
	return cfg, cfg.Validate()
}

// openTracer builds a context over mem and returns the decoder for mode.
func openTracer(cfg config.Config, mem trace.Memory, mode trace.Mode) (*emu.Context, *trace.Decoder, error) {
	var lg *logging.LoggerCloser
	if logger != nil {
		lg = logger
	} else {
		lg = logging.NewLogger()
	}
	ctx, err := emu.NewContext(cfg, lg.Logger, mem)
	if err != nil {
		return nil, nil, err
	}
	dec := ctx.Decoder(mode)
	if dec == nil {
		ctx.Close()
		return nil, nil, fmt.Errorf("tracing unavailable for %v (backend %q)", mode, cfg.Backend)
	}
	return ctx, dec, nil
}

func parseAddr(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return v, nil
}

func Execute() {
	// Bypass fang when output is piped so help text stays plain.
	if !term.IsTerminal(os.Stdout.Fd()) {
		if err := rootCmd.Execute(); err != nil {
			os.Exit(1)
		}
		return
	}
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}
