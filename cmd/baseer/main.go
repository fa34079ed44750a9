// Command baseer is a small ELF analysis toolkit for x86 and x86-64
// Linux binaries: metadata dump, static disassembly, an external
// decompiler collaborator, and a ptrace-based interactive debugger.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/thxa/baseer/internal/log"
)

var (
	metaFlag        bool
	disasmFlag      bool
	decompFlag      bool
	debugFlag       bool
	interactiveFlag bool
	verboseFlag     bool
	extraArgs       []string
	decompilerTool  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "baseer [file]",
		Short: "Inspect and debug x86/x86-64 ELF binaries",
		Long: `baseer parses ELF executables, disassembles their executable regions,
hands them to an external decompiler, or drops into a ptrace-based
interactive debugger.

Examples:
  baseer ./target -m                  # print ELF metadata
  baseer ./target -a                  # disassemble executable regions
  baseer ./target -c                  # invoke the external decompiler
  baseer ./target -d --args foo bar   # debug, passing argv to the tracee
  baseer -i                           # interactive shell`,
		Args:                  cobra.MaximumNArgs(1),
		DisableFlagsInUseLine: true,
		RunE:                  run,
	}

	rootCmd.Flags().BoolVarP(&metaFlag, "metadata", "m", false, "print ELF metadata")
	rootCmd.Flags().BoolVarP(&disasmFlag, "disasm", "a", false, "disassemble executable regions")
	rootCmd.Flags().BoolVarP(&decompFlag, "decompile", "c", false, "invoke the external decompiler")
	rootCmd.Flags().BoolVarP(&debugFlag, "debug", "d", false, "enter the interactive debugger")
	rootCmd.Flags().BoolVarP(&interactiveFlag, "interactive", "i", false, "enter the interactive shell")
	rootCmd.Flags().BoolVarP(&verboseFlag, "verbose", "v", false, "verbose debug logging")
	rootCmd.Flags().StringArrayVar(&extraArgs, "args", nil, "argv passed to the tracee under -d")
	rootCmd.Flags().StringVar(&decompilerTool, "decompiler", defaultDecompiler(), "external decompiler executable (overrides $BASEER_DECOMPILER)")

	// Every token after --args belongs to the tracee, so it is split off
	// before flag parsing sees it.
	cliArgs := os.Args[1:]
	for i, a := range cliArgs {
		if a == "--args" {
			extraArgs = cliArgs[i+1:]
			cliArgs = cliArgs[:i]
			break
		}
	}
	rootCmd.SetArgs(cliArgs)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// defaultDecompiler prefers the BASEER_DECOMPILER environment variable,
// falling back to retdec.
func defaultDecompiler() string {
	if tool := os.Getenv("BASEER_DECOMPILER"); tool != "" {
		return tool
	}
	return "retdec-decompiler"
}

func run(cmd *cobra.Command, args []string) error {
	log.Init(verboseFlag)

	if interactiveFlag {
		return runInteractiveShell()
	}

	if len(args) == 0 {
		return fmt.Errorf("baseer: a file argument is required unless -i is given")
	}
	path := args[0]
	blob, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("baseer: read %s: %w", path, err)
	}

	switch {
	case metaFlag:
		return printMetadata(blob)
	case disasmFlag:
		return printDisassembly(blob)
	case decompFlag:
		return runDecompile(blob)
	case debugFlag:
		return runDebugSession(blob, extraArgs)
	default:
		return fmt.Errorf("baseer: specify one of -m, -a, -c, -d, -i")
	}
}
