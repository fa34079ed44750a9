//go:build linux

package main

import (
	"fmt"
	"io"

	"github.com/chzyer/readline"

	"github.com/thxa/baseer/internal/binsrc"
	"github.com/thxa/baseer/internal/debugger"
	"github.com/thxa/baseer/internal/dispatcher"
	"github.com/thxa/baseer/internal/elfmodel"
	"github.com/thxa/baseer/internal/render"
	"github.com/thxa/baseer/internal/tracee"
)

var debuggerVerbCompleter = readline.NewPrefixCompleter(
	readline.PcItem("bp"),
	readline.PcItem("dp"),
	readline.PcItem("lp"),
	readline.PcItem("si"),
	readline.PcItem("so"),
	readline.PcItem("c"),
	readline.PcItem("x"),
	readline.PcItem("set"),
	readline.PcItem("i"),
	readline.PcItem("vmmap"),
	readline.PcItem("h"),
	readline.PcItem("q"),
)

// runDebugSession starts a tracee from blob and drives it from a
// dedicated REPL over the twelve-verb grammar in package dispatcher.
func runDebugSession(blob []byte, argv []string) error {
	arch, err := archForBlob(blob)
	if err != nil {
		return err
	}

	core, err := debugger.Start(blob, arch, argv)
	if err != nil {
		return fmt.Errorf("baseer: start debugger: %w", err)
	}
	defer core.Quit()

	fmt.Println(render.Header("stopped at entry"))
	printContext(core)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:       "baseer-dbg> ",
		AutoComplete: debuggerVerbCompleter,
	})
	if err != nil {
		return fmt.Errorf("baseer: init shell: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == io.EOF || err == readline.ErrInterrupt {
				return nil
			}
			return err
		}
		if line == "" {
			continue
		}

		cmd, err := dispatcher.Parse(line)
		if err != nil {
			fmt.Println(render.Error(err.Error()))
			continue
		}
		result, err := dispatcher.Apply(core, cmd)
		if err != nil {
			fmt.Println(render.Error(err.Error()))
			continue
		}
		for _, l := range result.Lines {
			fmt.Println(l)
		}
		if result.Quit {
			return nil
		}
	}
}

func printContext(core *debugger.Core) {
	ctx, err := core.Context()
	if err != nil {
		fmt.Println(render.Error(err.Error()))
		return
	}
	for _, r := range ctx.Registers {
		fmt.Printf("%-6s 0x%016x\n", render.RegisterName(r.Name), r.Value)
	}
	for _, f := range ctx.Flags {
		if f.Set {
			fmt.Println(render.FlagSet(f.Name))
		}
	}
	for _, inst := range ctx.Code {
		fmt.Println(render.Instruction(fmt.Sprintf("0x%x: %s", inst.Address, inst.String())))
	}
}

// archForBlob peeks at the ELF class so the tracee controller can mask
// register access for a 32-bit target, before the debugger core's own
// (self-contained) parse runs.
func archForBlob(blob []byte) (tracee.Arch, error) {
	img, err := elfmodel.Parse(binsrc.FromBytes(blob))
	if err != nil {
		return 0, fmt.Errorf("baseer: parse elf: %w", err)
	}
	if img.Class == elfmodel.ELF32 {
		return tracee.Arch32, nil
	}
	return tracee.Arch64, nil
}
