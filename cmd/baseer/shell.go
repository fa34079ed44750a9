//go:build linux

// The outer interactive shell (baseer -i): open a file, choose an
// analysis mode, close it, open another. It has its own completion set,
// distinct from the debugger's twelve-verb grammar in package dispatcher.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"

	"github.com/thxa/baseer/internal/render"
)

var shellCompleter = readline.NewPrefixCompleter(
	readline.PcItem("open"),
	readline.PcItem("args"),
	readline.PcItem("stored-args"),
	readline.PcItem("metadata"),
	readline.PcItem("disassembler"),
	readline.PcItem("decompiler"),
	readline.PcItem("debugger"),
	readline.PcItem("close"),
	readline.PcItem("help"),
	readline.PcItem("quit"),
	readline.PcItem("exit"),
)

type openTarget struct {
	path string
	blob []byte
}

func runInteractiveShell() error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:       "Baseer-CLI-> ",
		AutoComplete: shellCompleter,
	})
	if err != nil {
		return fmt.Errorf("baseer: init shell: %w", err)
	}
	defer rl.Close()

	fmt.Println("Welcome to Baseer CLI. Type 'help' for commands.")

	var target *openTarget
	var storedArgs []string

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == io.EOF || err == readline.ErrInterrupt {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case line == "quit" || line == "exit":
			return nil

		case line == "help":
			printShellHelp()

		case strings.HasPrefix(line, "open "):
			fname := strings.TrimSpace(strings.TrimPrefix(line, "open "))
			if target != nil {
				fmt.Println(render.Error("there is a file already open; use 'close' first"))
				continue
			}
			blob, err := os.ReadFile(fname)
			if err != nil {
				fmt.Println(render.Error(fmt.Sprintf("failed to open file: %v", err)))
				continue
			}
			target = &openTarget{path: fname, blob: blob}
			fmt.Printf("opening file: %s\n", fname)

		case line == "stored-args":
			printStoredArgs(storedArgs)

		case strings.HasPrefix(line, "args "):
			storedArgs = strings.Fields(strings.TrimPrefix(line, "args "))
			printStoredArgs(storedArgs)

		case line == "metadata":
			if !requireTarget(target) {
				continue
			}
			if err := printMetadata(target.blob); err != nil {
				fmt.Println(render.Error(err.Error()))
			}

		case line == "disassembler":
			if !requireTarget(target) {
				continue
			}
			if err := printDisassembly(target.blob); err != nil {
				fmt.Println(render.Error(err.Error()))
			}

		case line == "decompiler":
			if !requireTarget(target) {
				continue
			}
			if err := runDecompile(target.blob); err != nil {
				fmt.Println(render.Error(err.Error()))
			}

		case line == "debugger":
			if !requireTarget(target) {
				continue
			}
			if err := runDebugSession(target.blob, storedArgs); err != nil {
				fmt.Println(render.Error(err.Error()))
			}

		case line == "close":
			if target == nil {
				fmt.Println("no file is currently open")
				continue
			}
			target = nil
			fmt.Println("closed.")

		default:
			fmt.Printf("unknown command: %s\n", line)
		}
	}
}

func requireTarget(target *openTarget) bool {
	if target == nil {
		fmt.Println(render.Error("no file opened; use 'open <file>' first"))
		return false
	}
	return true
}

func printStoredArgs(args []string) {
	if len(args) == 0 {
		fmt.Println("no arguments stored")
		return
	}
	fmt.Println("stored arguments:")
	for i, a := range args {
		fmt.Printf("  [%d] %s\n", i, a)
	}
}

func printShellHelp() {
	fmt.Println(`commands:
  open <file>        open a file with baseer
  args <a1 a2 ...>    set extra arguments for tool invocations
  stored-args         print stored arguments
  metadata            print metadata of the file
  disassembler        disassemble the file
  decompiler          decompile the file
  debugger            debug the file
  close               close the current file
  quit/exit           exit the program`)
}
