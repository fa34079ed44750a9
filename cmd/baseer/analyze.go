package main

import (
	"fmt"

	"github.com/thxa/baseer/internal/binsrc"
	"github.com/thxa/baseer/internal/decompiler"
	"github.com/thxa/baseer/internal/disasm"
	"github.com/thxa/baseer/internal/elfmodel"
	"github.com/thxa/baseer/internal/render"
)

func printMetadata(blob []byte) error {
	lines, err := metadataLines(blob)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}

func metadataLines(blob []byte) ([]string, error) {
	img, err := elfmodel.Parse(binsrc.FromBytes(blob))
	if err != nil {
		return nil, fmt.Errorf("baseer: parse elf: %w", err)
	}

	lines := []string{
		render.Header("ELF metadata"),
		fmt.Sprintf("type:    %s", img.Type),
		fmt.Sprintf("machine: %s", img.Machine),
		fmt.Sprintf("entry:   %s", render.Address(img.EntryVA)),
		fmt.Sprintf("pie:     %v", img.IsPIE()),
		fmt.Sprintf("program headers: %d", len(img.ProgramHeaders)),
		fmt.Sprintf("section headers: %d", len(img.SectionHeaders)),
		fmt.Sprintf("symbols:         %d", len(img.Symbols)),
	}
	for _, ph := range img.ProgramHeaders {
		lines = append(lines, fmt.Sprintf(
			"  segment type=%d flags=%s off=0x%x vaddr=0x%x filesz=0x%x memsz=0x%x",
			ph.Type, ph.Flags, ph.Offset, ph.VAddr, ph.FileSz, ph.MemSz))
	}
	for _, sh := range img.SectionHeaders {
		lines = append(lines, fmt.Sprintf(
			"  section %-20s vaddr=0x%x off=0x%x size=0x%x", sh.Name, sh.VAddr, sh.Offset, sh.Size))
	}
	for _, sym := range img.Symbols {
		if sym.Name == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("  symbol %-30s %s", sym.Name, render.Address(sym.Value)))
	}
	return lines, nil
}

func printDisassembly(blob []byte) error {
	lines, err := disassemblyLines(blob)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}

// disassemblyLines decodes every PT_LOAD segment flagged executable,
// reading straight from the file's on-disk bytes at its file offset.
func disassemblyLines(blob []byte) ([]string, error) {
	img, err := elfmodel.Parse(binsrc.FromBytes(blob))
	if err != nil {
		return nil, fmt.Errorf("baseer: parse elf: %w", err)
	}

	mode := disasm.Mode64
	if img.Class == elfmodel.ELF32 {
		mode = disasm.Mode32
	}

	var lines []string
	for _, ph := range img.ProgramHeaders {
		if ph.Type != elfmodel.PTLoad || ph.Flags&elfmodel.PFExec == 0 {
			continue
		}
		end := ph.Offset + ph.FileSz
		if end > uint64(len(blob)) {
			end = uint64(len(blob))
		}
		if ph.Offset >= end {
			continue
		}
		code := blob[ph.Offset:end]
		lines = append(lines, render.Header(fmt.Sprintf("; segment at %s", render.Address(ph.VAddr))))
		for _, inst := range disasm.Sequence(code, ph.VAddr, mode, len(code)) {
			lines = append(lines, render.Instruction(fmt.Sprintf("0x%x: %s", inst.Address, inst.String())))
		}
	}
	return lines, nil
}

func runDecompile(blob []byte) error {
	out, err := decompiler.Run(decompilerTool, blob)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}
