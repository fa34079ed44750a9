package render

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"
)

// IDA-Pro-inspired palette for the chroma style below. The ANSI helpers in
// render.go do not reference these constants; RegisterName uses the same
// color as disasmRegister, and Address and SymbolName that of disasmLabel.
const (
	disasmAddress  = "#808080"
	disasmMnemonic = "#FFFFFF"
	disasmRegister = "#87CEEB"
	disasmNumber   = "#FF80C0"
	disasmLabel    = "#FFC800"
	disasmComment  = "#FF8000"
)

// DisasmDark is the chroma style used to colorize decoded instruction
// lines printed by the CLI's disassembly dump and debugger context display.
var DisasmDark = styles.Register(chroma.MustNewStyle("disasm-dark", chroma.StyleEntries{
	chroma.Text:           disasmMnemonic,
	chroma.Background:     "bg:#000000",
	chroma.Comment:        disasmComment,
	chroma.CommentPreproc: disasmComment,

	chroma.Keyword:       disasmMnemonic,
	chroma.KeywordPseudo: disasmMnemonic,
	chroma.Name:          disasmRegister,
	chroma.NameBuiltin:   disasmRegister,
	chroma.NameVariable:  disasmRegister,

	chroma.LiteralNumber:        disasmNumber,
	chroma.LiteralNumberHex:     disasmNumber,
	chroma.LiteralNumberInteger: disasmNumber,

	chroma.NameLabel:    disasmLabel,
	chroma.NameFunction: disasmMnemonic,

	chroma.Operator:    disasmMnemonic,
	chroma.Punctuation: disasmMnemonic,
}))
