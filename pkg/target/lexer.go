package target

import (
	"github.com/alecthomas/participle/v2/lexer"
)

// LinkerScriptLexer tokenizes GNU ld scripts well enough to pick out the
// MEMORY command. Everything outside MEMORY is lexed but otherwise ignored.
var LinkerScriptLexer = lexer.MustSimple([]lexer.SimpleRule{
	// C style block comments and line comments
	{Name: "Comment", Pattern: `/\*(?s:.*?)\*/|//[^\n]*`},

	{Name: "Whitespace", Pattern: `[\s]+`},

	// MEMORY is the only keyword the grammar cares about
	{Name: "KwMemory", Pattern: `\bMEMORY\b`},

	// 0x08000000, 64K, 1M
	{Name: "Number", Pattern: `0[xX][0-9a-fA-F]+[KkMm]?|[0-9]+[KkMm]?`},

	{Name: "String", Pattern: `"[^"]*"`},

	// Symbols may contain dots (.text, _stack_start, __ebss)
	{Name: "Ident", Pattern: `[a-zA-Z_.$][a-zA-Z0-9_.$]*`},

	{Name: "Punct", Pattern: `[-+*/%(){}\[\]:;,=!<>&|~?@#^']`},
})
