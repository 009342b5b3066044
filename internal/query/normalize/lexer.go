package normalize

import (
	"github.com/alecthomas/participle/v2/lexer"
)

// sqlLexer splits a statement into the few token classes normalization needs.
// Anything unrecognized becomes a single Other rune, so lexing never fails on
// well-formed UTF-8.
var sqlLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "String", Pattern: `'(?:[^']|'')*'`},
	{Name: "QuotedIdent", Pattern: "\"(?:[^\"]|\"\")*\"|`[^`]*`"},
	{Name: "LineComment", Pattern: `--[^\n]*`},
	{Name: "BlockComment", Pattern: `/\*[\s\S]*?\*/`},
	{Name: "Cast", Pattern: `::`},
	{Name: "Param", Pattern: `:[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_$]*`},
	{Name: "Number", Pattern: `[0-9]+(?:\.[0-9]+)?(?:[eE][+-]?[0-9]+)?`},
	{Name: "Whitespace", Pattern: `[\s\x00-\x1f]+`},
	{Name: "Punct", Pattern: `[(),;/*=+<>]`},
	{Name: "Other", Pattern: `.`},
})

var (
	symbols         = sqlLexer.Symbols()
	tokString       = symbols["String"]
	tokLineComment  = symbols["LineComment"]
	tokBlockComment = symbols["BlockComment"]
	tokCast         = symbols["Cast"]
	tokParam        = symbols["Param"]
	tokWhitespace   = symbols["Whitespace"]
	tokPunct        = symbols["Punct"]
)

func tokenize(sql string) ([]lexer.Token, error) {
	lex, err := sqlLexer.LexString("", sql)
	if err != nil {
		return nil, err
	}
	tokens, err := lexer.ConsumeAll(lex)
	if err != nil {
		return nil, err
	}
	// ConsumeAll keeps the trailing EOF token.
	if n := len(tokens); n > 0 && tokens[n-1].EOF() {
		tokens = tokens[:n-1]
	}
	return tokens, nil
}

func isSpace(tok lexer.Token) bool {
	return tok.Type == tokWhitespace || tok.Type == tokLineComment || tok.Type == tokBlockComment
}
