// Package config parses the hide-set file handed to the monitor on
// startup and binds the cmd/ entrypoint's runtime settings.
package config

import (
	"fmt"

	"github.com/alecthomas/participle"
	"github.com/alecthomas/participle/lexer"

	"github.com/Fallengif/Magisk/internal/target"
)

// hideSetLexer tokenizes a hide-set file into TOKEN words (package
// names, process names/paths, and the ISOLATED keyword all fall out of
// the same rule, since a Java package name and an app-process path
// both contain characters a plain identifier token would reject) plus
// whitespace and "#" line comments, both elided.
var hideSetLexer = lexer.Must(lexer.Regexp(
	`(?P<Comment>#[^\n]*)` +
		`|(?P<Whitespace>\s+)` +
		`|(?P<Token>[^\s#]+)`,
))

// grammar describes a hide-set file as a sequence of token pairs,
// conventionally written one pair per line in either shape:
//
//	package.name process-name
//	ISOLATED process-name-prefix
//
// Newlines are elided like any other whitespace, so pairing is by
// token order, not by line.
type hideSetFile struct {
	Entries []*hideSetEntry `@@*`
}

type hideSetEntry struct {
	Package string `@Token`
	Process string `@Token`
}

var hideSetParser = participle.MustBuild(
	&hideSetFile{},
	participle.Lexer(hideSetLexer),
	participle.Elide("Comment", "Whitespace"),
)

// LoadHideSet parses the hide-set grammar out of content and returns
// it as target.Hide entries ready for Directory.SetHideSet. A Package
// field of literal "ISOLATED" (case-sensitive) maps to
// target.IsolatedSentinel.
func LoadHideSet(content []byte) ([]target.Hide, error) {
	var file hideSetFile
	if err := hideSetParser.ParseBytes(content, &file); err != nil {
		return nil, fmt.Errorf("config: parse hide set: %w", err)
	}

	hides := make([]target.Hide, 0, len(file.Entries))
	for _, e := range file.Entries {
		pkg := e.Package
		if pkg == "ISOLATED" {
			pkg = target.IsolatedSentinel
		}
		hides = append(hides, target.Hide{Package: pkg, Process: e.Process})
	}
	return hides, nil
}
