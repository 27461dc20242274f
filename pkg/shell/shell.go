// Package shell builds command lines that are passed to a remote POSIX shell.
//
// Quoting is conservative: every token is wrapped in double quotes and the
// characters that keep their meaning inside double quotes are escaped.
// It does not try to cover the full shell grammar.
package shell

import (
	"regexp"
	"sort"
	"strings"

	"github.com/andrej220/batchexec/internal/lg"
)

// see man bash > DEFINITIONS
var identifier = regexp.MustCompile(`^[A-Za-z_][0-9A-Za-z_]*$`)

// see man bash > QUOTING: $, `, ", \ and <newline>
var metachars = regexp.MustCompile("[$`\"\\\\\n]")

// Quote returns token as a double-quoted shell word.
func Quote(token string) string {
	var b strings.Builder
	b.Grow(len(token) + 2)
	b.WriteByte('"')
	b.WriteString(metachars.ReplaceAllString(token, `\$0`))
	b.WriteByte('"')
	return b.String()
}

// IsSafeIdentifier reports whether name can be used as an environment
// variable name without further quoting.
func IsSafeIdentifier(name string) bool {
	return identifier.MatchString(name)
}

// BuildCommand renders env as NAME="value" assignments followed by the
// quoted tokens. Entries whose name is not a safe identifier are dropped
// and reported through logger.
func BuildCommand(tokens []string, env map[string]string, logger lg.Logger) string {
	if logger == nil {
		logger = lg.Discard
	}
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)

	words := make([]string, 0, len(names)+len(tokens))
	for _, name := range names {
		if !IsSafeIdentifier(name) {
			logger.Warn("environment variable dropped: invalid name", lg.String("name", name))
			continue
		}
		words = append(words, name+"="+Quote(env[name]))
	}
	for _, token := range tokens {
		words = append(words, Quote(token))
	}
	return strings.Join(words, " ")
}
