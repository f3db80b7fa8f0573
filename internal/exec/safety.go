// Package exec validates executable names and arguments before they are
// placed on a subprocess command line. The workspace agent command and its
// configured arguments pass through here; nothing in this package runs
// anything.
package exec

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// shellMetachars could change meaning if the value ever reached a
	// shell. Commands here are run via argv, but config values are also
	// echoed into logs and diagnostics, so they stay banned.
	shellMetachars = regexp.MustCompile(`[;&|` + "`" + `$<>]`)

	// controlChars covers newlines and carriage returns.
	controlChars = regexp.MustCompile(`[\r\n]`)

	quoteChars = regexp.MustCompile(`["']`)

	// bareNamePattern matches executable names resolved through PATH.
	bareNamePattern = regexp.MustCompile(`^[A-Za-z0-9._+-]+$`)

	windowsDriveLetter = regexp.MustCompile(`^[A-Za-z]:[\\/]`)
)

// Executable validation errors.
var (
	ErrEmptyValue           = errors.New("executable value is empty")
	ErrNullByte             = errors.New("executable value contains null byte")
	ErrControlChar          = errors.New("executable value contains control characters")
	ErrShellMetachar        = errors.New("executable value contains shell metacharacters")
	ErrQuoteChar            = errors.New("executable value contains quote characters")
	ErrOptionInjection      = errors.New("executable value starts with dash")
	ErrInvalidBareNameChars = errors.New("executable value contains invalid characters for bare name")
)

// isLikelyPath reports whether the value is a file path rather than a bare
// name: it starts with . ~ / \ or a Windows drive letter, or contains a
// path separator.
func isLikelyPath(value string) bool {
	if value == "" {
		return false
	}
	if strings.HasPrefix(value, ".") || strings.HasPrefix(value, "~") {
		return true
	}
	if strings.Contains(value, "/") || strings.Contains(value, "\\") {
		return true
	}
	return windowsDriveLetter.MatchString(value)
}

// SanitizeExecutableValue validates an executable name or path and returns
// it trimmed. Paths may contain separators; bare names must match
// [A-Za-z0-9._+-]+ and may not start with '-', which would read as an
// option to whatever launches them.
func SanitizeExecutableValue(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", ErrEmptyValue
	}
	if strings.Contains(trimmed, "\x00") {
		return "", ErrNullByte
	}
	if controlChars.MatchString(trimmed) {
		return "", ErrControlChar
	}
	if shellMetachars.MatchString(trimmed) {
		return "", ErrShellMetachar
	}
	if quoteChars.MatchString(trimmed) {
		return "", ErrQuoteChar
	}
	if isLikelyPath(trimmed) {
		return trimmed, nil
	}
	if strings.HasPrefix(trimmed, "-") {
		return "", ErrOptionInjection
	}
	if !bareNamePattern.MatchString(trimmed) {
		return "", ErrInvalidBareNameChars
	}
	return trimmed, nil
}
