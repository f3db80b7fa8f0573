package exec

import (
	"errors"
	"strconv"
)

// Argument validation errors.
var (
	ErrEmptyArgument         = errors.New("argument is empty")
	ErrArgumentNullByte      = errors.New("argument contains null byte")
	ErrArgumentControlChar   = errors.New("argument contains control characters")
	ErrArgumentShellMetachar = errors.New("argument contains shell metacharacters")
)

// SanitizeArgument validates one configured argument. Arguments are looser
// than executables: leading dashes and quotes are legitimate, but null
// bytes, control characters and shell metacharacters are not.
func SanitizeArgument(arg string) (string, error) {
	if arg == "" {
		return "", ErrEmptyArgument
	}
	for i := 0; i < len(arg); i++ {
		if arg[i] == 0 {
			return "", ErrArgumentNullByte
		}
	}
	if controlChars.MatchString(arg) {
		return "", ErrArgumentControlChar
	}
	if shellMetachars.MatchString(arg) {
		return "", ErrArgumentShellMetachar
	}
	return arg, nil
}

// SanitizeArguments validates a slice of arguments, reporting the first
// offender by position. A nil slice is valid and stays nil.
func SanitizeArguments(args []string) ([]string, error) {
	if args == nil {
		return nil, nil
	}
	out := make([]string, 0, len(args))
	for i, arg := range args {
		clean, err := SanitizeArgument(arg)
		if err != nil {
			return nil, &ArgumentError{Index: i, Arg: arg, Err: err}
		}
		out = append(out, clean)
	}
	return out, nil
}

// ArgumentError reports which argument failed validation.
type ArgumentError struct {
	Index int
	Arg   string
	Err   error
}

func (e *ArgumentError) Error() string {
	return "argument " + strconv.Itoa(e.Index) + " is unsafe: " + e.Err.Error()
}

func (e *ArgumentError) Unwrap() error {
	return e.Err
}
