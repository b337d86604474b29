package template

import "fmt"

// Kind classifies template errors. The values mirror the exception names
// template authors see in log output.
type Kind string

const (
	KindSyntax       Kind = "TemplateSyntaxError"
	KindUndefined    Kind = "UndefinedError"
	KindType         Kind = "TypeError"
	KindValue        Kind = "ValueError"
	KindZeroDivision Kind = "ZeroDivisionError"
	KindOverflow     Kind = "OverflowError"
	KindRuntime      Kind = "TemplateError"
)

// Error is the value a failed compile or render produces. Render errors are
// returned as results, never raised across the tracking engine.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

func (e *Error) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s: %s (line %d)", e.Kind, e.Message, e.Line)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is lets errors.Is match on kind: errors.Is(err, &Error{Kind: KindSyntax}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// IsSyntax reports whether the error was raised while compiling.
func (e *Error) IsSyntax() bool {
	return e != nil && e.Kind == KindSyntax
}

func syntaxErrorf(line int, format string, args ...interface{}) *Error {
	return &Error{Kind: KindSyntax, Message: fmt.Sprintf(format, args...), Line: line}
}

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
