// Package cypher implements Askr's Cypher front end and query executor:
// a hand-written lexer and recursive-descent parser for the supported
// clause subset, a compiler lowering the AST to a pipeline of relational
// operators (the IR), a standalone expression evaluator, and a stateless
// interpreter that runs IR plans against a graph view.
package cypher

import (
	"errors"
	"fmt"
)

// ErrNotCypher is returned when a statement does not start with a
// recognized clause keyword. Dispatch decisions must use IsCypher, never
// structural guesses like "contains parentheses".
var ErrNotCypher = errors.New("cypher: not a cypher statement")

// SyntaxError reports malformed Cypher, tagged with the byte offset and
// line/column where lexing or parsing failed.
type SyntaxError struct {
	Msg    string
	Offset int
	Line   int
	Column int
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("cypher: syntax error at line %d, column %d: %s", e.Line, e.Column, e.Msg)
}

func syntaxErrorf(offset, line, column int, format string, args ...any) *SyntaxError {
	return &SyntaxError{
		Msg:    fmt.Sprintf(format, args...),
		Offset: offset,
		Line:   line,
		Column: column,
	}
}

// CompileError reports a statement that parsed but cannot be lowered to
// IR: unknown functions, unsupported clauses, unbound variables. Compile
// errors surface before any execution begins.
type CompileError struct {
	Msg string
}

func (e *CompileError) Error() string {
	return "cypher: compile error: " + e.Msg
}

func compileErrorf(format string, args ...any) *CompileError {
	return &CompileError{Msg: fmt.Sprintf(format, args...)}
}

// RuntimeError reports a type error during expression evaluation,
// tagged with the offending expression and a short row context. The
// executor never converts a runtime error into an empty result set.
type RuntimeError struct {
	Expr string
	Row  string
	Msg  string
}

func (e *RuntimeError) Error() string {
	if e.Row == "" {
		return fmt.Sprintf("cypher: runtime error in %q: %s", e.Expr, e.Msg)
	}
	return fmt.Sprintf("cypher: runtime error in %q (row %s): %s", e.Expr, e.Row, e.Msg)
}

func runtimeErrorf(expr Expr, row Row, format string, args ...any) *RuntimeError {
	e := &RuntimeError{Msg: fmt.Sprintf(format, args...)}
	if expr != nil {
		e.Expr = expr.String()
	}
	if row != nil {
		e.Row = row.summary()
	}
	return e
}

// QueryTimeout reports an exceeded execution budget (row count or
// wall-clock deadline). Read-only queries simply stop producing rows;
// write transactions that time out roll back.
type QueryTimeout struct {
	Msg string
}

func (e *QueryTimeout) Error() string {
	return "cypher: query budget exceeded: " + e.Msg
}
