package api

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoStartNode is returned when a definition has no START node.
	ErrNoStartNode = errors.New("no start node")

	// ErrTargetNodeNotFound is returned when an event targets a node id that
	// is absent from the definition.
	ErrTargetNodeNotFound = errors.New("target node not found")

	// ErrEntityNotFound is returned when a required entity (for example the
	// END node of a definition) does not exist.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrInvalidDefinition covers the remaining structural violations.
	ErrInvalidDefinition = errors.New("invalid flow definition")

	// ErrContextNotFound is returned by repositories for unknown context ids.
	ErrContextNotFound = errors.New("context not found")

	// ErrDefinitionNotFound is returned when no definition is registered for
	// a stream identifier.
	ErrDefinitionNotFound = errors.New("definition not found")

	// ErrInvalidTransition is returned when an operation does not apply to
	// the context's current status or position.
	ErrInvalidTransition = errors.New("invalid context transition")

	// ErrLineageTerminated is returned when an operation targets a lineage
	// that was terminated.
	ErrLineageTerminated = errors.New("lineage terminated")

	// ErrLockNotHeld is returned when releasing a lock the caller no longer owns.
	ErrLockNotHeld = errors.New("lock not held")

	// ErrEngineClosed is returned by operations on a closed engine.
	ErrEngineClosed = errors.New("engine closed")

	// ErrNoMatch is recorded on a context for which no outgoing event of a
	// node matched.
	ErrNoMatch = errors.New("no outgoing event matched")

	// ErrHandlerNotFound is returned when an auto-state node names a task
	// handler that is not registered.
	ErrHandlerNotFound = errors.New("task handler not found")
)

// DefinitionError is a fatal, construction-time graph definition error.
type DefinitionError struct {
	StreamID string
	NodeID   string
	Err      error
}

func (e *DefinitionError) Error() string {
	var b strings.Builder
	b.WriteString("flow definition")
	if e.StreamID != "" {
		b.WriteString(" ")
		b.WriteString(e.StreamID)
	}
	if e.NodeID != "" {
		b.WriteString(" node ")
		b.WriteString(e.NodeID)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}

// GrammarError means a condition rule does not parse as an expression.
type GrammarError struct {
	Rule string
	Err  error
}

func (e *GrammarError) Error() string {
	return fmt.Sprintf("condition rule %q: grammar error: %v", e.Rule, e.Err)
}

func (e *GrammarError) Unwrap() error { return e.Err }

// PathError means a dotted key lookup crosses a value that is not a map.
type PathError struct {
	Rule string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("condition rule %q: cannot resolve path %q: %v", e.Rule, e.Path, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }

// TypeError means a condition rule evaluated to something other than a bool
// or applied an operator to incompatible operands.
type TypeError struct {
	Rule string
	Got  string
	Err  error
}

func (e *TypeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("condition rule %q: type error: %v", e.Rule, e.Err)
	}
	return fmt.Sprintf("condition rule %q: expected bool result, got %s", e.Rule, e.Got)
}

func (e *TypeError) Unwrap() error { return e.Err }

// ExecutionError is a task failure at a node, carried as structured error
// info on the failing context.
type ExecutionError struct {
	Code       ErrorCode
	HandlerID  string
	NodeName   string
	Args       []string
	Properties map[string]any
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("node %s (handler %s): %v", e.NodeName, e.HandlerID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// IsConditionError reports whether err is one of the typed condition
// evaluation failures.
func IsConditionError(err error) bool {
	var (
		g *GrammarError
		p *PathError
		t *TypeError
	)
	return errors.As(err, &g) || errors.As(err, &p) || errors.As(err, &t)
}

// ErrorCodeOf maps an error onto the numeric code stored in ErrorInfo.
func ErrorCodeOf(err error) ErrorCode {
	var (
		g  *GrammarError
		p  *PathError
		t  *TypeError
		ex *ExecutionError
	)
	switch {
	case errors.As(err, &g):
		return ErrCodeGrammar
	case errors.As(err, &p):
		return ErrCodePath
	case errors.As(err, &t):
		return ErrCodeType
	case errors.As(err, &ex):
		if ex.Code != 0 {
			return ex.Code
		}
		return ErrCodeExecution
	case errors.Is(err, ErrNoMatch):
		return ErrCodeNoMatch
	case errors.Is(err, ErrLineageTerminated):
		return ErrCodeTerminated
	default:
		return ErrCodeExecution
	}
}
