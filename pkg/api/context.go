package api

import (
	"bytes"
	"errors"
	"maps"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
)

// ContextStatus is the lifecycle state of a flow context.
type ContextStatus string

const (
	// ContextPending: at rest at Position, awaiting processing there.
	ContextPending ContextStatus = "PENDING"
	// ContextWaiting: parked at a manual-state node until completed.
	ContextWaiting ContextStatus = "WAITING"
	// ContextForwarded: the hop finished and derived contexts exist.
	ContextForwarded ContextStatus = "FORWARDED"
	// ContextArchived: reached the end node.
	ContextArchived ContextStatus = "ARCHIVED"
	// ContextUnmatched: a condition node matched none of its edges.
	ContextUnmatched ContextStatus = "UNMATCHED"
	// ContextError: halted by an execution or evaluation failure.
	ContextError ContextStatus = "ERROR"
	// ContextTerminated: the lineage was cancelled.
	ContextTerminated ContextStatus = "TERMINATED"
	// ContextRecovery: persistence kept failing; needs manual recovery.
	ContextRecovery ContextStatus = "RECOVERY"
)

// Final reports whether no further automatic processing happens for a
// context in this status.
func (s ContextStatus) Final() bool {
	switch s {
	case ContextForwarded, ContextArchived, ContextUnmatched, ContextTerminated:
		return true
	default:
		return false
	}
}

// ErrorCode is the numeric code carried in ErrorInfo.
type ErrorCode int

const (
	ErrCodeExecution   ErrorCode = 10000
	ErrCodeGrammar     ErrorCode = 10001
	ErrCodePath        ErrorCode = 10002
	ErrCodeType        ErrorCode = 10003
	ErrCodeNoMatch     ErrorCode = 10004
	ErrCodeTerminated  ErrorCode = 10005
	ErrCodePersistence ErrorCode = 10006

	// ErrCodeLegacy is what historical string-valued codes decode to.
	ErrCodeLegacy ErrorCode = 90000
)

// UnmarshalJSON accepts numbers, numeric strings and legacy string codes.
func (c *ErrorCode) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*c = 0
		return nil
	}
	if b[0] == '"' {
		s, err := strconv.Unquote(string(b))
		if err != nil {
			*c = ErrCodeLegacy
			return nil
		}
		if n, err := strconv.Atoi(s); err == nil {
			*c = ErrorCode(n)
			return nil
		}
		*c = ErrCodeLegacy
		return nil
	}
	n, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		*c = ErrCodeLegacy
		return nil
	}
	*c = ErrorCode(int(n))
	return nil
}

// ErrorInfo is the structured error attached to a failed context.
type ErrorInfo struct {
	ErrorCode    ErrorCode      `json:"errorCode"`
	ErrorMessage string         `json:"errorMessage"`
	Args         []string       `json:"args,omitempty"`
	FitableID    string         `json:"fitableId,omitempty"`
	NodeName     string         `json:"nodeName,omitempty"`
	Properties   map[string]any `json:"properties,omitempty"`
}

// NewErrorInfo builds error info for err raised at node.
func NewErrorInfo(err error, node *FlowNode) *ErrorInfo {
	info := &ErrorInfo{
		ErrorCode:    ErrorCodeOf(err),
		ErrorMessage: err.Error(),
	}
	if node != nil {
		info.NodeName = node.DisplayName()
		info.FitableID = node.TaskID
	}
	var ex *ExecutionError
	if errors.As(err, &ex) {
		if ex.HandlerID != "" {
			info.FitableID = ex.HandlerID
		}
		if ex.NodeName != "" {
			info.NodeName = ex.NodeName
		}
		info.Args = ex.Args
		info.Properties = ex.Properties
	}
	return info
}

// FlowContext is one in-flight data token traversing a compiled graph.
//
// The JSON form is the persisted shape; PassData never leaves the process.
type FlowContext struct {
	ID       string `json:"id"`
	TraceID  string `json:"traceId"`
	ParentID string `json:"parentId,omitempty"`
	StreamID string `json:"streamId"`
	Position string `json:"position"`

	Operator  string    `json:"operator,omitempty"`
	StartTime time.Time `json:"startTime"`

	BusinessData map[string]any `json:"businessData"`
	ContextData  map[string]any `json:"contextData"`
	PassData     map[string]any `json:"-"`

	ErrorMessage string     `json:"errorMessage,omitempty"`
	ErrorInfo    *ErrorInfo `json:"errorInfo,omitempty"`

	Status    ContextStatus `json:"status"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// HasError reports whether error info is attached.
func (c *FlowContext) HasError() bool {
	return c.ErrorInfo != nil
}

// SetError attaches structured error info for err raised at node.
func (c *FlowContext) SetError(err error, node *FlowNode) {
	c.ErrorInfo = NewErrorInfo(err, node)
	c.ErrorMessage = err.Error()
}

// Clone returns a deep-enough copy: maps are copied one level deep.
func (c *FlowContext) Clone() *FlowContext {
	out := *c
	out.BusinessData = maps.Clone(c.BusinessData)
	out.ContextData = maps.Clone(c.ContextData)
	out.PassData = maps.Clone(c.PassData)
	if c.ErrorInfo != nil {
		info := *c.ErrorInfo
		out.ErrorInfo = &info
	}
	return &out
}

// Derive creates the child context that traverses an edge to target.
func (c *FlowContext) Derive(id, target string) *FlowContext {
	child := c.Clone()
	child.ID = id
	child.ParentID = c.ID
	child.Position = target
	child.Status = ContextPending
	return child
}

// MergeBusinessData copies data into BusinessData.
func (c *FlowContext) MergeBusinessData(data map[string]any) {
	if c.BusinessData == nil {
		c.BusinessData = make(map[string]any, len(data))
	}
	maps.Copy(c.BusinessData, data)
}

// UnmarshalJSON decodes the persisted shape and leaves PassData empty.
func (c *FlowContext) UnmarshalJSON(b []byte) error {
	type persisted FlowContext
	var p persisted
	if err := sonic.ConfigStd.Unmarshal(b, &p); err != nil {
		return err
	}
	*c = FlowContext(p)
	c.PassData = nil
	if c.BusinessData == nil {
		c.BusinessData = map[string]any{}
	}
	if c.ContextData == nil {
		c.ContextData = map[string]any{}
	}
	return nil
}
