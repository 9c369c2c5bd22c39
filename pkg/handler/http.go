package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// HTTPConfig tunes an HTTP task handler.
type HTTPConfig struct {
	Method     string            `yaml:"method" default:"POST"`
	Timeout    time.Duration     `yaml:"timeout" default:"30s"`
	MaxRetries int               `yaml:"maxRetries" default:"0"`
	RetryWait  time.Duration     `yaml:"retryWait" default:"100ms"`
	Headers    map[string]string `yaml:"headers"`
}

// Request is the JSON body sent for each context.
type Request struct {
	ContextID    string         `json:"contextId"`
	TraceID      string         `json:"traceId"`
	Position     string         `json:"position"`
	BusinessData map[string]any `json:"businessData"`
}

// HTTP invokes a remote endpoint once per context of the window and merges
// the JSON object it answers with into the context's business data.
type HTTP struct {
	url    string
	method string
	client *resty.Client
}

var _ api.TaskHandler = (*HTTP)(nil)

// NewHTTP returns a handler calling url.
func NewHTTP(url string, cfg HTTPConfig) *HTTP {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(cfg.RetryWait).
		SetHeaders(cfg.Headers).
		SetHeader("Content-Type", "application/json")
	client.JSONMarshal = sonic.Marshal
	client.JSONUnmarshal = sonic.Unmarshal
	return &HTTP{url: url, method: cfg.Method, client: client}
}

func (h *HTTP) Handle(ctx context.Context, batch []*api.FlowContext) ([]*api.FlowContext, error) {
	for _, fc := range batch {
		response := map[string]any{}
		errorResponse := map[string]any{}

		resp, err := h.client.R().
			SetContext(ctx).
			SetBody(Request{
				ContextID:    fc.ID,
				TraceID:      fc.TraceID,
				Position:     fc.Position,
				BusinessData: fc.BusinessData,
			}).
			SetResult(&response).
			SetError(&errorResponse).
			Execute(h.method, h.url)
		if err != nil {
			return nil, fmt.Errorf("http task %s: %w", h.url, err)
		}
		if resp.IsError() {
			return nil, &api.ExecutionError{
				Args:       []string{strconv.Itoa(resp.StatusCode())},
				Properties: errorResponse,
				Err:        fmt.Errorf("http task %s: %s", h.url, resp.Status()),
			}
		}
		fc.MergeBusinessData(response)
	}
	return batch, nil
}
