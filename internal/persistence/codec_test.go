package persistence

import (
	"errors"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/fluxgraph/pkg/api"
)

func TestCodecRoundTrip(t *testing.T) {
	fc := sampleContext("ctx-1", "trace-1", 0)
	fc.SetError(&api.ExecutionError{
		HandlerID:  "billing.charge",
		NodeName:   "charge",
		Args:       []string{"card declined"},
		Properties: map[string]any{"retryable": false},
		Err:        errors.New("declined"),
	}, nil)

	data, err := Encode(fc)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "transient")
	assert.NotContains(t, string(data), "passData")

	got, err := Decode(data)
	require.NoError(t, err)

	want, err := sonic.ConfigStd.Marshal(fc.BusinessData)
	require.NoError(t, err)
	have, err := sonic.ConfigStd.Marshal(got.BusinessData)
	require.NoError(t, err)
	assert.Equal(t, string(want), string(have))

	want, _ = sonic.ConfigStd.Marshal(fc.ContextData)
	have, _ = sonic.ConfigStd.Marshal(got.ContextData)
	assert.Equal(t, string(want), string(have))

	want, _ = sonic.ConfigStd.Marshal(fc.ErrorInfo)
	have, _ = sonic.ConfigStd.Marshal(got.ErrorInfo)
	assert.Equal(t, string(want), string(have))

	assert.Empty(t, got.PassData)
	assert.Equal(t, fc.ErrorMessage, got.ErrorMessage)
}

func TestDecodeLegacyErrorCode(t *testing.T) {
	payload := `{
		"id": "c1", "traceId": "t1", "streamId": "s1", "position": "A",
		"operator": "bob", "startTime": "2024-01-02T03:04:05Z",
		"businessData": {"x": 1}, "contextData": {},
		"errorMessage": "old failure",
		"errorInfo": {"errorCode": "FLOW_EXECUTE_FAILED", "errorMessage": "old failure", "fitableId": "f1", "nodeName": "A"},
		"status": "ERROR"
	}`

	fc, err := Decode([]byte(payload))
	require.NoError(t, err)
	require.NotNil(t, fc.ErrorInfo)
	assert.Equal(t, api.ErrCodeLegacy, fc.ErrorInfo.ErrorCode)
	assert.Equal(t, "f1", fc.ErrorInfo.FitableID)
	assert.Equal(t, api.ContextError, fc.Status)
}

func TestDecodeNumericStringErrorCode(t *testing.T) {
	fc, err := Decode([]byte(`{"id":"c1","errorInfo":{"errorCode":"10002"}}`))
	require.NoError(t, err)
	assert.Equal(t, api.ErrCodePath, fc.ErrorInfo.ErrorCode)
	assert.NotNil(t, fc.BusinessData)
	assert.NotNil(t, fc.ContextData)
}

func TestDecodeEmpty(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, api.ErrContextNotFound)
}
