package definition

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/fluxgraph/pkg/api"
)

const orderYAML = `
metaId: order
version: "2"
properties:
  enableOutputScope: true
nodes:
  - metaId: start
    kind: START
    events:
      - to: check
  - metaId: check
    kind: CONDITION
    events:
      - to: review
        conditionRule: amount > 100
      - to: end
  - metaId: review
    kind: MANUAL
    events:
      - to: end
  - metaId: end
    kind: END
    properties:
      outputs: [amount]
`

func TestParseYAML(t *testing.T) {
	def, err := Parse([]byte(orderYAML))
	require.NoError(t, err)

	assert.Equal(t, "order2", def.StreamID())
	assert.Equal(t, "order2", def.ID)
	assert.True(t, def.EnableOutputScope())
	assert.Len(t, def.Nodes, 4)

	check := def.Nodes["check"]
	require.Len(t, check.Events, 2)
	assert.Equal(t, "check", check.Events[0].From)
	assert.Equal(t, "check->review", check.Events[0].MetaID)
	assert.Equal(t, "amount > 100", check.Events[0].ConditionRule)
	assert.False(t, check.Events[1].Guarded())
	assert.Equal(t, api.KindManual, def.Nodes["review"].Kind)
}

func TestParseJSON(t *testing.T) {
	body := `{
	  "metaId": "ping", "version": "1",
	  "nodes": [
	    {"metaId": "start", "kind": "START", "events": [{"to": "end"}]},
	    {"metaId": "end", "kind": "END"}
	  ]
	}`
	def, err := ParseJSON([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "ping1", def.StreamID())
	assert.Equal(t, "start->end", def.Nodes["start"].Events[0].MetaID)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{
			name: "unknown field",
			body: "metaId: x\nversion: \"1\"\nnodez: []\n",
			want: api.ErrInvalidDefinition,
		},
		{
			name: "duplicate node",
			body: "metaId: x\nnodes:\n  - {metaId: a, kind: START}\n  - {metaId: a, kind: END}\n",
			want: api.ErrInvalidDefinition,
		},
		{
			name: "foreign event source",
			body: "metaId: x\nnodes:\n  - metaId: start\n    kind: START\n    events: [{from: other, to: end}]\n  - {metaId: end, kind: END}\n",
			want: api.ErrInvalidDefinition,
		},
		{
			name: "missing target",
			body: "metaId: x\nnodes:\n  - metaId: start\n    kind: START\n    events: [{to: nowhere}]\n  - {metaId: end, kind: END}\n",
			want: api.ErrTargetNodeNotFound,
		},
		{
			name: "no start",
			body: "metaId: x\nnodes:\n  - {metaId: end, kind: END}\n",
			want: api.ErrNoStartNode,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b-order.yaml"), []byte(orderYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a-ping.json"),
		[]byte(`{"metaId":"ping","version":"1","nodes":[{"metaId":"start","kind":"START","events":[{"to":"end"}]},{"metaId":"end","kind":"END"}]}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o700))

	defs, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "ping1", defs[0].StreamID())
	assert.Equal(t, "order2", defs[1].StreamID())
}

func TestLoadFileReportsPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("metaId: [unclosed"), 0o600))

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.yaml")
	assert.ErrorIs(t, err, api.ErrInvalidDefinition)
}
