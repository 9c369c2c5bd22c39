// Package definition reads flow definitions from YAML or JSON documents.
//
// Documents list nodes in order rather than keying them by id:
//
//	metaId: order
//	version: "1"
//	properties:
//	  enableOutputScope: true
//	nodes:
//	  - metaId: start
//	    kind: START
//	    events:
//	      - to: enrich
//	  - metaId: enrich
//	    kind: STATE
//	    taskId: enrich
//	    events:
//	      - to: end
//	  - metaId: end
//	    kind: END
//
// Event sources are implied by the enclosing node and event ids default to
// "<from>-><to>".
package definition

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bytedance/sonic"
	"gopkg.in/yaml.v3"

	"github.com/petrijr/fluxgraph/pkg/api"
)

type document struct {
	ID         string               `yaml:"id" json:"id"`
	MetaID     string               `yaml:"metaId" json:"metaId"`
	Version    string               `yaml:"version" json:"version"`
	Status     api.DefinitionStatus `yaml:"status" json:"status"`
	Properties map[string]any       `yaml:"properties" json:"properties"`
	Nodes      []*api.FlowNode      `yaml:"nodes" json:"nodes"`
}

// Parse decodes a YAML document. JSON is valid YAML, so it is accepted too.
func Parse(data []byte) (*api.FlowDefinition, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrInvalidDefinition, err)
	}
	return build(&doc)
}

// ParseJSON decodes a JSON document.
func ParseJSON(data []byte) (*api.FlowDefinition, error) {
	var doc document
	if err := sonic.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrInvalidDefinition, err)
	}
	return build(&doc)
}

// LoadFile reads and validates the definition stored at path. Files ending
// in .json are decoded as JSON, everything else as YAML.
func LoadFile(path string) (*api.FlowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	parse := Parse
	if strings.EqualFold(filepath.Ext(path), ".json") {
		parse = ParseJSON
	}
	def, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// LoadDir loads every .yaml, .yml and .json file in dir, sorted by name.
func LoadDir(dir string) ([]*api.FlowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	defs := make([]*api.FlowDefinition, 0, len(names))
	for _, name := range names {
		def, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func build(doc *document) (*api.FlowDefinition, error) {
	def := &api.FlowDefinition{
		ID:         doc.ID,
		MetaID:     doc.MetaID,
		Version:    doc.Version,
		Status:     doc.Status,
		Properties: doc.Properties,
		Nodes:      make(map[string]*api.FlowNode, len(doc.Nodes)),
	}
	if def.ID == "" {
		def.ID = def.StreamID()
	}
	for i, n := range doc.Nodes {
		if n == nil || n.MetaID == "" {
			return nil, fmt.Errorf("%w: node #%d has no meta id", api.ErrInvalidDefinition, i)
		}
		if _, dup := def.Nodes[n.MetaID]; dup {
			return nil, fmt.Errorf("%w: duplicate node %q", api.ErrInvalidDefinition, n.MetaID)
		}
		for _, ev := range n.Events {
			if ev.From == "" {
				ev.From = n.MetaID
			}
			if ev.From != n.MetaID {
				return nil, fmt.Errorf("%w: event on node %q starts at %q", api.ErrInvalidDefinition, n.MetaID, ev.From)
			}
			if ev.MetaID == "" {
				ev.MetaID = ev.From + "->" + ev.To
			}
		}
		def.Nodes[n.MetaID] = n
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}
