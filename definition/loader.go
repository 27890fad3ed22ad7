package definition

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-orchestrator"
)

// DefinitionSet is the document shape for files holding several definitions.
type DefinitionSet struct {
	Definitions []orchestrator.Definition `yaml:"definitions"`
}

// ParseDefinitions reads one or more YAML (or JSON) documents. Each document
// is either a single definition or a `definitions:` list.
func ParseDefinitions(data []byte) ([]*orchestrator.Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var out []*orchestrator.Definition
	for {
		var node yaml.Node
		if err := dec.Decode(&node); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("parse definitions: %w", err)
		}
		defs, err := decodeDocument(&node)
		if err != nil {
			return nil, err
		}
		out = append(out, defs...)
	}
	return out, nil
}

func decodeDocument(node *yaml.Node) ([]*orchestrator.Definition, error) {
	if isSet(node) {
		var set DefinitionSet
		if err := node.Decode(&set); err != nil {
			return nil, fmt.Errorf("parse definition set: %w", err)
		}
		out := make([]*orchestrator.Definition, 0, len(set.Definitions))
		for i := range set.Definitions {
			def := set.Definitions[i]
			out = append(out, &def)
		}
		return out, nil
	}
	var def orchestrator.Definition
	if err := node.Decode(&def); err != nil {
		return nil, fmt.Errorf("parse definition: %w", err)
	}
	return []*orchestrator.Definition{&def}, nil
}

func isSet(node *yaml.Node) bool {
	doc := node
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		doc = doc.Content[0]
	}
	if doc.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		if doc.Content[i].Value == "definitions" {
			return true
		}
	}
	return false
}

// LoadFile parses every definition in path.
func LoadFile(path string) ([]*orchestrator.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definitions %s: %w", path, err)
	}
	defs, err := ParseDefinitions(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// LoadDir parses every .yaml, .yml and .json file in dir, in name order.
func LoadDir(dir string) ([]*orchestrator.Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions dir %s: %w", dir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var out []*orchestrator.Definition
	for _, name := range names {
		defs, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, defs...)
	}
	return out, nil
}

// RegisterAll registers defs in order and stops at the first failure.
func RegisterAll(ctx context.Context, reg *Registry, defs []*orchestrator.Definition) error {
	for _, def := range defs {
		if err := reg.Register(ctx, def); err != nil {
			return fmt.Errorf("register %s@v%d: %w", def.Key, def.Version, err)
		}
	}
	return nil
}
