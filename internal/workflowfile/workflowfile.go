// Package workflowfile loads workflow documents written in YAML or JSON.
//
// Documents are decoded with yaml.v3 (a superset of JSON) and then re-encoded to
// JSON so the domain's JSON decoders own the step and condition unions.
package workflowfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/stepflow/internal/domain"
)

var ErrEmptyDocument = errors.New("workflow document is empty")

// Parse decodes a workflow document.
func Parse(data []byte) (domain.Workflow, error) {
	var wf domain.Workflow
	if err := decode(data, &wf); err != nil {
		return domain.Workflow{}, fmt.Errorf("decode workflow: %w", err)
	}
	return wf, nil
}

func Load(r io.Reader) (domain.Workflow, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return domain.Workflow{}, fmt.Errorf("read workflow: %w", err)
	}
	return Parse(data)
}

func LoadFile(path string) (domain.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Workflow{}, fmt.Errorf("read workflow %s: %w", path, err)
	}
	wf, err := Parse(data)
	if err != nil {
		return domain.Workflow{}, fmt.Errorf("%s: %w", path, err)
	}
	return wf, nil
}

// ParseInputs decodes a run inputs document. Empty input yields an empty map.
func ParseInputs(data []byte) (map[string]any, error) {
	inputs := map[string]any{}
	if len(bytes.TrimSpace(data)) == 0 {
		return inputs, nil
	}
	if err := decode(data, &inputs); err != nil {
		return nil, fmt.Errorf("decode inputs: %w", err)
	}
	return inputs, nil
}

func LoadInputsFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inputs %s: %w", path, err)
	}
	return ParseInputs(data)
}

func decode(data []byte, out any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return ErrEmptyDocument
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	normalized, err := normalize(doc)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(normalized)
	if err != nil {
		return err
	}
	return json.Unmarshal(encoded, out)
}

// normalize converts yaml mappings with non-string keys into JSON objects.
func normalize(v any) (any, error) {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, value := range typed {
			n, err := normalize(value)
			if err != nil {
				return nil, err
			}
			out[key] = n
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(typed))
		for key, value := range typed {
			k, ok := key.(string)
			if !ok {
				k = fmt.Sprint(key)
			}
			n, err := normalize(value)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(typed))
		for i, value := range typed {
			n, err := normalize(value)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	default:
		return v, nil
	}
}
