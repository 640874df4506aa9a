package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/me/taskgraph/pkg/model"
	"gopkg.in/yaml.v3"
)

// Parser converts workflow files into typed workflow models.
type Parser struct {
	logger *slog.Logger
}

// New creates a Parser with the given logger.
func New(logger *slog.Logger) *Parser {
	return &Parser{logger: logger.With("component", "parser")}
}

// Parse decodes a workflow document. JSON objects are decoded as JSON;
// anything else is treated as YAML.
func (p *Parser) Parse(data []byte) (*model.Workflow, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty workflow document")
	}

	var wf model.Workflow
	if trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&wf); err != nil {
			return nil, fmt.Errorf("JSON parse error: %w", err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(trimmed))
		dec.KnownFields(true)
		if err := dec.Decode(&wf); err != nil {
			return nil, fmt.Errorf("YAML parse error: %w", err)
		}
	}

	p.logger.Debug("parsed workflow", "workflow_id", wf.ID, "steps", len(wf.Steps))
	return &wf, nil
}

// ParseFile reads and decodes the workflow at path.
func (p *Parser) ParseFile(path string) (*model.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", path, err)
	}
	wf, err := p.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return wf, nil
}

// Marshal encodes a workflow as indented JSON. Parse(Marshal(wf)) yields wf.
func Marshal(wf *model.Workflow) ([]byte, error) {
	data, err := json.MarshalIndent(wf, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal workflow: %w", err)
	}
	return append(data, '\n'), nil
}

// MarshalYAML encodes a workflow as YAML.
func MarshalYAML(wf *model.Workflow) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(wf); err != nil {
		return nil, fmt.Errorf("marshal workflow: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("marshal workflow: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFile saves wf to path, choosing YAML for .yaml/.yml extensions and
// JSON otherwise.
func WriteFile(path string, wf *model.Workflow) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = MarshalYAML(wf)
	default:
		data, err = Marshal(wf)
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write workflow %s: %w", path, err)
	}
	return nil
}
