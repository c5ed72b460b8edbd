package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseDefinitions decodes one or more YAML documents, each describing a workflow.
func ParseDefinitions(data []byte) ([]*Workflow, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []*Workflow
	for {
		var wf Workflow
		err := dec.Decode(&wf)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode workflow definition: %w", err)
		}
		if strings.TrimSpace(wf.Name) == "" && len(wf.Steps) == 0 {
			continue
		}
		for i := range wf.Steps {
			if wf.Steps[i].Kind == "" {
				wf.Steps[i].Kind = StepKindHandler
			}
		}
		out = append(out, &wf)
	}
	return out, nil
}

// LoadDefinitions reads workflow definitions from a YAML file or from every .yaml/.yml file in a
// directory, in lexical file order.
func LoadDefinitions(path string) ([]*Workflow, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat definitions: %w", err)
	}
	files := []string{path}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("read definitions dir: %w", err)
		}
		files = files[:0]
		for _, entry := range entries {
			ext := strings.ToLower(filepath.Ext(entry.Name()))
			if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
				continue
			}
			files = append(files, filepath.Join(path, entry.Name()))
		}
		sort.Strings(files)
	}
	var out []*Workflow
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		wfs, err := ParseDefinitions(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		out = append(out, wfs...)
	}
	return out, nil
}

// RegisterDefinitions loads definitions from path into reg. Every workflow must resolve.
func RegisterDefinitions(reg *Registry, path string) ([]string, error) {
	wfs, err := LoadDefinitions(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(wfs))
	for _, wf := range wfs {
		if err := reg.RegisterWorkflow(wf); err != nil {
			return nil, err
		}
		names = append(names, wf.Name)
	}
	return names, nil
}
