package program

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loader reads program files (YAML or JSON). A file holds either a single
// program or a document of the form {programs: [...]}.
type Loader struct {
	validator   *Validator
	searchPaths []string
}

func NewLoader(searchPaths []string) (*Loader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &Loader{
		validator:   validator,
		searchPaths: searchPaths,
	}, nil
}

func (l *Loader) Validator() *Validator {
	return l.validator
}

// LoadFile parses every program in path.
func (l *Loader) LoadFile(path string) ([]*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	docs, err := splitDocuments(path, data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	programs := make([]*Program, 0, len(docs))
	for i, doc := range docs {
		p, err := l.validator.Decode(doc)
		if err != nil {
			return nil, fmt.Errorf("%s: program #%d: %w", path, i+1, err)
		}
		programs = append(programs, p)
	}
	return programs, nil
}

// LoadAll reads every *.yaml, *.yml and *.json file in the search paths.
// Missing directories are skipped.
func (l *Loader) LoadAll() ([]*Program, error) {
	var programs []*Program
	for _, dir := range l.searchPaths {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to list %s: %w", dir, err)
		}

		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			if entry.IsDir() || !isProgramFile(entry.Name()) {
				continue
			}
			names = append(names, entry.Name())
		}
		sort.Strings(names)

		for _, name := range names {
			loaded, err := l.LoadFile(filepath.Join(dir, name))
			if err != nil {
				return nil, err
			}
			programs = append(programs, loaded...)
		}
	}
	return programs, nil
}

func isProgramFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// splitDocuments normalises the file into one JSON document per program so
// the schema validator always sees plain JSON values.
func splitDocuments(path string, data []byte) ([][]byte, error) {
	var raw interface{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}

	var items []interface{}
	if top, ok := raw.(map[string]interface{}); ok {
		if list, ok := top["programs"]; ok {
			entries, ok := list.([]interface{})
			if !ok {
				return nil, fmt.Errorf("programs must be a list")
			}
			items = entries
		} else {
			items = []interface{}{top}
		}
	} else {
		return nil, fmt.Errorf("expected a mapping at the top level")
	}

	docs := make([][]byte, 0, len(items))
	for _, item := range items {
		encoded, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		docs = append(docs, encoded)
	}
	return docs, nil
}
