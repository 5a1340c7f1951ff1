// Package definition loads encounter definitions from YAML files, validates
// them, and publishes them through a registry with atomic snapshot swap.
package definition

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/encounters/model"
)

// File is the on-disk shape of a definition file.
type File struct {
	Definitions []model.Definition `yaml:"definitions"`
}

// Loader scans directories for YAML definition files, parses them, and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// every definition in them, in directory walk order.
func (l *Loader) LoadAll(directories []string) ([]model.Definition, error) {
	var defs []model.Definition

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !isDefinitionFile(path) {
				return nil
			}

			fileDefs, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			defs = append(defs, fileDefs...)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return defs, nil
}

// LoadFile loads and parses a single YAML definition file. Every definition
// in it carries the file's checksum and path.
func (l *Loader) LoadFile(path string) ([]model.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return l.Parse(path, data)
}

// Parse decodes definition YAML. Unknown fields are rejected so a typo in a
// key such as "terminal_states" cannot silently produce a different graph.
func (l *Loader) Parse(source string, data []byte) ([]model.Definition, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing %s: %w", source, err)
	}

	checksum := fmt.Sprintf("%x", sha256.Sum256(data))
	for i := range f.Definitions {
		f.Definitions[i].Checksum = checksum
		f.Definitions[i].SourceFile = source
	}
	return f.Definitions, nil
}

func isDefinitionFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
