// Package schema loads prompt response schemas from disk and validates model
// output against them.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when no schema file exists for an id.
var ErrNotFound = errors.New("schema not found")

// Schema is a parsed schema document.
type Schema struct {
	ID         string
	Definition map[string]any
	// Text is the indented JSON form quoted into prompts.
	Text     string
	FilePath string
}

// Registry reads <id>.schema.json files from a directory and caches them.
type Registry struct {
	dir string

	mu    sync.RWMutex
	cache map[string]*Schema
}

// NewRegistry creates a registry rooted at dir.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir, cache: make(map[string]*Schema)}
}

// Dir returns the schema directory.
func (r *Registry) Dir() string { return r.dir }

// Get returns the schema for id. Ids are case-insensitive.
func (r *Registry) Get(id string) (*Schema, error) {
	normalized := strings.ToLower(strings.TrimSpace(id))
	if normalized == "" {
		return nil, ErrNotFound
	}

	r.mu.RLock()
	cached, ok := r.cache[normalized]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	path := filepath.Join(r.dir, normalized+".schema.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, normalized)
		}
		return nil, fmt.Errorf("read schema %s: %w", normalized, err)
	}

	var def map[string]any
	if err := json.Unmarshal(raw, &def); err != nil {
		log.Warn().Err(err).Str("schema", normalized).Str("path", path).Msg("schema file is not valid JSON")
		return nil, fmt.Errorf("parse schema %s: %w", normalized, err)
	}
	text, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("format schema %s: %w", normalized, err)
	}

	s := &Schema{ID: normalized, Definition: def, Text: string(text), FilePath: path}
	r.mu.Lock()
	r.cache[normalized] = s
	r.mu.Unlock()
	return s, nil
}

// Validate checks text against the schema registered under id.
func (r *Registry) Validate(id, text string) (*Result, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return ValidateText(s.Definition, text), nil
}

// InstructionBlock renders the schema as a fenced JSON block for prompts.
// compact drops indentation; maxLen > 0 truncates with an ellipsis.
func (r *Registry) InstructionBlock(id string, compact bool, maxLen int) (string, error) {
	s, err := r.Get(id)
	if err != nil {
		return "", err
	}
	content := s.Text
	if compact {
		raw, err := json.Marshal(s.Definition)
		if err != nil {
			return "", fmt.Errorf("format schema %s: %w", s.ID, err)
		}
		content = string(raw)
	}
	if maxLen > 0 && len(content) > maxLen {
		content = content[:maxLen] + "…"
	}
	return "```json\n" + content + "\n```", nil
}
