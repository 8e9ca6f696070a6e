// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry loads the command registry: the operator-authored
// mapping from caller-facing command names to the scripts they run.
//
// The registry file is a flat JSON object (JSONC comments and trailing
// commas allowed) of command name to script path, relative to the
// scripts directory:
//
//	{
//	    // Account maintenance.
//	    "list-users": "users/list.sh",
//	    "unlock-user": "users/unlock.sh",
//	}
//
// A registry is loaded once at startup and is read-only afterwards, so
// concurrent lookups need no locking. Every defect in the source file
// is a load error: the daemon must not serve with a partial registry.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/tidwall/jsonc"

	"github.com/controlledadmin/cacd/lib/binhash"
)

var (
	// ErrEmpty is returned when the registry source has no content or
	// no entries.
	ErrEmpty = errors.New("command registry is empty")

	// ErrInvalid is returned for a registry source that is not a flat
	// object of unique, non-empty names to local relative paths.
	ErrInvalid = errors.New("invalid command registry")
)

// Entry is one registered command.
type Entry struct {
	// Command is the caller-facing name.
	Command string

	// Script is the path as written in the registry, relative to the
	// scripts directory. Caller-visible error messages use this form.
	Script string

	// Path is Script joined onto the scripts directory.
	Path string
}

// Registry is an immutable command name to script mapping.
type Registry struct {
	entries    map[string]Entry
	scriptsDir string
	digest     binhash.Digest
}

// Load reads and parses the registry file at path. Script paths are
// resolved against scriptsDir.
func Load(path, scriptsDir string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading command registry: %w", err)
	}
	registry, err := Parse(data, scriptsDir)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return registry, nil
}

// Parse builds a Registry from JSONC registry content.
func Parse(data []byte, scriptsDir string) (*Registry, error) {
	stripped := jsonc.ToJSON(data)
	if len(bytes.TrimSpace(stripped)) == 0 {
		return nil, ErrEmpty
	}

	// Stream tokens rather than unmarshalling into a map: a map would
	// silently keep the last of two duplicate names.
	decoder := json.NewDecoder(bytes.NewReader(stripped))
	token, err := decoder.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if delimiter, ok := token.(json.Delim); !ok || delimiter != '{' {
		return nil, fmt.Errorf("%w: top level must be an object", ErrInvalid)
	}

	entries := make(map[string]Entry)
	for decoder.More() {
		token, err := decoder.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		command := token.(string) // object keys are always strings

		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w: command %q: %v", ErrInvalid, command, err)
		}
		var script string
		if err := json.Unmarshal(raw, &script); err != nil {
			return nil, fmt.Errorf("%w: command %q: script path must be a string", ErrInvalid, command)
		}

		if command == "" {
			return nil, fmt.Errorf("%w: empty command name", ErrInvalid)
		}
		if _, exists := entries[command]; exists {
			return nil, fmt.Errorf("%w: duplicate command %q", ErrInvalid, command)
		}
		if script == "" {
			return nil, fmt.Errorf("%w: command %q: empty script path", ErrInvalid, command)
		}
		if !filepath.IsLocal(script) {
			return nil, fmt.Errorf("%w: command %q: script path %q must be relative and stay inside the scripts directory", ErrInvalid, command, script)
		}

		entries[command] = Entry{
			Command: command,
			Script:  script,
			Path:    filepath.Join(scriptsDir, script),
		}
	}

	if _, err := decoder.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := decoder.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after registry object", ErrInvalid)
	}

	if len(entries) == 0 {
		return nil, ErrEmpty
	}
	return &Registry{
		entries:    entries,
		scriptsDir: scriptsDir,
		digest:     binhash.HashBytes(binhash.DomainRegistry, data),
	}, nil
}

// Lookup returns the entry registered under command.
func (r *Registry) Lookup(command string) (Entry, bool) {
	entry, ok := r.entries[command]
	return entry, ok
}

// Digest fingerprints the registry source bytes, comments included.
func (r *Registry) Digest() binhash.Digest { return r.digest }

// Len returns the number of registered commands.
func (r *Registry) Len() int { return len(r.entries) }

// Names returns the registered command names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ScriptsDir returns the directory script paths are resolved against.
func (r *Registry) ScriptsDir() string { return r.scriptsDir }
