package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Sentinel errors returned by FileStore operations.
var (
	ErrNotFound = errors.New("registry: no such server")
	ErrExists   = errors.New("registry: server already registered")
)

// document is the on-disk shape of the registry file: a flat JSON object
// keyed by tool name, under a top-level "tools" key.
type document struct {
	Tools map[string]Descriptor `json:"tools"`
}

// FileStore persists Descriptors to a JSON file, defaulting to
// ~/.config/mcpd/registry.json. All operations are safe for concurrent use
// from a single process; it does not coordinate across processes (matching
// the CLI it's grounded on, which also does no file locking).
type FileStore struct {
	mu   sync.Mutex
	path string
	doc  document
}

// DefaultPath returns ~/.config/mcpd/registry.json, creating no directories.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("registry: resolve config dir: %w", err)
	}
	return filepath.Join(dir, "mcpd", "registry.json"), nil
}

// OpenFileStore loads path if it exists, or starts an empty store that will
// be created on the first write.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, doc: document{Tools: map[string]Descriptor{}}}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.doc); err != nil {
		return nil, fmt.Errorf("registry: parse %s: %w", path, err)
	}
	if s.doc.Tools == nil {
		s.doc.Tools = map[string]Descriptor{}
	}
	return s, nil
}

func (s *FileStore) save() error {
	raw, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("registry: create dir: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		return fmt.Errorf("registry: write %s: %w", s.path, err)
	}
	return nil
}

// Register adds a new Descriptor, failing with ErrExists if the name is
// already present.
func (s *FileStore) Register(d Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.Tools[d.Name]; ok {
		return fmt.Errorf("%q: %w", d.Name, ErrExists)
	}
	s.doc.Tools[d.Name] = d
	return s.save()
}

// Unregister removes a Descriptor by name, failing with ErrNotFound if
// absent.
func (s *FileStore) Unregister(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.Tools[name]; !ok {
		return fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	delete(s.doc.Tools, name)
	return s.save()
}

// List returns all registered Descriptors, sorted by name.
func (s *FileStore) List() []Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Descriptor, 0, len(s.doc.Tools))
	for _, d := range s.doc.Tools {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Snapshot implements Loader.
func (s *FileStore) Snapshot(ctx context.Context) ([]Descriptor, error) {
	return s.List(), nil
}
