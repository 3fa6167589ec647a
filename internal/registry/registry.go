package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"CharForge/pipeline/internal/models"
)

// Character describes one trained character found under the scratch root.
type Character struct {
	Name      string    `json:"name"`
	LoRAPath  string    `json:"lora_path"`
	FileSize  int64     `json:"file_size"`
	TrainedAt time.Time `json:"trained_at"`
}

// Registry indexes trained characters by scanning the scratch root for
// {name}/char/char.safetensors weights. The index is an in-memory snapshot;
// Refresh rebuilds it from disk.
type Registry struct {
	root string

	mu         sync.RWMutex
	characters map[string]*Character
}

// New creates a registry over the given scratch root. The index starts
// empty; call Refresh to populate it.
func New(root string) *Registry {
	return &Registry{
		root:       root,
		characters: make(map[string]*Character),
	}
}

// Root returns the scratch root the registry scans.
func (r *Registry) Root() string {
	return r.root
}

// WorkDir returns the work directory a character of the given name would
// occupy under the scratch root.
func (r *Registry) WorkDir(name string) string {
	return filepath.Join(r.root, name)
}

// Refresh rescans the scratch root and replaces the index. Directories
// without a trained weight are skipped; a missing root yields an empty
// index since it only appears with the first training run.
func (r *Registry) Refresh() error {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			r.mu.Lock()
			r.characters = make(map[string]*Character)
			r.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read scratch root: %w", err)
	}

	characters := make(map[string]*Character)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		loraPath := models.LoRAPath(filepath.Join(r.root, name))
		info, err := os.Stat(loraPath)
		if err != nil {
			continue
		}
		characters[name] = &Character{
			Name:      name,
			LoRAPath:  loraPath,
			FileSize:  info.Size(),
			TrainedAt: info.ModTime(),
		}
	}

	r.mu.Lock()
	r.characters = characters
	r.mu.Unlock()
	return nil
}

// Get retrieves a character by name.
func (r *Registry) Get(name string) (*Character, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	character, ok := r.characters[name]
	if !ok {
		return nil, fmt.Errorf("character not found: %s", name)
	}
	characterCopy := *character
	return &characterCopy, nil
}

// Exists reports whether a trained character of the given name is indexed.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.characters[name]
	return ok
}

// List returns all indexed characters, most recently trained first.
func (r *Registry) List() []*Character {
	r.mu.RLock()
	defer r.mu.RUnlock()

	characters := make([]*Character, 0, len(r.characters))
	for _, character := range r.characters {
		characterCopy := *character
		characters = append(characters, &characterCopy)
	}
	sort.Slice(characters, func(i, j int) bool {
		if characters[i].TrainedAt.Equal(characters[j].TrainedAt) {
			return characters[i].Name < characters[j].Name
		}
		return characters[i].TrainedAt.After(characters[j].TrainedAt)
	})
	return characters
}
