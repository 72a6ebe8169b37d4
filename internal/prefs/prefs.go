// Package prefs persists the small set of preferences that survive a
// session: the last-used ray model ids, the chairman model, and named
// presets of ray-model sets. The store is advisory: the engines work fine
// when the file is absent or unreadable, so load failures degrade to
// defaults instead of failing the caller.
package prefs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Errors for preference operations.
var (
	ErrPresetNotFound = errors.New("preset not found")
	ErrEmptyName      = errors.New("preset name must not be empty")
	ErrFileCorrupted  = errors.New("preferences file corrupted")
)

// Preset is one named set of ray model ids.
type Preset struct {
	UUID      string    `json:"uuid"`
	Name      string    `json:"name"`
	Models    []string  `json:"models"`
	CreatedAt time.Time `json:"created_at"`
}

// data is the persisted preferences structure.
type data struct {
	Version       int       `json:"version"`
	LastModels    []string  `json:"last_models"`
	ChairmanModel string    `json:"chairman_model,omitempty"`
	Presets       []*Preset `json:"presets"`
}

// Store reads and writes the preferences file. All mutation methods
// persist immediately; reads are served from memory.
type Store struct {
	mu       sync.RWMutex
	filePath string
	data     *data
}

// NewStore opens the preferences file at path, creating the parent
// directory when needed. A missing file is not an error; a corrupted one
// is, so the caller can decide whether to start fresh.
func NewStore(path string) (*Store, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, ".config", "beamd", "prefs.json")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create preferences directory: %w", err)
	}

	s := &Store{
		filePath: path,
		data:     &data{Version: 1},
	}
	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load preferences: %w", err)
	}
	return s, nil
}

// LastModels returns the ray model ids from the previous session.
func (s *Store) LastModels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.data.LastModels))
	copy(out, s.data.LastModels)
	return out
}

// SetLastModels records the current ray model ids.
func (s *Store) SetLastModels(models []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.LastModels = make([]string, len(models))
	copy(s.data.LastModels, models)
	return s.save()
}

// ChairmanModel returns the last chairman model id, empty when unset.
func (s *Store) ChairmanModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.ChairmanModel
}

// SetChairmanModel records the chairman model id.
func (s *Store) SetChairmanModel(modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.ChairmanModel = modelID
	return s.save()
}

// SavePreset stores a named model set. Saving under an existing name
// replaces that preset's models but keeps its identity.
func (s *Store) SavePreset(name string, models []string) (Preset, error) {
	if name == "" {
		return Preset{}, ErrEmptyName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make([]string, len(models))
	copy(snapshot, models)

	for _, p := range s.data.Presets {
		if p.Name == name {
			p.Models = snapshot
			if err := s.save(); err != nil {
				return Preset{}, err
			}
			return *p, nil
		}
	}

	p := &Preset{
		UUID:      uuid.New().String(),
		Name:      name,
		Models:    snapshot,
		CreatedAt: time.Now().UTC(),
	}
	s.data.Presets = append(s.data.Presets, p)
	if err := s.save(); err != nil {
		return Preset{}, err
	}
	return *p, nil
}

// Preset looks up a preset by name.
func (s *Store) Preset(name string) (Preset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.data.Presets {
		if p.Name == name {
			return *p, nil
		}
	}
	return Preset{}, ErrPresetNotFound
}

// Presets returns all presets in creation order.
func (s *Store) Presets() []Preset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Preset, len(s.data.Presets))
	for i, p := range s.data.Presets {
		out[i] = *p
	}
	return out
}

// DeletePreset removes a preset by name.
func (s *Store) DeletePreset(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.data.Presets {
		if p.Name == name {
			s.data.Presets = append(s.data.Presets[:i], s.data.Presets[i+1:]...)
			return s.save()
		}
	}
	return ErrPresetNotFound
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.filePath)
	if err != nil {
		return err
	}

	var d data
	if err := json.Unmarshal(raw, &d); err != nil {
		return fmt.Errorf("%w: %v", ErrFileCorrupted, err)
	}
	if d.Version == 0 {
		d.Version = 1
	}
	s.data = &d
	return nil
}

// save writes the file atomically. Caller must hold s.mu.
func (s *Store) save() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal preferences: %w", err)
	}

	tmpPath := s.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0600); err != nil {
		return fmt.Errorf("failed to write preferences: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename preferences: %w", err)
	}
	return nil
}
