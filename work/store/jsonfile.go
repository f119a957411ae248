package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"

	"macreplay/work/config"
	"macreplay/work/logger"
	"macreplay/work/types"
)

// fileData is the on-disk layout of a JSONFile store.
type fileData struct {
	Portals  []types.Portal  `json:"portals"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

// JSONFile persists portals and settings in a single JSON document. Every save
// rewrites the document through an atomic rename so readers never observe a
// partially written file.
type JSONFile struct {
	path string
	mu   sync.Mutex
}

// OpenJSONFile opens the document at path, creating an empty one if needed.
func OpenJSONFile(path string) (*JSONFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &JSONFile{path: path}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := s.write(fileData{Portals: []types.Portal{}}); err != nil {
			return nil, err
		}
		logger.Info("{store/jsonfile - OpenJSONFile} created %s", path)
	} else if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONFile) GetPortals(ctx context.Context) ([]types.Portal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.read()
	if err != nil {
		return nil, err
	}
	return data.Portals, nil
}

func (s *JSONFile) SavePortals(ctx context.Context, portals []types.Portal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.read()
	if err != nil {
		return err
	}
	data.Portals = portals
	return s.write(data)
}

func (s *JSONFile) GetSettings(ctx context.Context) (config.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings := config.DefaultSettings()
	data, err := s.read()
	if err != nil {
		return settings, err
	}
	if len(data.Settings) > 0 {
		if err := json.Unmarshal(data.Settings, &settings); err != nil {
			return config.DefaultSettings(), fmt.Errorf("decode settings: %w", err)
		}
	}
	settings.Normalize()
	return settings, nil
}

func (s *JSONFile) SaveSettings(ctx context.Context, settings config.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.read()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	data.Settings = raw
	return s.write(data)
}

func (s *JSONFile) read() (fileData, error) {
	var data fileData
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return data, fmt.Errorf("read store: %w", err)
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return data, fmt.Errorf("decode store %s: %w", s.path, err)
	}
	if data.Portals == nil {
		data.Portals = []types.Portal{}
	}
	return data, nil
}

func (s *JSONFile) write(data fileData) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(s.path, raw, 0600); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	return nil
}
