package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"afm-trainer/internal/domain"
)

// ErrProfileNotFound is returned when a named profile does not exist.
var ErrProfileNotFound = errors.New("profile not found")

// Format is the on-disk encoding of a training profile.
type Format string

const (
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// ProfileInfo describes one stored profile.
type ProfileInfo struct {
	Name    string    `json:"name"`
	File    string    `json:"file"`
	Format  Format    `json:"format"`
	ModTime time.Time `json:"modTime"`
}

// ProfileStore saves training configurations as named files in one directory.
// The file extension selects the encoding; names without one are stored as JSON.
type ProfileStore struct {
	dir string
}

// NewProfileStore creates a profile store rooted at dir.
func NewProfileStore(dir string) *ProfileStore {
	return &ProfileStore{dir: dir}
}

// Dir returns the profile directory.
func (s *ProfileStore) Dir() string {
	return s.dir
}

// Save writes cfg under name, replacing any existing profile with that file name.
func (s *ProfileStore) Save(name string, cfg domain.TrainingConfig) (ProfileInfo, error) {
	file, format, err := profileFile(name)
	if err != nil {
		return ProfileInfo{}, err
	}

	data, err := encodeProfile(format, cfg)
	if err != nil {
		return ProfileInfo{}, fmt.Errorf("encode profile %s: %w", file, err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return ProfileInfo{}, err
	}

	path := filepath.Join(s.dir, file)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return ProfileInfo{}, err
	}
	return ProfileInfo{
		Name:    strings.TrimSuffix(file, filepath.Ext(file)),
		File:    file,
		Format:  format,
		ModTime: time.Now().UTC(),
	}, nil
}

// Load reads a profile by name. Missing fields keep the default values.
func (s *ProfileStore) Load(name string) (domain.TrainingConfig, error) {
	file, err := s.resolve(name)
	if err != nil {
		return domain.TrainingConfig{}, err
	}
	return LoadProfileFile(filepath.Join(s.dir, file))
}

// LoadProfileFile reads a profile from an arbitrary path.
func LoadProfileFile(path string) (domain.TrainingConfig, error) {
	format, ok := formatOf(path)
	if !ok {
		return domain.TrainingConfig{}, fmt.Errorf("unsupported profile format: %s", filepath.Ext(path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.TrainingConfig{}, fmt.Errorf("%w: %s", ErrProfileNotFound, filepath.Base(path))
		}
		return domain.TrainingConfig{}, err
	}

	cfg := DefaultTrainingConfig()
	if err := decodeProfile(format, data, &cfg); err != nil {
		return domain.TrainingConfig{}, fmt.Errorf("decode profile %s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// List returns stored profiles sorted by name.
func (s *ProfileStore) List() ([]ProfileInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]ProfileInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		format, ok := formatOf(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, ProfileInfo{
			Name:    strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name())),
			File:    entry.Name(),
			Format:  format,
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out, nil
}

// Delete removes a stored profile.
func (s *ProfileStore) Delete(name string) error {
	file, err := s.resolve(name)
	if err != nil {
		return err
	}
	return os.Remove(filepath.Join(s.dir, file))
}

// resolve maps a bare or extended profile name to an existing file.
func (s *ProfileStore) resolve(name string) (string, error) {
	if err := checkProfileName(name); err != nil {
		return "", err
	}
	if _, ok := formatOf(name); ok {
		if _, err := os.Stat(filepath.Join(s.dir, name)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("%w: %s", ErrProfileNotFound, name)
			}
			return "", err
		}
		return name, nil
	}
	for _, ext := range []string{".json", ".toml", ".yaml", ".yml"} {
		if _, err := os.Stat(filepath.Join(s.dir, name+ext)); err == nil {
			return name + ext, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrProfileNotFound, name)
}

func profileFile(name string) (string, Format, error) {
	if err := checkProfileName(name); err != nil {
		return "", "", err
	}
	if format, ok := formatOf(name); ok {
		return name, format, nil
	}
	return name + ".json", FormatJSON, nil
}

func checkProfileName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return errors.New("profile name is required")
	}
	if trimmed != name || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid profile name %q", name)
	}
	return nil
}

func formatOf(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, true
	case ".toml":
		return FormatTOML, true
	case ".yaml", ".yml":
		return FormatYAML, true
	default:
		return "", false
	}
}

func encodeProfile(format Format, cfg domain.TrainingConfig) ([]byte, error) {
	switch format {
	case FormatTOML:
		return toml.Marshal(cfg)
	case FormatYAML:
		return yaml.Marshal(cfg)
	default:
		return json.MarshalIndent(cfg, "", "  ")
	}
}

func decodeProfile(format Format, data []byte, cfg *domain.TrainingConfig) error {
	switch format {
	case FormatTOML:
		return toml.Unmarshal(data, cfg)
	case FormatYAML:
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}
