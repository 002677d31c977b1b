package scene

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// SizeBucket is a coarse classification of scene size reported with uploads.
type SizeBucket string

const (
	SizeUnknown    SizeBucket = "unknown"
	SizeSmall      SizeBucket = "small"
	SizeMedium     SizeBucket = "medium"
	SizeLarge      SizeBucket = "large"
	SizeExtraLarge SizeBucket = "extra_large"
)

const mb = 1 << 20

// ClassifySize buckets a scene by the size in bytes of its source file.
func ClassifySize(bytes int64) SizeBucket {
	switch {
	case bytes <= 0:
		return SizeUnknown
	case bytes < 10*mb:
		return SizeSmall
	case bytes < 100*mb:
		return SizeMedium
	case bytes < 500*mb:
		return SizeLarge
	default:
		return SizeExtraLarge
	}
}

// ClassifyFile buckets the scene file at path. Unreadable files are
// SizeUnknown.
func ClassifyFile(path string) SizeBucket {
	info, err := os.Stat(path)
	if err != nil {
		return SizeUnknown
	}
	return ClassifySize(info.Size())
}

// Settings is the persisted record of one scene's remote identity.
type Settings struct {
	Path          string     `yaml:"path"`
	Name          string     `yaml:"name"`
	SceneID       string     `yaml:"scene_id,omitempty"`
	VersionNumber int        `yaml:"version_number"`
	VersionID     int        `yaml:"version_id"`
	SizeBucket    SizeBucket `yaml:"size_bucket,omitempty"`
	LastUploaded  time.Time  `yaml:"last_uploaded,omitempty"`
}

// SettingsStore tracks Settings by scene path.
type SettingsStore interface {
	FindByPath(path string) (*Settings, bool)
	Add(e Entry) *Settings
	MarkDirty()
	Save() error
}

// YAMLSettingsStore keeps scene settings in a YAML file. It is used from the
// tick goroutine only.
type YAMLSettingsStore struct {
	path   string
	scenes []*Settings
	dirty  bool
}

type settingsFile struct {
	Scenes []*Settings `yaml:"scenes"`
}

// OpenSettingsStore loads the store at path. A missing file is an empty store.
func OpenSettingsStore(path string) (*YAMLSettingsStore, error) {
	s := &YAMLSettingsStore{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scene: read settings: %w", err)
	}
	var doc settingsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("scene: parse settings: %w", err)
	}
	s.scenes = doc.Scenes
	return s, nil
}

func (s *YAMLSettingsStore) FindByPath(path string) (*Settings, bool) {
	for _, rec := range s.scenes {
		if rec.Path == path {
			return rec, true
		}
	}
	return nil, false
}

// Add returns the record for e, creating it if absent.
func (s *YAMLSettingsStore) Add(e Entry) *Settings {
	if rec, ok := s.FindByPath(e.Path); ok {
		return rec
	}
	rec := &Settings{Path: e.Path, Name: e.Name(), VersionNumber: e.VersionNumber}
	s.scenes = append(s.scenes, rec)
	s.dirty = true
	return rec
}

func (s *YAMLSettingsStore) MarkDirty() { s.dirty = true }

// Dirty reports whether there are unsaved changes.
func (s *YAMLSettingsStore) Dirty() bool { return s.dirty }

// Save writes the store if it is dirty.
func (s *YAMLSettingsStore) Save() error {
	if !s.dirty {
		return nil
	}
	data, err := yaml.Marshal(settingsFile{Scenes: s.scenes})
	if err != nil {
		return fmt.Errorf("scene: encode settings: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("scene: save settings: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("scene: save settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("scene: save settings: %w", err)
	}
	s.dirty = false
	return nil
}
