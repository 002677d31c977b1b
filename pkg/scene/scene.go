// Package scene models the scenes eligible for export and upload, and the
// per-scene settings that track their remote identity.
package scene

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoScenes is returned by LoadList when the list names no scenes.
var ErrNoScenes = errors.New("scene: list is empty")

// Entry is one build-configured scene. Selected is caller intent and
// VersionNumber the last version known to be uploaded.
type Entry struct {
	Path          string `yaml:"path"`
	Selected      bool   `yaml:"selected"`
	VersionNumber int    `yaml:"version"`
}

// Name is the scene file name without directory or extension.
func (e Entry) Name() string {
	return strings.TrimSuffix(filepath.Base(e.Path), filepath.Ext(e.Path))
}

type listFile struct {
	Scenes []Entry `yaml:"scenes"`
}

// LoadList reads the scene list at path. Relative scene paths are resolved
// against the list's directory.
func LoadList(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scene: read list: %w", err)
	}
	return ParseList(data, filepath.Dir(path))
}

// ParseList decodes a scene list document.
func ParseList(data []byte, baseDir string) ([]Entry, error) {
	var doc listFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("scene: parse list: %w", err)
	}
	if len(doc.Scenes) == 0 {
		return nil, ErrNoScenes
	}
	for i, e := range doc.Scenes {
		if e.Path == "" {
			return nil, fmt.Errorf("scene: entry %d has no path", i)
		}
		if baseDir != "" && !filepath.IsAbs(e.Path) {
			doc.Scenes[i].Path = filepath.Join(baseDir, e.Path)
		}
	}
	return doc.Scenes, nil
}

// CountSelected returns how many entries are selected.
func CountSelected(entries []Entry) int {
	n := 0
	for _, e := range entries {
		if e.Selected {
			n++
		}
	}
	return n
}
