package export

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// HeadlessHost stands in for an editor when scenes are processed from the
// command line. Opening a scene only checks that its file exists.
type HeadlessHost struct {
	log      zerolog.Logger
	active   string
	managers map[string]string
	opened   []string
}

func NewHeadlessHost(log zerolog.Logger) *HeadlessHost {
	return &HeadlessHost{
		log:      log.With().Str("component", "host").Logger(),
		managers: make(map[string]string),
	}
}

func (h *HeadlessHost) ActiveScene() string { return h.active }

func (h *HeadlessHost) OpenScene(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("open scene: %w", err)
	}
	h.active = path
	h.opened = append(h.opened, path)
	h.log.Debug().Str("scene", path).Msg("scene opened")
	return nil
}

func (h *HeadlessHost) EnsureManager(name string) (bool, error) {
	if h.active == "" {
		return false, fmt.Errorf("ensure manager %s: no active scene", name)
	}
	if h.managers[h.active] == name {
		return false, nil
	}
	h.managers[h.active] = name
	return true, nil
}

// HasManager reports whether the manager was ensured for scenePath.
func (h *HeadlessHost) HasManager(scenePath string) bool {
	_, ok := h.managers[scenePath]
	return ok
}

// SaveOpenScenes has nothing to persist headlessly; it forgets the opened set.
func (h *HeadlessHost) SaveOpenScenes() error {
	if len(h.opened) > 0 {
		h.log.Debug().Strs("scenes", h.opened).Msg("open scenes saved")
	}
	h.opened = h.opened[:0]
	return nil
}
