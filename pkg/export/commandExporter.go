// Package export provides the collaborators the CLI uses in place of an
// editor: an exporter that shells out to an external tool, a headless scene
// host and a thumbnailer that picks up pre-rendered previews.
package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zoff-tech/telemetry-uploader/pkg/config"
	"github.com/zoff-tech/telemetry-uploader/pkg/manifest"
	"github.com/zoff-tech/telemetry-uploader/pkg/orchestrator"
)

// ManifestFile is the dynamic-object document the exporter writes next to
// the geometry.
const ManifestFile = "dynamic_objects.json"

var (
	// ErrNoCommand is returned when no exporter command is configured.
	ErrNoCommand = errors.New("export: no exporter command configured")
	// ErrNoOutput is returned when the exporter exits cleanly but writes nothing.
	ErrNoOutput = errors.New("export: exporter produced no files")
)

const maxOutputTail = 2048

// CommandExporter runs an external exporter once per scene. Args may contain
// {scene} and {out} placeholders; without them the scene path and output
// directory are appended.
type CommandExporter struct {
	cfg config.ExportSettings
	log zerolog.Logger
}

func NewCommandExporter(cfg config.ExportSettings, log zerolog.Logger) *CommandExporter {
	return &CommandExporter{cfg: cfg, log: log.With().Str("component", "exporter").Logger()}
}

// Export empties outDir, runs the exporter into it and lists what it wrote.
func (e *CommandExporter) Export(ctx context.Context, scenePath, outDir string) (orchestrator.ExportResult, error) {
	if e.cfg.Command == "" {
		return orchestrator.ExportResult{}, ErrNoCommand
	}
	// Leftovers from an earlier export must not pass for this one's output.
	if err := os.RemoveAll(outDir); err != nil {
		return orchestrator.ExportResult{}, fmt.Errorf("export: clear %s: %w", outDir, err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return orchestrator.ExportResult{}, fmt.Errorf("export: %w", err)
	}

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	args := e.args(scenePath, outDir)
	cmd := exec.CommandContext(ctx, e.cfg.Command, args...)
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	if err != nil {
		return orchestrator.ExportResult{}, fmt.Errorf("export: %s: %w: %s", e.cfg.Command, err, tail(out))
	}
	e.log.Debug().Str("scene", scenePath).Str("output", tail(out)).Msg("exporter finished")

	files, err := listFiles(outDir)
	if err != nil {
		return orchestrator.ExportResult{}, fmt.Errorf("export: %w", err)
	}
	if len(files) == 0 {
		return orchestrator.ExportResult{}, ErrNoOutput
	}
	return orchestrator.ExportResult{Dir: outDir, Files: files}, nil
}

// BuildManifest reads the dynamic-object document from outDir. A scene
// without one has an empty manifest.
func (e *CommandExporter) BuildManifest(_ context.Context, scenePath, outDir string) (*manifest.Manifest, error) {
	m, missing, err := manifest.ReadFile(filepath.Join(outDir, ManifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return manifest.New(), nil
	}
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		e.log.Warn().Str("scene", scenePath).Strs("objects", missing).
			Msg("dynamic objects without a mesh were left out of the manifest")
	}
	return m, nil
}

func (e *CommandExporter) args(scenePath, outDir string) []string {
	templated := false
	args := make([]string, 0, len(e.cfg.Args)+2)
	for _, a := range e.cfg.Args {
		if strings.Contains(a, "{scene}") || strings.Contains(a, "{out}") {
			templated = true
		}
		a = strings.ReplaceAll(a, "{scene}", scenePath)
		a = strings.ReplaceAll(a, "{out}", outDir)
		args = append(args, a)
	}
	if !templated {
		args = append(args, scenePath, outDir)
	}
	return args
}

func listFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			files = append(files, rel)
		}
		return nil
	})
	return files, err
}

func tail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > maxOutputTail {
		s = s[len(s)-maxOutputTail:]
	}
	return s
}
