package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ThumbnailName is the file name the thumbnail is uploaded under.
const ThumbnailName = "screenshot.png"

// FileThumbnailer copies a pre-rendered preview stored next to the scene as
// <scene>.png into the export directory.
type FileThumbnailer struct{}

// Capture returns the copied thumbnail path, or "" when the scene has no
// preview.
func (FileThumbnailer) Capture(ctx context.Context, scenePath, dir string) (string, error) {
	src := strings.TrimSuffix(scenePath, filepath.Ext(scenePath)) + ".png"
	in, err := os.Open(src)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("thumbnail: %w", err)
	}
	defer in.Close()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("thumbnail: %w", err)
	}
	dst := filepath.Join(dir, ThumbnailName)
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("thumbnail: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return "", fmt.Errorf("thumbnail: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("thumbnail: %w", err)
	}
	return dst, nil
}
