package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zoff-tech/telemetry-uploader/pkg/manifest"
	"github.com/zoff-tech/telemetry-uploader/pkg/transport"
)

// Requester is the part of transport.Client the scene API needs.
type Requester interface {
	Do(ctx context.Context, method, url, contentType string, body io.Reader) (*transport.Response, error)
	Post(ctx context.Context, url string, body []byte) (*transport.Response, error)
	Check(resp *transport.Response, err error) error
}

// HTTPSceneAPI talks to the scene service rooted at a base URL.
type HTTPSceneAPI struct {
	client Requester
	base   string
}

func NewHTTPSceneAPI(client Requester, baseURL string) *HTTPSceneAPI {
	return &HTTPSceneAPI{client: client, base: strings.TrimRight(baseURL, "/")}
}

type versionList struct {
	Versions []struct {
		ID            int `json:"id"`
		VersionNumber int `json:"versionNumber"`
	} `json:"versions"`
}

func (a *HTTPSceneAPI) SceneVersion(ctx context.Context, sceneID string) (Version, error) {
	resp, err := a.client.Do(ctx, http.MethodGet, a.base+"/v0/scenes/"+url.PathEscape(sceneID), "", nil)
	if err := a.client.Check(resp, err); err != nil {
		return Version{}, fmt.Errorf("scene version: %w", err)
	}

	var list versionList
	if err := json.Unmarshal(resp.Body, &list); err != nil {
		return Version{}, fmt.Errorf("scene version: decode: %w", err)
	}
	v := Version{SceneID: sceneID}
	for _, lv := range list.Versions {
		if lv.VersionNumber > v.VersionNumber {
			v.VersionNumber = lv.VersionNumber
			v.VersionID = lv.ID
		}
	}
	if v.VersionNumber == 0 {
		return Version{}, fmt.Errorf("scene version: scene %s has no versions", sceneID)
	}
	return v, nil
}

func (a *HTTPSceneAPI) UploadScene(ctx context.Context, sceneID string, files SceneFiles) (Version, error) {
	target := a.base + "/v0/scenes"
	if sceneID != "" {
		target += "/" + url.PathEscape(sceneID)
	}

	paths, err := filesIn(files.Dir)
	if err != nil {
		return Version{}, fmt.Errorf("upload scene: %w", err)
	}
	if files.Thumbnail != "" && filepath.Dir(files.Thumbnail) != filepath.Clean(files.Dir) {
		paths = append(paths, files.Thumbnail)
	}
	if len(paths) == 0 {
		return Version{}, fmt.Errorf("upload scene: no files in %s", files.Dir)
	}

	body, contentType, err := multipartBody(paths)
	if err != nil {
		return Version{}, fmt.Errorf("upload scene: %w", err)
	}
	resp, err := a.client.Do(ctx, http.MethodPost, target, contentType, body)
	if err := a.client.Check(resp, err); err != nil {
		return Version{}, fmt.Errorf("upload scene: %w", err)
	}

	var v Version
	if err := json.Unmarshal(resp.Body, &v); err != nil {
		return Version{}, fmt.Errorf("upload scene: decode: %w", err)
	}
	if v.SceneID == "" {
		v.SceneID = sceneID
	}
	return v, nil
}

func (a *HTTPSceneAPI) UploadMeshes(ctx context.Context, v Version, meshDir string, meshIDs []string) error {
	for _, id := range meshIDs {
		paths, err := filesIn(filepath.Join(meshDir, id))
		if err != nil {
			return fmt.Errorf("upload mesh %s: %w", id, err)
		}
		if len(paths) == 0 {
			continue
		}
		body, contentType, err := multipartBody(paths)
		if err != nil {
			return fmt.Errorf("upload mesh %s: %w", id, err)
		}
		resp, err := a.client.Do(ctx, http.MethodPost, a.objectsURL(v, id), contentType, body)
		if err := a.client.Check(resp, err); err != nil {
			return fmt.Errorf("upload mesh %s: %w", id, err)
		}
	}
	return nil
}

func (a *HTTPSceneAPI) UploadManifest(ctx context.Context, v Version, m *manifest.Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("upload manifest: %w", err)
	}
	resp, err := a.client.Post(ctx, a.objectsURL(v, ""), data)
	if err := a.client.Check(resp, err); err != nil {
		return fmt.Errorf("upload manifest: %w", err)
	}
	return nil
}

func (a *HTTPSceneAPI) objectsURL(v Version, meshID string) string {
	u := a.base + "/v0/objects/" + url.PathEscape(v.SceneID)
	if meshID != "" {
		u += "/" + url.PathEscape(meshID)
	}
	return u + "?version=" + fmt.Sprint(v.VersionNumber)
}

// filesIn lists the regular files directly under dir in name order. A missing
// directory has no files.
func filesIn(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func multipartBody(paths []string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range paths {
		part, err := w.CreateFormFile(filepath.Base(p), filepath.Base(p))
		if err != nil {
			return nil, "", err
		}
		f, err := os.Open(p)
		if err != nil {
			return nil, "", err
		}
		_, err = io.Copy(part, f)
		f.Close()
		if err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
