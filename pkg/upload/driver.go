// Package upload drives the per-scene upload: version refresh, thumbnail,
// geometry, meshes and the aggregation manifest, one asynchronous step at a
// time.
package upload

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/telemetry-uploader/pkg/manifest"
	"github.com/zoff-tech/telemetry-uploader/pkg/telemetry"
	"github.com/zoff-tech/telemetry-uploader/pkg/tick"
)

var (
	// ErrBusy is returned by Start while a run is in flight.
	ErrBusy = errors.New("upload: run in progress")
	// ErrDeclined ends a run whose geometry upload was refused by the
	// confirmation policy.
	ErrDeclined = errors.New("upload: declined")
	// ErrAborted is reported to onDone when Abort interrupts a run.
	ErrAborted = errors.New("upload: aborted")
)

// MeshDirName is the export subdirectory holding one directory per mesh.
const MeshDirName = "Dynamic"

// Version identifies one uploaded version of a scene.
type Version struct {
	SceneID       string `json:"sceneId"`
	VersionNumber int    `json:"versionNumber"`
	VersionID     int    `json:"versionId"`
}

// SceneFiles is what a geometry upload sends.
type SceneFiles struct {
	Dir       string
	Thumbnail string
}

// SceneAPI is the remote scene service.
type SceneAPI interface {
	// SceneVersion returns the latest version of an existing scene.
	SceneVersion(ctx context.Context, sceneID string) (Version, error)
	// UploadScene creates a scene when sceneID is empty, otherwise a new
	// version of it.
	UploadScene(ctx context.Context, sceneID string, files SceneFiles) (Version, error)
	UploadMeshes(ctx context.Context, v Version, meshDir string, meshIDs []string) error
	UploadManifest(ctx context.Context, v Version, m *manifest.Manifest) error
}

// Thumbnailer captures a scene screenshot into dir and returns its path.
type Thumbnailer interface {
	Capture(ctx context.Context, scenePath, dir string) (string, error)
}

// ConfirmFunc decides whether a geometry upload may proceed. A nil ConfirmFunc
// approves every upload.
type ConfirmFunc func(req Request, newScene bool) bool

// Request describes one scene upload.
type Request struct {
	ScenePath string
	// SceneID is the remote identity from a previous upload, if any.
	SceneID   string
	ExportDir string
	// Manifest lists the dynamic objects. Meshes are uploaded for its mesh IDs
	// when Meshes is set; the manifest itself is pushed when PushManifest is.
	Manifest     *manifest.Manifest
	Thumbnail    bool
	Meshes       bool
	PushManifest bool
	Confirm      ConfirmFunc
}

// Step names one stage of a run.
type Step string

const (
	StepRefresh   Step = "refresh"
	StepThumbnail Step = "thumbnail"
	StepGeometry  Step = "geometry"
	StepMeshes    Step = "meshes"
	StepManifest  Step = "manifest"
)

// Result reports a finished run. Steps lists the stages that completed.
type Result struct {
	SceneID string
	Version Version
	Steps   []Step
	Err     error
}

type run struct {
	gen       uint64
	ctx       context.Context
	req       Request
	version   Version
	thumbnail string
	steps     []Step
	onDone    func(Result)
}

type stage struct {
	step Step
	skip func(r *run) bool
	gate func(r *run) error
	// do runs on a worker goroutine and must not touch r beyond reading it.
	// The returned apply, if any, runs on the tick goroutine.
	do func(ctx context.Context, r *run) (apply func(), err error)
}

// Driver executes upload runs. Every stage runs on a worker goroutine and its
// completion is delivered through the scheduler, so the next stage starts on
// a later tick. Start, Abort and the scheduler must share one goroutine.
type Driver struct {
	api    SceneAPI
	thumbs Thumbnailer
	sched  *tick.Scheduler
	log    zerolog.Logger
	tracer trace.Tracer
	stages []stage

	gen    uint64
	active *run
}

// NewDriver creates a driver. thumbs may be nil when thumbnails are never
// requested.
func NewDriver(api SceneAPI, thumbs Thumbnailer, sched *tick.Scheduler, log zerolog.Logger) *Driver {
	d := &Driver{
		api:    api,
		thumbs: thumbs,
		sched:  sched,
		log:    log.With().Str("component", "upload").Logger(),
		tracer: otel.Tracer(telemetry.TracerName),
	}
	d.stages = []stage{
		{step: StepRefresh, skip: func(r *run) bool { return r.req.SceneID == "" }, do: d.refresh},
		{step: StepThumbnail, skip: func(r *run) bool { return !r.req.Thumbnail || d.thumbs == nil }, do: d.thumbnail},
		{step: StepGeometry, gate: confirm, do: d.geometry},
		{step: StepMeshes, skip: func(r *run) bool { return !r.req.Meshes || r.req.Manifest.Len() == 0 }, do: d.meshes},
		{step: StepManifest, skip: func(r *run) bool { return !r.req.PushManifest || r.req.Manifest.Len() == 0 }, do: d.pushManifest},
	}
	return d
}

// Busy reports whether a run is in flight.
func (d *Driver) Busy() bool { return d.active != nil }

// Start begins a run. onDone is called exactly once, from the scheduler.
func (d *Driver) Start(ctx context.Context, req Request, onDone func(Result)) error {
	if d.active != nil {
		return ErrBusy
	}
	if req.Manifest == nil {
		req.Manifest = manifest.New()
	}
	d.gen++
	r := &run{gen: d.gen, ctx: ctx, req: req, onDone: onDone}
	d.active = r

	d.log.Info().Str("scene", req.ScenePath).Str("scene_id", req.SceneID).Msg("scene upload started")
	d.advance(r, 0)
	return nil
}

// Abort ends the active run. Completions still in flight are discarded and
// onDone receives ErrAborted.
func (d *Driver) Abort() {
	r := d.active
	if r == nil {
		return
	}
	d.gen++
	d.finish(r, ErrAborted)
}

func (d *Driver) advance(r *run, i int) {
	for ; i < len(d.stages); i++ {
		if s := d.stages[i]; s.skip == nil || !s.skip(r) {
			break
		}
	}
	if i == len(d.stages) {
		d.finish(r, nil)
		return
	}

	s := d.stages[i]
	if s.gate != nil {
		if err := s.gate(r); err != nil {
			d.finish(r, err)
			return
		}
	}

	ctx, span := d.tracer.Start(r.ctx, "upload."+string(s.step), trace.WithAttributes(
		attribute.String("upload.scene", r.req.ScenePath),
	))
	go func() {
		apply, err := s.do(ctx, r)
		d.sched.Defer(func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
			if r.gen != d.gen {
				return
			}
			if err != nil {
				d.finish(r, fmt.Errorf("upload: %s: %w", s.step, err))
				return
			}
			if apply != nil {
				apply()
			}
			r.steps = append(r.steps, s.step)
			d.log.Debug().Str("scene", r.req.ScenePath).Str("step", string(s.step)).Msg("upload step complete")
			d.advance(r, i+1)
		})
	}()
}

func (d *Driver) finish(r *run, err error) {
	d.active = nil
	res := Result{SceneID: r.version.SceneID, Version: r.version, Steps: r.steps, Err: err}

	if err != nil {
		d.log.Warn().Err(err).Str("scene", r.req.ScenePath).Msg("scene upload failed")
	} else {
		d.log.Info().Str("scene", r.req.ScenePath).Str("scene_id", res.SceneID).
			Int("version", res.Version.VersionNumber).Msg("scene upload complete")
	}
	if r.onDone != nil {
		r.onDone(res)
	}
}

func confirm(r *run) error {
	if r.req.Confirm == nil || r.req.Confirm(r.req, r.req.SceneID == "") {
		return nil
	}
	return ErrDeclined
}

func (d *Driver) refresh(ctx context.Context, r *run) (func(), error) {
	v, err := d.api.SceneVersion(ctx, r.req.SceneID)
	if err != nil {
		return nil, err
	}
	return func() { r.version = v }, nil
}

func (d *Driver) thumbnail(ctx context.Context, r *run) (func(), error) {
	path, err := d.thumbs.Capture(ctx, r.req.ScenePath, r.req.ExportDir)
	if err != nil {
		return nil, err
	}
	return func() { r.thumbnail = path }, nil
}

func (d *Driver) geometry(ctx context.Context, r *run) (func(), error) {
	v, err := d.api.UploadScene(ctx, r.req.SceneID, SceneFiles{Dir: r.req.ExportDir, Thumbnail: r.thumbnail})
	if err != nil {
		return nil, err
	}
	return func() { r.version = v }, nil
}

func (d *Driver) meshes(ctx context.Context, r *run) (func(), error) {
	dir := filepath.Join(r.req.ExportDir, MeshDirName)
	return nil, d.api.UploadMeshes(ctx, r.version, dir, r.req.Manifest.MeshIDs())
}

func (d *Driver) pushManifest(ctx context.Context, r *run) (func(), error) {
	return nil, d.api.UploadManifest(ctx, r.version, r.req.Manifest)
}
