// Package orchestrator sequences the per-scene pipeline: open the scene,
// ensure its manager object, export, upload, then move to the next scene.
// Every step is non-blocking and driven by Step on the tick goroutine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/telemetry-uploader/pkg/config"
	"github.com/zoff-tech/telemetry-uploader/pkg/events"
	"github.com/zoff-tech/telemetry-uploader/pkg/manifest"
	"github.com/zoff-tech/telemetry-uploader/pkg/scene"
	"github.com/zoff-tech/telemetry-uploader/pkg/telemetry"
	"github.com/zoff-tech/telemetry-uploader/pkg/tick"
	"github.com/zoff-tech/telemetry-uploader/pkg/upload"
)

const component = "orchestrator"

var (
	// ErrBusy is returned by Begin while a run is in progress.
	ErrBusy = errors.New("orchestrator: run in progress")
	// ErrNotHalted is returned by Retry and Skip when no scene is halted.
	ErrNotHalted = errors.New("orchestrator: not halted")
	// ErrNotRunning is returned by Abort when there is no run.
	ErrNotRunning = errors.New("orchestrator: no run in progress")
)

// ExportError halts a scene whose files could not be produced.
type ExportError struct {
	Scene string
	Err   error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export %s: %v", e.Scene, e.Err)
}

func (e *ExportError) Unwrap() error { return e.Err }

// Host owns the open scenes.
type Host interface {
	ActiveScene() string
	OpenScene(path string) error
	// EnsureManager inserts the named manager object into the active scene if
	// it is missing and reports whether it did.
	EnsureManager(name string) (bool, error)
	SaveOpenScenes() error
}

// ExportResult describes what an export wrote.
type ExportResult struct {
	Dir   string
	Files []string
}

// Exporter writes scene geometry and the dynamic-object manifest to disk.
type Exporter interface {
	Export(ctx context.Context, scenePath, outDir string) (ExportResult, error)
	BuildManifest(ctx context.Context, scenePath, outDir string) (*manifest.Manifest, error)
}

// Uploader runs one scene upload at a time; upload.Driver implements it.
type Uploader interface {
	Start(ctx context.Context, req upload.Request, onDone func(upload.Result)) error
	Abort()
}

// Options tune what each scene run exports and uploads.
type Options struct {
	ExportDir   string
	ManagerName string
	Thumbnail   bool
	Meshes      bool
	Manifest    bool
	Confirm     upload.ConfirmFunc
	// OnHalt, when set, is consulted by Attach whenever a scene halts.
	OnHalt func(h Halt) Decision
}

// Halt describes a halted scene to an OnHalt policy.
type Halt struct {
	Scene string
	Index int
	// Retries counts how often this scene was retried in the current run.
	Retries int
	Err     error
}

// OptionsFrom derives Options from the runtime settings.
func OptionsFrom(cfg config.Settings) Options {
	return Options{
		ExportDir:   cfg.Scenes.ExportDir,
		ManagerName: cfg.Scenes.ManagerName,
		Thumbnail:   cfg.Upload.Screenshot,
		Meshes:      cfg.Upload.DynamicMeshes,
		Manifest:    cfg.Upload.Manifest,
	}
}

// exported carries an export's output to StartUpload.
type exported struct {
	dir      string
	manifest *manifest.Manifest
}

// Orchestrator is the scene upload state machine. All methods must be called
// from the goroutine that runs the scheduler.
type Orchestrator struct {
	host     Host
	exporter Exporter
	store    scene.SettingsStore
	uploader Uploader
	sched    *tick.Scheduler
	sink     events.Sink
	log      zerolog.Logger
	tracer   trace.Tracer
	opts     Options

	ctx       context.Context
	runID     string
	scenes    []scene.Entry
	index     int
	state     State
	status    Status
	gen       uint64
	err       error
	retries   int
	settings  *scene.Settings
	export    *exported
	completed bool
	uploaded  upload.Result
	results   []SceneResult
	span      trace.Span
}

func New(host Host, exporter Exporter, store scene.SettingsStore, uploader Uploader,
	sched *tick.Scheduler, opts Options, log zerolog.Logger, sink events.Sink) *Orchestrator {
	if sink == nil {
		sink = events.Discard
	}
	return &Orchestrator{
		host:     host,
		exporter: exporter,
		store:    store,
		uploader: uploader,
		sched:    sched,
		sink:     sink,
		log:      log.With().Str("component", component).Logger(),
		tracer:   otel.Tracer(telemetry.TracerName),
		opts:     opts,
	}
}

// Begin starts a run over scenes in order.
func (o *Orchestrator) Begin(ctx context.Context, scenes []scene.Entry) error {
	return o.Resume(ctx, scenes, Snapshot{})
}

// Resume starts a run at a previously taken snapshot. Stages that wait on
// work from the interrupted run restart at Export.
func (o *Orchestrator) Resume(ctx context.Context, scenes []scene.Entry, at Snapshot) error {
	if o.status == StatusRunning || o.status == StatusHalted {
		return ErrBusy
	}
	switch at.State {
	case StateWaitingForExportDelay, StateStartUpload, StateUploading:
		at.State = StateExport
	}

	o.gen++
	o.ctx = ctx
	o.runID = uuid.NewString()
	o.scenes = append([]scene.Entry(nil), scenes...)
	o.index = at.SceneIndex
	o.state = at.State
	o.status = StatusRunning
	o.err = nil
	o.retries = 0
	o.export = nil
	o.completed = false
	o.results = make([]SceneResult, 0, len(scenes))

	o.log.Info().Str("run_id", o.runID).Int("scenes", len(scenes)).
		Int("selected", scene.CountSelected(scenes)).Int("start_index", at.SceneIndex).
		Str("start_state", at.State.String()).Msg("scene run started")
	o.emit(events.KindProgress, "", nil)
	return nil
}

// Snapshot returns the current position.
func (o *Orchestrator) Snapshot() Snapshot {
	return Snapshot{SceneIndex: o.index, State: o.state}
}

// Status returns the run status without advancing it.
func (o *Orchestrator) Status() Status { return o.status }

// Err returns the error that halted the current scene.
func (o *Orchestrator) Err() error { return o.err }

// Results returns per-scene results recorded so far.
func (o *Orchestrator) Results() []SceneResult {
	return append([]SceneResult(nil), o.results...)
}

// Step advances the run by one tick.
func (o *Orchestrator) Step() Status {
	if o.status != StatusRunning {
		return o.status
	}

	o.sched.RunNext()
	if o.status != StatusRunning {
		return o.status
	}

	if o.index >= len(o.scenes) {
		o.finish()
		return o.status
	}

	cur := o.scenes[o.index]
	if !cur.Selected {
		o.log.Debug().Str("scene", cur.Path).Msg("scene not selected")
		o.record(SceneResult{Path: cur.Path, Outcome: OutcomeUnselected})
		o.emit(events.KindSceneSkipped, cur.Path, nil)
		o.advance()
		return o.status
	}

	switch o.state {
	case StateInit:
		o.initScene(cur)
	case StateSceneSetup, StateGameObjectSetup:
		o.setState(StateExport)
	case StateExport:
		o.startExport(cur)
	case StateWaitingForExportDelay:
	case StateStartUpload:
		o.startUpload(cur)
	case StateUploading:
		if o.completed {
			o.setState(StateComplete)
		}
	case StateComplete:
		o.completeScene(cur)
	default:
		o.log.Error().Str("scene", cur.Path).Int("state", int(o.state)).Msg("invalid pipeline state, restarting scene")
		o.setState(StateInit)
	}
	return o.status
}

// Attach drives the orchestrator from src. Halts are resolved through
// Options.OnHalt, or skipped when it is nil. done is called once at the end.
func (o *Orchestrator) Attach(src tick.Source, done func([]SceneResult)) {
	reported := false
	src.OnTick(func() {
		if reported {
			return
		}
		switch o.Step() {
		case StatusHalted:
			decision := DecisionSkip
			if o.opts.OnHalt != nil {
				decision = o.opts.OnHalt(o.Halted())
			}
			switch decision {
			case DecisionRetry:
				_ = o.Retry()
			case DecisionAbort:
				_ = o.Abort()
			default:
				_ = o.Skip()
			}
		case StatusDone:
		default:
			return
		}
		if o.status != StatusDone {
			return
		}
		reported = true
		src.Cancel()
		if done != nil {
			done(o.Results())
		}
	})
}

// Halted describes the halted scene. It is the zero Halt unless Status is
// StatusHalted.
func (o *Orchestrator) Halted() Halt {
	if o.status != StatusHalted {
		return Halt{}
	}
	return Halt{Scene: o.scenes[o.index].Path, Index: o.index, Retries: o.retries, Err: o.err}
}

// Retry restarts the halted scene from Init.
func (o *Orchestrator) Retry() error {
	if o.status != StatusHalted {
		return ErrNotHalted
	}
	o.retries++
	o.log.Info().Str("scene", o.scenes[o.index].Path).Int("retries", o.retries).Msg("retrying scene")
	o.gen++
	o.err = nil
	o.status = StatusRunning
	o.setState(StateInit)
	return nil
}

// Skip records the halted scene as skipped and moves to the next one.
func (o *Orchestrator) Skip() error {
	if o.status != StatusHalted {
		return ErrNotHalted
	}
	cur := o.scenes[o.index]
	o.log.Warn().Str("scene", cur.Path).Msg("skipping halted scene")
	o.gen++
	o.record(SceneResult{Path: cur.Path, Outcome: OutcomeSkipped, Err: o.err})
	o.emit(events.KindSceneSkipped, cur.Path, o.err)
	o.err = nil
	o.status = StatusRunning
	o.advance()
	return nil
}

// Abort ends the run. Pending callbacks from it are ignored.
func (o *Orchestrator) Abort() error {
	if o.status != StatusRunning && o.status != StatusHalted {
		return ErrNotRunning
	}
	o.gen++
	if o.state == StateUploading {
		o.uploader.Abort()
	}
	o.endSpan(errors.New("aborted"))
	if o.index < len(o.scenes) {
		o.record(SceneResult{Path: o.scenes[o.index].Path, Outcome: OutcomeAborted, Err: o.err})
	}
	o.log.Warn().Str("run_id", o.runID).Int("scene_index", o.index).Str("state", o.state.String()).Msg("scene run aborted")
	o.finish()
	return nil
}

func (o *Orchestrator) initScene(cur scene.Entry) {
	o.endSpan(nil)
	_, o.span = o.tracer.Start(o.ctx, "orchestrator.Scene", trace.WithAttributes(
		attribute.String("scene.path", cur.Path),
		attribute.Int("scene.index", o.index),
	))

	next := StateSceneSetup
	if o.host.ActiveScene() != cur.Path {
		if err := o.host.OpenScene(cur.Path); err != nil {
			o.halt(cur, fmt.Errorf("open scene: %w", err))
			return
		}
		next = StateExport
	}
	inserted, err := o.host.EnsureManager(o.opts.ManagerName)
	if err != nil {
		o.halt(cur, fmt.Errorf("ensure manager: %w", err))
		return
	}
	if inserted {
		o.log.Info().Str("scene", cur.Path).Str("manager", o.opts.ManagerName).Msg("inserted manager object")
	}
	o.setState(next)
}

// startExport defers the export and moves to the guard state at once, so the
// following ticks do not re-enter Export.
func (o *Orchestrator) startExport(cur scene.Entry) {
	gen := o.gen
	o.setState(StateWaitingForExportDelay)
	o.sched.Defer(func() {
		if gen != o.gen {
			return
		}
		o.runExport(gen, cur)
	})
}

func (o *Orchestrator) runExport(gen uint64, cur scene.Entry) {
	rec, ok := o.store.FindByPath(cur.Path)
	if !ok {
		rec = o.store.Add(cur)
	}
	rec.SizeBucket = scene.ClassifyFile(cur.Path)
	o.settings = rec

	outDir := filepath.Join(o.opts.ExportDir, exportDirName(cur))
	withManifest := o.opts.Manifest || o.opts.Meshes
	ctx := o.ctx

	go func() {
		res, err := o.exporter.Export(ctx, cur.Path, outDir)
		if err == nil && res.Dir == "" {
			res.Dir = outDir
		}
		var m *manifest.Manifest
		if err == nil && withManifest {
			m, err = o.exporter.BuildManifest(ctx, cur.Path, res.Dir)
		}
		o.sched.Defer(func() {
			if gen != o.gen {
				return
			}
			if err != nil {
				o.halt(cur, &ExportError{Scene: cur.Path, Err: err})
				return
			}
			o.store.MarkDirty()
			if err := o.store.Save(); err != nil {
				o.halt(cur, fmt.Errorf("save scene settings: %w", err))
				return
			}
			o.log.Info().Str("scene", cur.Path).Str("dir", res.Dir).Int("files", len(res.Files)).
				Str("size_bucket", string(rec.SizeBucket)).Msg("scene exported")
			o.export = &exported{dir: res.Dir, manifest: m}
			o.setState(StateStartUpload)
		})
	}()
}

// exportDirName is the scene name plus a short hash of its path, so scenes
// sharing a file name in different folders export to different directories.
func exportDirName(cur scene.Entry) string {
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(filepath.Clean(cur.Path)))
	return cur.Name() + "-" + id.String()[:8]
}

func (o *Orchestrator) startUpload(cur scene.Entry) {
	if o.export == nil {
		o.setState(StateExport)
		return
	}
	o.completed = false
	o.uploaded = upload.Result{}

	req := upload.Request{
		ScenePath:    cur.Path,
		ExportDir:    o.export.dir,
		Thumbnail:    o.opts.Thumbnail,
		Meshes:       o.opts.Meshes,
		PushManifest: o.opts.Manifest,
		Confirm:      o.opts.Confirm,
	}
	if o.opts.Manifest || o.opts.Meshes {
		req.Manifest = o.export.manifest
	}
	if o.settings != nil {
		req.SceneID = o.settings.SceneID
	}

	gen := o.gen
	err := o.uploader.Start(o.ctx, req, func(res upload.Result) {
		if gen != o.gen {
			return
		}
		o.uploaded = res
		o.completed = true
	})
	if err != nil {
		o.uploaded = upload.Result{Err: err}
		o.completed = true
	}
	o.setState(StateUploading)
}

func (o *Orchestrator) completeScene(cur scene.Entry) {
	res := SceneResult{Path: cur.Path, Outcome: OutcomePassed}
	if o.uploaded.Err != nil {
		res.Outcome = OutcomeFailed
		res.Err = o.uploaded.Err
		o.log.Warn().Err(o.uploaded.Err).Str("scene", cur.Path).Msg("scene upload failed")
		o.emit(events.KindSceneFailed, cur.Path, o.uploaded.Err)
	} else {
		res.SceneID = o.uploaded.Version.SceneID
		res.Version = o.uploaded.Version.VersionNumber
		if o.settings != nil {
			o.settings.SceneID = o.uploaded.Version.SceneID
			o.settings.VersionNumber = o.uploaded.Version.VersionNumber
			o.settings.VersionID = o.uploaded.Version.VersionID
			o.settings.LastUploaded = time.Now().UTC()
			o.store.MarkDirty()
			if err := o.store.Save(); err != nil {
				o.log.Error().Err(err).Str("scene", cur.Path).Msg("failed to save scene settings")
			}
		}
		o.emit(events.KindSceneDone, cur.Path, nil)
	}
	o.endSpan(res.Err)
	o.record(res)

	if err := o.host.SaveOpenScenes(); err != nil {
		o.log.Error().Err(err).Str("scene", cur.Path).Msg("failed to save open scenes")
	}
	o.completed = false
	o.advance()
}

func (o *Orchestrator) halt(cur scene.Entry, err error) {
	o.err = err
	o.status = StatusHalted
	o.endSpan(err)
	o.log.Error().Err(err).Str("scene", cur.Path).Str("state", o.state.String()).Msg("scene halted")
	o.emit(events.KindSceneHalted, cur.Path, err)
}

// advance moves the cursor to the next scene at Init.
func (o *Orchestrator) advance() {
	o.index++
	o.retries = 0
	o.export = nil
	o.settings = nil
	o.state = StateInit
	o.emit(events.KindProgress, "", nil)
}

func (o *Orchestrator) finish() {
	o.status = StatusDone
	o.endSpan(nil)

	passed := 0
	for _, r := range o.results {
		if r.Outcome == OutcomePassed {
			passed++
		}
	}
	o.log.Info().Str("run_id", o.runID).Int("scenes", len(o.scenes)).Int("passed", passed).Msg("scene run complete")
	o.emit(events.KindRunComplete, "", nil)
}

func (o *Orchestrator) setState(s State) {
	if o.state == s {
		return
	}
	o.log.Debug().Str("from", o.state.String()).Str("to", s.String()).Int("scene_index", o.index).Msg("state changed")
	o.state = s
	path := ""
	if o.index < len(o.scenes) {
		path = o.scenes[o.index].Path
	}
	o.emit(events.KindStateChanged, path, nil)
}

func (o *Orchestrator) record(r SceneResult) {
	o.results = append(o.results, r)
}

func (o *Orchestrator) endSpan(err error) {
	if o.span == nil {
		return
	}
	if err != nil {
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, err.Error())
	}
	o.span.End()
	o.span = nil
}

func (o *Orchestrator) emit(kind events.Kind, scenePath string, err error) {
	e := events.Event{
		Kind:      kind,
		RunID:     o.runID,
		Component: component,
		Scene:     scenePath,
		State:     o.state.String(),
		Done:      o.index,
		Total:     len(o.scenes),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if kind == events.KindRunComplete {
		for _, r := range o.results {
			if r.Outcome == OutcomePassed {
				e.Delivered++
			} else if r.Outcome != OutcomeUnselected {
				e.Retained++
			}
		}
	}
	o.sink.Emit(e)
}
