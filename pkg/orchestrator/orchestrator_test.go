package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/telemetry-uploader/pkg/events"
	"github.com/zoff-tech/telemetry-uploader/pkg/manifest"
	"github.com/zoff-tech/telemetry-uploader/pkg/scene"
	"github.com/zoff-tech/telemetry-uploader/pkg/tick"
	"github.com/zoff-tech/telemetry-uploader/pkg/upload"
)

// journal is an ordered, goroutine-safe log of what the fakes observed.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
	j.mu.Unlock()
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) indexOf(entry string) int {
	for i, e := range j.all() {
		if e == entry {
			return i
		}
	}
	return -1
}

func base(path string) string { return scene.Entry{Path: path}.Name() }

type fakeHost struct {
	j        *journal
	active   string
	managers map[string]bool
	saved    int
}

func (h *fakeHost) ActiveScene() string { return h.active }

func (h *fakeHost) OpenScene(path string) error {
	h.j.add("open:%s", path)
	h.active = path
	return nil
}

func (h *fakeHost) EnsureManager(string) (bool, error) {
	if h.managers == nil {
		h.managers = map[string]bool{}
	}
	if h.managers[h.active] {
		return false, nil
	}
	h.managers[h.active] = true
	return true, nil
}

func (h *fakeHost) SaveOpenScenes() error {
	h.saved++
	return nil
}

type fakeExporter struct {
	j *journal

	mu       sync.Mutex
	calls    int
	failures map[string]int
}

func (e *fakeExporter) Export(_ context.Context, scenePath, outDir string) (ExportResult, error) {
	e.j.add("export:%s", base(scenePath))
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.failures[scenePath] > 0 {
		e.failures[scenePath]--
		return ExportResult{}, errors.New("exporter crashed")
	}
	return ExportResult{Dir: outDir, Files: []string{"scene.gltf"}}, nil
}

func (e *fakeExporter) BuildManifest(_ context.Context, scenePath, _ string) (*manifest.Manifest, error) {
	m := manifest.New()
	m.AddOrReplaceDynamic(manifest.Entry{ObjectID: base(scenePath), MeshID: "mesh", Name: "obj"})
	return m, nil
}

func (e *fakeExporter) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// fakeUploader completes each upload on a later scheduler turn unless hold is
// set, in which case the callback is kept for the test to fire.
type fakeUploader struct {
	j     *journal
	sched *tick.Scheduler

	hold     bool
	held     func(upload.Result)
	fail     map[string]error
	requests []upload.Request
	aborted  int
}

func (u *fakeUploader) Start(_ context.Context, req upload.Request, onDone func(upload.Result)) error {
	u.j.add("upload:%s", base(req.ScenePath))
	u.requests = append(u.requests, req)
	if u.hold {
		u.held = onDone
		return nil
	}
	res := upload.Result{Version: upload.Version{SceneID: "id-" + base(req.ScenePath), VersionNumber: 1}}
	res.SceneID = res.Version.SceneID
	if err := u.fail[req.ScenePath]; err != nil {
		res = upload.Result{Err: err}
	}
	u.sched.Defer(func() { onDone(res) })
	return nil
}

func (u *fakeUploader) Abort() { u.aborted++ }

type fixture struct {
	j        *journal
	host     *fakeHost
	exporter *fakeExporter
	uploader *fakeUploader
	store    *scene.YAMLSettingsStore
	sched    *tick.Scheduler
	rec      *events.Recorder
	o        *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	j := &journal{}
	sched := tick.NewScheduler()
	store, err := scene.OpenSettingsStore(filepath.Join(t.TempDir(), "settings.yaml"))
	require.NoError(t, err)

	f := &fixture{
		j:        j,
		host:     &fakeHost{j: j},
		exporter: &fakeExporter{j: j, failures: map[string]int{}},
		uploader: &fakeUploader{j: j, sched: sched, fail: map[string]error{}},
		store:    store,
		sched:    sched,
		rec:      &events.Recorder{},
	}
	// Record scene completion in the same journal as exports and uploads.
	sink := events.SinkFunc(func(e events.Event) {
		f.rec.Emit(e)
		if e.Kind == events.KindStateChanged && e.State == StateComplete.String() {
			j.add("complete:%s", base(e.Scene))
		}
	})
	opts := Options{ExportDir: t.TempDir(), ManagerName: "Telemetry_Manager", Manifest: true}
	f.o = New(f.host, f.exporter, store, f.uploader, sched, opts, zerolog.Nop(), sink)
	return f
}

func scenes(selected map[string]bool, names ...string) []scene.Entry {
	out := make([]scene.Entry, len(names))
	for i, n := range names {
		sel, ok := selected[n]
		out[i] = scene.Entry{Path: "/project/" + n + ".unity", Selected: !ok || sel}
	}
	return out
}

// drive steps o until it leaves StatusRunning.
func drive(t *testing.T, o *Orchestrator) Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		st := o.Step()
		if st != StatusRunning {
			return st
		}
		require.True(t, time.Now().Before(deadline), "orchestrator stuck at %+v", o.Snapshot())
		time.Sleep(50 * time.Microsecond)
	}
}

func TestSceneOrdering(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.o.Begin(context.Background(), scenes(nil, "A", "B", "C")))

	assert.Equal(t, StatusDone, drive(t, f.o))

	require.NotEqual(t, -1, f.j.indexOf("complete:A"))
	assert.Less(t, f.j.indexOf("complete:A"), f.j.indexOf("export:B"))
	assert.Less(t, f.j.indexOf("complete:B"), f.j.indexOf("export:C"))
	assert.Less(t, f.j.indexOf("export:A"), f.j.indexOf("upload:A"))

	results := f.o.Results()
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, OutcomePassed, r.Outcome, r.Path)
	}
	assert.Equal(t, 3, f.host.saved)

	rec, ok := f.store.FindByPath("/project/B.unity")
	require.True(t, ok)
	assert.Equal(t, "id-B", rec.SceneID)
	assert.Equal(t, 1, rec.VersionNumber)
	assert.False(t, rec.LastUploaded.IsZero())

	done := f.rec.OfKind(events.KindRunComplete)
	require.Len(t, done, 1)
	assert.Equal(t, 3, done[0].Delivered)
}

func TestUnselectedSceneIsSkipped(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.o.Begin(context.Background(), scenes(map[string]bool{"B": false}, "A", "B", "C")))

	assert.Equal(t, StatusDone, drive(t, f.o))

	assert.Equal(t, 2, f.exporter.Calls())
	assert.Len(t, f.uploader.requests, 2)
	assert.Equal(t, -1, f.j.indexOf("open:/project/B.unity"))

	results := f.o.Results()
	require.Len(t, results, 3)
	assert.Equal(t, OutcomeUnselected, results[1].Outcome)

	for _, e := range f.rec.OfKind(events.KindStateChanged) {
		assert.NotEqual(t, "/project/B.unity", e.Scene, "unselected scene entered state %s", e.State)
	}
	skipped := f.rec.OfKind(events.KindSceneSkipped)
	require.Len(t, skipped, 1)
	assert.Equal(t, "/project/B.unity", skipped[0].Scene)
}

func TestExportIsDeferred(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.o.Begin(context.Background(), scenes(nil, "A")))

	f.o.Step() // Init: opens the scene, straight to Export
	assert.Equal(t, Snapshot{SceneIndex: 0, State: StateExport}, f.o.Snapshot())
	assert.True(t, f.host.managers["/project/A.unity"])

	f.o.Step() // Export: schedules the work, moves to the guard state
	assert.Equal(t, StateWaitingForExportDelay, f.o.Snapshot().State)
	assert.Equal(t, 0, f.exporter.Calls())
	assert.Equal(t, 1, f.sched.Pending())

	assert.Equal(t, StatusDone, drive(t, f.o))
	assert.Equal(t, 1, f.exporter.Calls())
}

func TestActiveSceneSettlesBeforeExport(t *testing.T) {
	f := newFixture(t)
	f.host.active = "/project/A.unity"
	require.NoError(t, f.o.Begin(context.Background(), scenes(nil, "A", "B")))

	f.o.Step()
	assert.Equal(t, StateSceneSetup, f.o.Snapshot().State)
	assert.Equal(t, -1, f.j.indexOf("open:/project/A.unity"))

	assert.Equal(t, StatusDone, drive(t, f.o))

	var setupScenes []string
	for _, e := range f.rec.OfKind(events.KindStateChanged) {
		if e.State == StateSceneSetup.String() {
			setupScenes = append(setupScenes, e.Scene)
		}
	}
	assert.Equal(t, []string{"/project/A.unity"}, setupScenes)
}

func TestExportFailureHaltsThenSkip(t *testing.T) {
	f := newFixture(t)
	f.exporter.failures["/project/B.unity"] = 1
	require.NoError(t, f.o.Begin(context.Background(), scenes(nil, "A", "B", "C")))

	require.Equal(t, StatusHalted, drive(t, f.o))

	var exportErr *ExportError
	require.ErrorAs(t, f.o.Err(), &exportErr)
	assert.Equal(t, "/project/B.unity", exportErr.Scene)
	assert.Equal(t, 1, f.o.Snapshot().SceneIndex, "cursor does not advance on halt")
	assert.Equal(t, StatusHalted, f.o.Step())
	assert.Len(t, f.rec.OfKind(events.KindSceneHalted), 1)

	require.NoError(t, f.o.Skip())
	assert.Equal(t, StatusDone, drive(t, f.o))

	results := f.o.Results()
	require.Len(t, results, 3)
	assert.Equal(t, OutcomePassed, results[0].Outcome)
	assert.Equal(t, OutcomeSkipped, results[1].Outcome)
	assert.Error(t, results[1].Err)
	assert.Equal(t, OutcomePassed, results[2].Outcome)
	assert.Equal(t, -1, f.j.indexOf("upload:B"))
}

func TestExportFailureRetry(t *testing.T) {
	f := newFixture(t)
	f.exporter.failures["/project/A.unity"] = 1
	require.NoError(t, f.o.Begin(context.Background(), scenes(nil, "A")))
	require.Equal(t, StatusHalted, drive(t, f.o))

	require.NoError(t, f.o.Retry())
	assert.Nil(t, f.o.Err())
	assert.Equal(t, StateInit, f.o.Snapshot().State)
	assert.Equal(t, StatusDone, drive(t, f.o))
	assert.Equal(t, 2, f.exporter.Calls())
	assert.Equal(t, OutcomePassed, f.o.Results()[0].Outcome)
}

func TestRetryAndSkipRequireHalt(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.o.Retry(), ErrNotHalted)
	assert.ErrorIs(t, f.o.Skip(), ErrNotHalted)
	assert.ErrorIs(t, f.o.Abort(), ErrNotRunning)
}

func TestUploadFailureStillCompletes(t *testing.T) {
	f := newFixture(t)
	f.uploader.fail["/project/A.unity"] = errors.New("status 500")
	require.NoError(t, f.o.Begin(context.Background(), scenes(nil, "A", "B")))

	assert.Equal(t, StatusDone, drive(t, f.o))

	results := f.o.Results()
	assert.Equal(t, OutcomeFailed, results[0].Outcome)
	assert.Equal(t, OutcomePassed, results[1].Outcome)
	require.Len(t, f.rec.OfKind(events.KindSceneFailed), 1)
	assert.NotEqual(t, -1, f.j.indexOf("complete:A"))

	rec, _ := f.store.FindByPath("/project/A.unity")
	assert.Empty(t, rec.SceneID)
}

func TestUploadRequestCarriesExportAndIdentity(t *testing.T) {
	f := newFixture(t)
	f.store.Add(scene.Entry{Path: "/project/A.unity"}).SceneID = "known-id"
	require.NoError(t, f.o.Begin(context.Background(), scenes(nil, "A")))

	assert.Equal(t, StatusDone, drive(t, f.o))

	require.Len(t, f.uploader.requests, 1)
	req := f.uploader.requests[0]
	assert.Equal(t, "known-id", req.SceneID)
	assert.True(t, strings.HasPrefix(filepath.Base(req.ExportDir), "A-"), req.ExportDir)
	require.NotNil(t, req.Manifest)
	assert.Equal(t, 1, req.Manifest.Len())
}

func TestBeginWhileRunning(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.o.Begin(context.Background(), scenes(nil, "A")))
	assert.ErrorIs(t, f.o.Begin(context.Background(), scenes(nil, "B")), ErrBusy)

	drive(t, f.o)
	assert.NoError(t, f.o.Begin(context.Background(), scenes(nil, "B")), "a finished orchestrator can run again")
}

func TestAbortIgnoresLateCallbacks(t *testing.T) {
	f := newFixture(t)
	f.uploader.hold = true
	require.NoError(t, f.o.Begin(context.Background(), scenes(nil, "A", "B")))

	deadline := time.Now().Add(5 * time.Second)
	for f.o.Snapshot().State != StateUploading {
		require.True(t, time.Now().Before(deadline))
		f.o.Step()
		time.Sleep(50 * time.Microsecond)
	}

	require.NoError(t, f.o.Abort())
	assert.Equal(t, 1, f.uploader.aborted)
	assert.Equal(t, StatusDone, f.o.Status())

	f.uploader.held(upload.Result{Version: upload.Version{SceneID: "late"}})
	assert.Equal(t, StatusDone, f.o.Step())

	results := f.o.Results()
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeAborted, results[0].Outcome)
	assert.Equal(t, -1, f.j.indexOf("export:B"))
}

func TestInvalidStateRestartsScene(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.o.Resume(context.Background(), scenes(nil, "A"), Snapshot{State: State(42)}))

	assert.Equal(t, StatusRunning, f.o.Step())
	assert.Equal(t, StateInit, f.o.Snapshot().State)
	assert.Equal(t, StatusDone, drive(t, f.o))
	assert.Equal(t, OutcomePassed, f.o.Results()[0].Outcome)
}

func TestResumeFromSnapshot(t *testing.T) {
	f := newFixture(t)
	f.host.active = "/project/B.unity"
	require.NoError(t, f.o.Resume(context.Background(), scenes(nil, "A", "B"),
		Snapshot{SceneIndex: 1, State: StateGameObjectSetup}))

	f.o.Step()
	assert.Equal(t, Snapshot{SceneIndex: 1, State: StateExport}, f.o.Snapshot())
	assert.Equal(t, StatusDone, drive(t, f.o))

	assert.Equal(t, -1, f.j.indexOf("export:A"))
	results := f.o.Results()
	require.Len(t, results, 1)
	assert.Equal(t, "/project/B.unity", results[0].Path)
}

func TestResumeRestartsWaitingStagesAtExport(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.o.Resume(context.Background(), scenes(nil, "A"), Snapshot{State: StateUploading}))
	assert.Equal(t, StateExport, f.o.Snapshot().State)
}

func TestEmptyListCompletes(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.o.Begin(context.Background(), nil))
	assert.Equal(t, StatusDone, f.o.Step())
	assert.Empty(t, f.o.Results())
}

func TestAttach_AppliesHaltPolicy(t *testing.T) {
	f := newFixture(t)
	f.exporter.failures["/project/A.unity"] = 5
	var halts int
	f.o.opts.OnHalt = func(h Halt) Decision {
		halts++
		assert.Error(t, h.Err)
		assert.Equal(t, "/project/A.unity", h.Scene)
		assert.Equal(t, halts-1, h.Retries)
		if halts < 2 {
			return DecisionRetry
		}
		return DecisionAbort
	}
	require.NoError(t, f.o.Begin(context.Background(), scenes(nil, "A", "B")))

	src := tick.NewManual()
	var got []SceneResult
	calls := 0
	f.o.Attach(src, func(r []SceneResult) {
		calls++
		got = r
	})

	deadline := time.Now().Add(5 * time.Second)
	for src.Tick() {
		require.True(t, time.Now().Before(deadline))
		time.Sleep(50 * time.Microsecond)
	}

	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, halts)
	require.Len(t, got, 1)
	assert.Equal(t, OutcomeAborted, got[0].Outcome)
	assert.Equal(t, 2, f.exporter.Calls())
}

func TestAttach_RetryCountIsPerScene(t *testing.T) {
	f := newFixture(t)
	f.exporter.failures["/project/A.unity"] = 1
	f.exporter.failures["/project/B.unity"] = 1
	var halts []Halt
	f.o.opts.OnHalt = func(h Halt) Decision {
		halts = append(halts, h)
		if h.Retries == 0 {
			return DecisionRetry
		}
		return DecisionSkip
	}
	require.NoError(t, f.o.Begin(context.Background(), scenes(nil, "A", "B")))
	assert.Equal(t, Halt{}, f.o.Halted())

	src := tick.NewManual()
	var got []SceneResult
	f.o.Attach(src, func(r []SceneResult) { got = r })

	deadline := time.Now().Add(5 * time.Second)
	for src.Tick() {
		require.True(t, time.Now().Before(deadline))
		time.Sleep(50 * time.Microsecond)
	}

	require.Len(t, halts, 2)
	assert.Equal(t, "/project/A.unity", halts[0].Scene)
	assert.Equal(t, "/project/B.unity", halts[1].Scene)
	assert.Equal(t, 1, halts[1].Index)
	assert.Zero(t, halts[1].Retries, "a retry of A does not count against B")

	require.Len(t, got, 2)
	assert.Equal(t, OutcomePassed, got[0].Outcome)
	assert.Equal(t, OutcomePassed, got[1].Outcome)
	assert.Equal(t, 4, f.exporter.Calls())
}

func TestScenesWithSameNameExportToDistinctDirs(t *testing.T) {
	f := newFixture(t)
	entries := []scene.Entry{
		{Path: "/project/a/Main.unity", Selected: true},
		{Path: "/project/b/Main.unity", Selected: true},
	}
	require.NoError(t, f.o.Begin(context.Background(), entries))
	assert.Equal(t, StatusDone, drive(t, f.o))

	require.Len(t, f.uploader.requests, 2)
	first, second := f.uploader.requests[0].ExportDir, f.uploader.requests[1].ExportDir
	assert.NotEqual(t, first, second)
	assert.True(t, strings.HasPrefix(filepath.Base(first), "Main-"), first)
	assert.Equal(t, first, filepath.Join(f.o.opts.ExportDir, exportDirName(entries[0])), "directory is stable per path")
}

func TestUploadRequestFollowsMeshAndManifestOptions(t *testing.T) {
	tests := []struct {
		name             string
		meshes, manifest bool
		wantManifest     bool
	}{
		{"meshes without manifest push", true, false, true},
		{"manifest without meshes", false, true, true},
		{"neither", false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.o.opts.Meshes = tt.meshes
			f.o.opts.Manifest = tt.manifest
			require.NoError(t, f.o.Begin(context.Background(), scenes(nil, "A")))
			assert.Equal(t, StatusDone, drive(t, f.o))

			require.Len(t, f.uploader.requests, 1)
			req := f.uploader.requests[0]
			assert.Equal(t, tt.meshes, req.Meshes)
			assert.Equal(t, tt.manifest, req.PushManifest)
			assert.Equal(t, tt.wantManifest, req.Manifest.Len() > 0)
		})
	}
}
