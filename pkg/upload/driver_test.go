package upload

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/telemetry-uploader/pkg/manifest"
	"github.com/zoff-tech/telemetry-uploader/pkg/tick"
)

type MockSceneAPI struct {
	mock.Mock
}

func (m *MockSceneAPI) SceneVersion(ctx context.Context, sceneID string) (Version, error) {
	args := m.Called(ctx, sceneID)
	return args.Get(0).(Version), args.Error(1)
}

func (m *MockSceneAPI) UploadScene(ctx context.Context, sceneID string, files SceneFiles) (Version, error) {
	args := m.Called(ctx, sceneID, files)
	return args.Get(0).(Version), args.Error(1)
}

func (m *MockSceneAPI) UploadMeshes(ctx context.Context, v Version, meshDir string, meshIDs []string) error {
	return m.Called(ctx, v, meshDir, meshIDs).Error(0)
}

func (m *MockSceneAPI) UploadManifest(ctx context.Context, v Version, mf *manifest.Manifest) error {
	return m.Called(ctx, v, mf).Error(0)
}

type stubThumbnailer struct{ path string }

func (s stubThumbnailer) Capture(context.Context, string, string) (string, error) {
	return s.path, nil
}

func sampleManifest() *manifest.Manifest {
	m := manifest.New()
	m.AddOrReplaceDynamic(
		manifest.Entry{ObjectID: "1", Name: "Cup", MeshID: "cup"},
		manifest.Entry{ObjectID: "2", Name: "Mug", MeshID: "cup"},
	)
	return m
}

// runUntil executes deferred continuations until cond holds.
func runUntil(t *testing.T, sched *tick.Scheduler, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "condition not reached")
		if !sched.RunNext() {
			time.Sleep(100 * time.Microsecond)
		}
	}
}

func TestDriver_NewSceneRunsAllStepsInOrder(t *testing.T) {
	api := new(MockSceneAPI)
	v := Version{SceneID: "scene-1", VersionNumber: 1, VersionID: 10}
	m := sampleManifest()

	api.On("UploadScene", mock.Anything, "", SceneFiles{Dir: "/export/Lobby", Thumbnail: "/export/Lobby/screenshot.png"}).Return(v, nil).Once()
	api.On("UploadMeshes", mock.Anything, v, "/export/Lobby/Dynamic", []string{"cup"}).Return(nil).Once()
	api.On("UploadManifest", mock.Anything, v, m).Return(nil).Once()

	sched := tick.NewScheduler()
	d := NewDriver(api, stubThumbnailer{path: "/export/Lobby/screenshot.png"}, sched, zerolog.Nop())

	var got *Result
	err := d.Start(context.Background(), Request{
		ScenePath:    "Lobby.unity",
		ExportDir:    "/export/Lobby",
		Manifest:     m,
		Thumbnail:    true,
		Meshes:       true,
		PushManifest: true,
	}, func(r Result) { got = &r })
	require.NoError(t, err)
	assert.True(t, d.Busy())

	runUntil(t, sched, func() bool { return got != nil })

	assert.NoError(t, got.Err)
	assert.Equal(t, "scene-1", got.SceneID)
	assert.Equal(t, v, got.Version)
	assert.Equal(t, []Step{StepThumbnail, StepGeometry, StepMeshes, StepManifest}, got.Steps)
	assert.False(t, d.Busy())
	api.AssertExpectations(t)
	api.AssertNotCalled(t, "SceneVersion", mock.Anything, mock.Anything)
}

func TestDriver_ExistingSceneRefreshesFirst(t *testing.T) {
	api := new(MockSceneAPI)
	v := Version{SceneID: "scene-1", VersionNumber: 4}

	api.On("SceneVersion", mock.Anything, "scene-1").Return(Version{SceneID: "scene-1", VersionNumber: 3}, nil).Once()
	api.On("UploadScene", mock.Anything, "scene-1", SceneFiles{Dir: "/export"}).Return(v, nil).Once()

	sched := tick.NewScheduler()
	d := NewDriver(api, nil, sched, zerolog.Nop())

	var confirmedNew *bool
	var got *Result
	require.NoError(t, d.Start(context.Background(), Request{
		ScenePath: "Lobby.unity",
		SceneID:   "scene-1",
		ExportDir: "/export",
		Thumbnail: true,
		Confirm: func(_ Request, newScene bool) bool {
			confirmedNew = &newScene
			return true
		},
	}, func(r Result) { got = &r }))

	runUntil(t, sched, func() bool { return got != nil })

	require.NoError(t, got.Err)
	assert.Equal(t, []Step{StepRefresh, StepGeometry}, got.Steps, "no thumbnailer, empty manifest")
	assert.Equal(t, 4, got.Version.VersionNumber)
	require.NotNil(t, confirmedNew)
	assert.False(t, *confirmedNew)
	api.AssertExpectations(t)
}

func TestDriver_NextStepWaitsForCompletion(t *testing.T) {
	api := new(MockSceneAPI)
	v := Version{SceneID: "s", VersionNumber: 1}
	release := make(chan struct{})

	api.On("UploadScene", mock.Anything, "", mock.Anything).Run(func(mock.Arguments) { <-release }).Return(v, nil).Once()
	api.On("UploadManifest", mock.Anything, v, mock.Anything).Return(nil).Once()

	sched := tick.NewScheduler()
	d := NewDriver(api, nil, sched, zerolog.Nop())

	var got *Result
	require.NoError(t, d.Start(context.Background(), Request{ExportDir: "/x", Manifest: sampleManifest(), PushManifest: true}, func(r Result) { got = &r }))

	for i := 0; i < 50; i++ {
		sched.RunNext()
		time.Sleep(100 * time.Microsecond)
	}
	assert.Nil(t, got)
	api.AssertNotCalled(t, "UploadManifest", mock.Anything, mock.Anything, mock.Anything)

	close(release)
	runUntil(t, sched, func() bool { return got != nil })
	assert.NoError(t, got.Err)
	api.AssertExpectations(t)
}

func TestDriver_Declined(t *testing.T) {
	api := new(MockSceneAPI)
	sched := tick.NewScheduler()
	d := NewDriver(api, nil, sched, zerolog.Nop())

	var got *Result
	require.NoError(t, d.Start(context.Background(), Request{
		ExportDir: "/x",
		Confirm:   func(Request, bool) bool { return false },
	}, func(r Result) { got = &r }))

	require.NotNil(t, got, "declined before any asynchronous work")
	assert.ErrorIs(t, got.Err, ErrDeclined)
	assert.Empty(t, got.Steps)
	api.AssertNotCalled(t, "UploadScene", mock.Anything, mock.Anything, mock.Anything)
}

func TestDriver_StepFailureEndsRun(t *testing.T) {
	api := new(MockSceneAPI)
	boom := errors.New("boom")
	api.On("UploadScene", mock.Anything, "", mock.Anything).Return(Version{}, boom).Once()

	sched := tick.NewScheduler()
	d := NewDriver(api, nil, sched, zerolog.Nop())

	var got *Result
	require.NoError(t, d.Start(context.Background(), Request{ExportDir: "/x", Manifest: sampleManifest(), PushManifest: true}, func(r Result) { got = &r }))
	runUntil(t, sched, func() bool { return got != nil })

	assert.ErrorIs(t, got.Err, boom)
	assert.Contains(t, got.Err.Error(), "geometry")
	api.AssertNotCalled(t, "UploadManifest", mock.Anything, mock.Anything, mock.Anything)
}

func TestDriver_Busy(t *testing.T) {
	api := new(MockSceneAPI)
	release := make(chan struct{})
	api.On("UploadScene", mock.Anything, "", mock.Anything).Run(func(mock.Arguments) { <-release }).Return(Version{SceneID: "s"}, nil)

	sched := tick.NewScheduler()
	d := NewDriver(api, nil, sched, zerolog.Nop())

	var got *Result
	require.NoError(t, d.Start(context.Background(), Request{ExportDir: "/x"}, func(r Result) { got = &r }))
	assert.ErrorIs(t, d.Start(context.Background(), Request{ExportDir: "/y"}, nil), ErrBusy)

	close(release)
	runUntil(t, sched, func() bool { return got != nil })
	assert.NoError(t, got.Err)
}

func TestDriver_AbortDiscardsLateCompletion(t *testing.T) {
	api := new(MockSceneAPI)
	release := make(chan struct{})
	api.On("UploadScene", mock.Anything, "", mock.Anything).Run(func(mock.Arguments) { <-release }).Return(Version{SceneID: "s"}, nil)

	sched := tick.NewScheduler()
	d := NewDriver(api, nil, sched, zerolog.Nop())

	var results []Result
	require.NoError(t, d.Start(context.Background(), Request{ExportDir: "/x", Manifest: sampleManifest(), PushManifest: true}, func(r Result) { results = append(results, r) }))

	d.Abort()
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, ErrAborted)
	assert.False(t, d.Busy())

	close(release)
	require.Eventually(t, func() bool { return sched.Pending() > 0 }, 5*time.Second, time.Millisecond)
	for sched.RunNext() {
	}

	assert.Len(t, results, 1)
	api.AssertNotCalled(t, "UploadManifest", mock.Anything, mock.Anything, mock.Anything)
}

func TestDriver_MeshesAndManifestSwitchIndependently(t *testing.T) {
	v := Version{SceneID: "s", VersionNumber: 1}
	tests := []struct {
		name         string
		meshes       bool
		pushManifest bool
		want         []Step
	}{
		{"meshes only", true, false, []Step{StepGeometry, StepMeshes}},
		{"manifest only", false, true, []Step{StepGeometry, StepManifest}},
		{"both", true, true, []Step{StepGeometry, StepMeshes, StepManifest}},
		{"neither", false, false, []Step{StepGeometry}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := new(MockSceneAPI)
			api.On("UploadScene", mock.Anything, "", mock.Anything).Return(v, nil).Once()
			if tt.meshes {
				api.On("UploadMeshes", mock.Anything, v, "/x/Dynamic", []string{"cup"}).Return(nil).Once()
			}
			if tt.pushManifest {
				api.On("UploadManifest", mock.Anything, v, mock.Anything).Return(nil).Once()
			}

			sched := tick.NewScheduler()
			d := NewDriver(api, nil, sched, zerolog.Nop())
			var got *Result
			require.NoError(t, d.Start(context.Background(), Request{
				ExportDir:    "/x",
				Manifest:     sampleManifest(),
				Meshes:       tt.meshes,
				PushManifest: tt.pushManifest,
			}, func(r Result) { got = &r }))

			runUntil(t, sched, func() bool { return got != nil })
			require.NoError(t, got.Err)
			assert.Equal(t, tt.want, got.Steps)
			api.AssertExpectations(t)
			if !tt.meshes {
				api.AssertNotCalled(t, "UploadMeshes", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			}
			if !tt.pushManifest {
				api.AssertNotCalled(t, "UploadManifest", mock.Anything, mock.Anything, mock.Anything)
			}
		})
	}
}
