package container

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/openmower/openmower-backend/internal/docker"
)

func TestStartPullsCreatesAndRuns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t)
	env.rt.SetFile(versionInfoPath, []byte("OM_SOFTWARE_VERSION=1.2.3\nOM_BRANCH=main\n"))
	m, _ := env.app(t, "app:v1")
	m.Discover(ctx)

	if got := m.State().ExecutionState; got != StateNoContainer {
		t.Fatalf("initial state = %q", got)
	}

	if !m.Start(ctx) {
		t.Fatal("start failed")
	}

	st := m.State()
	if st.ExecutionState != StateRunning {
		t.Errorf("state = %q, want running", st.ExecutionState)
	}
	if st.RunningImage != "app" || st.RunningImageTag != "v1" {
		t.Errorf("running image = %q:%q", st.RunningImage, st.RunningImageTag)
	}
	if st.ConfiguredImage != "app" || st.ConfiguredImageTag != "v1" {
		t.Errorf("configured image = %q:%q", st.ConfiguredImage, st.ConfiguredImageTag)
	}
	if st.StartedAt == "" {
		t.Error("startedAt should be set while running")
	}
	if st.AppProperties[PropVersion] != "1.2.3" {
		t.Errorf("version = %q", st.AppProperties[PropVersion])
	}

	for op, want := range map[string]int{
		docker.OpImagePull:       1,
		docker.OpContainerCreate: 1,
		docker.OpContainerStart:  1,
	} {
		if got := env.rt.Calls(op); got != want {
			t.Errorf("%s calls = %d, want %d", op, got, want)
		}
	}

	list, _ := env.rt.ContainerList(ctx, AppName)
	if len(list) != 1 {
		t.Fatalf("containers = %+v", list)
	}
	spec, _ := env.rt.Spec(list[0].ID)
	if spec.Image != "app:v1" {
		t.Errorf("created from %q", spec.Image)
	}
	if !slices.Contains(spec.Env, "OM_MOWER=YardForce500") || !slices.Contains(spec.Env, "OM_AUTOMATIC_MODE=0") {
		t.Errorf("env = %v", spec.Env)
	}
	if len(spec.Mounts) != 1 || spec.Mounts[0].Target != mowerConfigTarget {
		t.Errorf("mounts = %+v", spec.Mounts)
	}
	if spec.Labels[ManagedByLabel] != "true" {
		t.Errorf("labels = %v", spec.Labels)
	}
	if !strings.Contains(st.AppProperties[PropEnvironment], "OM_GPS_PORT=/dev/gps") {
		t.Errorf("environment property = %q", st.AppProperties[PropEnvironment])
	}
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t)
	env.rt.AddImage("app:v1")
	m, _ := env.app(t, "app:v1")
	m.Discover(ctx)

	if !m.Start(ctx) {
		t.Fatal("first start failed")
	}
	creates, starts := env.rt.Calls(docker.OpContainerCreate), env.rt.Calls(docker.OpContainerStart)

	if !m.Start(ctx) {
		t.Fatal("second start failed")
	}
	if got := env.rt.Calls(docker.OpContainerCreate); got != creates {
		t.Errorf("create calls = %d, want %d", got, creates)
	}
	if got := env.rt.Calls(docker.OpContainerStart); got != starts {
		t.Errorf("start calls = %d, want %d", got, starts)
	}
	if env.rt.Calls(docker.OpImagePull) != 0 {
		t.Error("local image should not be pulled")
	}
}

func TestStartRecreatesStoppedContainer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t)
	env.rt.AddImage("app:v1")
	old := env.rt.AddContainer(AppName, "app:v1", "exited")
	m, _ := env.app(t, "app:v1")
	m.Discover(ctx)

	if got := m.State().ExecutionState; got != StateExited {
		t.Fatalf("discovered state = %q", got)
	}
	if !m.Start(ctx) {
		t.Fatal("start failed")
	}
	if _, ok := env.rt.Spec(old); ok {
		t.Error("old container should have been removed")
	}
	if env.rt.Calls(docker.OpContainerStop) != 0 {
		t.Error("non-running container should not be stopped")
	}
	if got := m.State().ExecutionState; got != StateRunning {
		t.Errorf("state = %q", got)
	}
}

func TestStopRemovesContainer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t)
	env.rt.AddImage("app:v1")
	env.rt.SetFile(versionInfoPath, []byte("OM_SOFTWARE_VERSION=2.0\n"))
	m, _ := env.app(t, "app:v1")
	m.Discover(ctx)
	m.Start(ctx)

	m.Stop(ctx)
	st := m.Refresh(ctx)
	if st.ExecutionState != StateNoContainer {
		t.Errorf("state after stop = %q", st.ExecutionState)
	}
	if st.RunningImage != imageNone || st.RunningImageTag != imageNone {
		t.Errorf("running image = %q:%q", st.RunningImage, st.RunningImageTag)
	}
	if len(st.AppProperties) != 0 {
		t.Errorf("properties should be cleared: %v", st.AppProperties)
	}
	for op, want := range map[string]int{
		docker.OpContainerStop:   1,
		docker.OpContainerWait:   1,
		docker.OpContainerRemove: 1,
	} {
		if got := env.rt.Calls(op); got != want {
			t.Errorf("%s calls = %d, want %d", op, got, want)
		}
	}
	if list, _ := env.rt.ContainerList(ctx, AppName); len(list) != 0 {
		t.Errorf("containers left: %+v", list)
	}

	// Stopping without a container is a no-op.
	inspects := env.rt.Calls(docker.OpContainerInspect)
	m.Stop(ctx)
	if got := env.rt.Calls(docker.OpContainerInspect); got != inspects {
		t.Error("stop without container should not touch the engine")
	}
	if got := m.Refresh(ctx).ExecutionState; got != StateNoContainer {
		t.Errorf("state = %q", got)
	}
}

func TestStopRemoveFailureKeepsIdentity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t)
	id := env.rt.AddContainer(AppName, "app:v1", "exited")
	m, _ := env.app(t, "app:v1")
	m.Discover(ctx)

	env.rt.FailNext(docker.OpContainerRemove, errors.New("device busy"))
	m.Stop(ctx)

	st := m.State()
	if st.ExecutionState != StateExited {
		t.Errorf("state = %q, want remaining container reported", st.ExecutionState)
	}
	if _, ok := env.rt.Spec(id); !ok {
		t.Error("container should still exist")
	}
	m.Stop(ctx)
	if got := m.State().ExecutionState; got != StateNoContainer {
		t.Errorf("second stop state = %q", got)
	}
}

func TestLifecycleNeverLeavesTransientState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	boom := errors.New("boom")

	tests := []struct {
		name    string
		prepare func(env *testEnv)
		run     func(m *Manager) bool
		want    ExecutionState
		ok      bool
	}{
		{
			name: "start ok",
			run:  func(m *Manager) bool { return m.Start(ctx) },
			want: StateRunning, ok: true,
		},
		{
			name:    "pull fails",
			prepare: func(env *testEnv) { env.rt.FailNext(docker.OpImagePull, boom) },
			run:     func(m *Manager) bool { return m.Start(ctx) },
			want:    StateError,
		},
		{
			name:    "image list fails",
			prepare: func(env *testEnv) { env.rt.FailNext(docker.OpImageList, boom) },
			run:     func(m *Manager) bool { return m.Start(ctx) },
			want:    StateError,
		},
		{
			name:    "create fails",
			prepare: func(env *testEnv) { env.rt.FailNext(docker.OpContainerCreate, boom) },
			run:     func(m *Manager) bool { return m.Start(ctx) },
			want:    StateError,
		},
		{
			name:    "start fails",
			prepare: func(env *testEnv) { env.rt.FailNext(docker.OpContainerStart, boom) },
			run:     func(m *Manager) bool { return m.Start(ctx) },
			want:    StateError,
		},
		{
			name: "stop after start",
			run: func(m *Manager) bool {
				m.Start(ctx)
				m.Stop(ctx)
				return true
			},
			want: StateNoContainer, ok: true,
		},
		{
			name:    "stop with failing engine",
			prepare: func(env *testEnv) { env.rt.FailNext(docker.OpContainerStop, boom) },
			run: func(m *Manager) bool {
				m.Start(ctx)
				m.Stop(ctx)
				return true
			},
			want: StateNoContainer, ok: true,
		},
		{
			name: "pull ok",
			run:  func(m *Manager) bool { return m.PullImage(ctx) },
			want: StateExited, ok: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t)
			if tt.prepare != nil {
				tt.prepare(env)
			}
			m, _ := env.app(t, "app:v1")
			m.Discover(ctx)

			if got := tt.run(m); got != tt.ok {
				t.Errorf("result = %v, want %v", got, tt.ok)
			}
			assertSettled(t, m)
			if got := m.State().ExecutionState; got != tt.want {
				t.Errorf("state = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCreateFailureLeavesNoIdentity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t)
	env.rt.AddImage("app:v1")
	env.rt.FailNext(docker.OpContainerCreate, errors.New("no space left"))
	m, _ := env.app(t, "app:v1")
	m.Discover(ctx)

	if m.Start(ctx) {
		t.Fatal("start should fail")
	}
	if m.currentID() != "" {
		t.Errorf("identity = %q, want empty", m.currentID())
	}
	if got := m.State().ExecutionState; got != StateError {
		t.Errorf("state = %q", got)
	}
	// The next refresh reports the missing container.
	if got := m.Refresh(ctx).ExecutionState; got != StateNoContainer {
		t.Errorf("refreshed state = %q", got)
	}
}

func TestStatePublishesTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t)
	m, _ := env.app(t, "app:v1")
	m.Discover(ctx)

	ch, cancel := m.Subscribe()
	defer cancel()
	if got := recv(t, ch).ExecutionState; got != StateNoContainer {
		t.Fatalf("replayed state = %q", got)
	}

	m.Start(ctx)

	var seen []ExecutionState
	for len(seen) == 0 || seen[len(seen)-1] != StateRunning {
		seen = append(seen, recv(t, ch).ExecutionState)
	}
	for _, want := range []ExecutionState{StatePulling, StateExited, StateCreated, StateStarting, StateRunning} {
		if !slices.Contains(seen, want) {
			t.Errorf("transitions %v missing %q", seen, want)
		}
	}
	if i, j := slices.Index(seen, StatePulling), slices.Index(seen, StateStarting); i > j {
		t.Errorf("pulling after starting: %v", seen)
	}
}

func TestStateObservedMidOperation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t)
	m, _ := env.app(t, "app:v1")
	m.Discover(ctx)

	var duringPull, duringStart ExecutionState
	env.rt.OnCall(docker.OpImagePull, func() { duringPull = m.State().ExecutionState })
	env.rt.OnCall(docker.OpContainerStart, func() { duringStart = m.State().ExecutionState })

	m.Start(ctx)
	if duringPull != StatePulling {
		t.Errorf("state during pull = %q", duringPull)
	}
	if duringStart != StateStarting {
		t.Errorf("state during start = %q", duringStart)
	}

	var duringStop ExecutionState
	env.rt.OnCall(docker.OpContainerStop, func() { duringStop = m.State().ExecutionState })
	m.Stop(ctx)
	if duringStop != StateStopping {
		t.Errorf("state during stop = %q", duringStop)
	}
}

func TestDiscoverExistingContainer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t)
	env.rt.AddContainer(AppName+"-other", "other:v9", "running")
	env.rt.AddContainer(AppName, "ghcr.io/x/app:v2", "running")
	m, _ := env.app(t, "app:v1")
	m.Discover(ctx)

	st := m.State()
	if st.ExecutionState != StateRunning || st.StartedAt == "" {
		t.Errorf("state = %+v", st)
	}
	if st.RunningImage != "ghcr.io/x/app" || st.RunningImageTag != "v2" {
		t.Errorf("running image = %q:%q", st.RunningImage, st.RunningImageTag)
	}
	// Without a version file the version reads as an error.
	if got := m.CustomProperty(PropVersion); got != "error" {
		t.Errorf("version = %q", got)
	}
}

func TestRefreshDegradesGracefully(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("unparsable image", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		env.rt.AddContainer(AppName, "registry.local:5000/app:v1", "exited")
		m, _ := env.app(t, "app:v1")
		m.Discover(ctx)

		st := m.State()
		if st.RunningImage != imageUnknown || st.RunningImageTag != imageUnknown {
			t.Errorf("running image = %q:%q", st.RunningImage, st.RunningImageTag)
		}
		if st.StartedAt != "" {
			t.Errorf("startedAt = %q for a stopped container", st.StartedAt)
		}
	})

	t.Run("inspect error", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		env.rt.AddContainer(AppName, "app:v1", "running")
		m, _ := env.app(t, "app:v1")
		m.Discover(ctx)

		env.rt.FailNext(docker.OpContainerInspect, errors.New("socket closed"))
		st := m.Refresh(ctx)
		if st.ExecutionState != StateError {
			t.Errorf("state = %q", st.ExecutionState)
		}
		if st.RunningImage != imageNone {
			t.Errorf("running image = %q", st.RunningImage)
		}
		if got := m.Refresh(ctx).ExecutionState; got != StateRunning {
			t.Errorf("recovered state = %q", got)
		}
	})

	t.Run("unknown engine status", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		id := env.rt.AddContainer(AppName, "app:v1", "running")
		m, _ := env.app(t, "app:v1")
		m.Discover(ctx)

		env.rt.SetStatus(id, "removing")
		if got := m.Refresh(ctx).ExecutionState; got != StateError {
			t.Errorf("state = %q", got)
		}
	})

	t.Run("list error", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		env.rt.FailNext(docker.OpContainerList, errors.New("permission denied"))
		m, _ := env.app(t, "app:v1")
		m.Discover(ctx)
		if got := m.State().ExecutionState; got != StateNoContainer {
			t.Errorf("state = %q", got)
		}
	})
}

func TestPullImageReplacesContainer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t)
	env.rt.AddImage("app:v1")
	m, _ := env.app(t, "app:v1")
	m.Discover(ctx)
	m.Start(ctx)
	env.store.Namespace(AppName).Set(KeyUpdateAvailable, true)

	if !m.PullImage(ctx) {
		t.Fatal("pull failed")
	}
	if m.UpdateAvailable() {
		t.Error("update-available should be cleared by a pull")
	}
	if got := env.rt.Calls(docker.OpContainerRemove); got != 1 {
		t.Errorf("remove calls = %d, want 1", got)
	}
	if got := m.State().ExecutionState; got != StateExited {
		t.Errorf("state = %q", got)
	}
	if m.currentID() != "" {
		t.Error("identity should be cleared")
	}
}

func TestPullImageFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t)
	env.rt.FailNext(docker.OpImagePull, errors.New("manifest unknown"))
	m, _ := env.app(t, "app:v1")
	m.Discover(ctx)

	if m.PullImage(ctx) {
		t.Fatal("pull should fail")
	}
	if got := m.State().ExecutionState; got != StateError {
		t.Errorf("state = %q", got)
	}
}

func TestMetaPullStopsOnlyOnSuccess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, tt := range []struct {
		name    string
		fail    bool
		removes int
	}{
		{"success", false, 1},
		{"failure", true, 0},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t)
			env.rt.AddContainer(MetaName, "meta:v1", "running")
			m := env.meta(t, "meta:v1")
			m.Discover(ctx)
			if tt.fail {
				env.rt.FailNext(docker.OpImagePull, errors.New("timeout"))
			}

			if got := m.PullImage(ctx); got == tt.fail {
				t.Errorf("pull = %v", got)
			}
			if got := env.rt.Calls(docker.OpContainerRemove); got != tt.removes {
				t.Errorf("remove calls = %d, want %d", got, tt.removes)
			}
			stops := 0
			if !tt.fail {
				stops = 1
			}
			if got := env.rt.Calls(docker.OpContainerStop); got != stops {
				t.Errorf("stop calls = %d, want %d", got, stops)
			}
		})
	}
}

func TestMetaStartStopAreNoops(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t)
	env.rt.AddContainer(MetaName, "meta:v1", "running")
	m := env.meta(t, "meta:v1")
	m.Discover(ctx)
	before := env.rt.Calls(docker.OpContainerInspect)

	if !m.Start(ctx) {
		t.Error("start should report success")
	}
	m.Stop(ctx)

	if got := env.rt.Calls(docker.OpContainerInspect); got != before {
		t.Errorf("engine was queried: %d inspects", got-before)
	}
	for _, op := range []string{docker.OpContainerCreate, docker.OpContainerStart, docker.OpContainerStop, docker.OpContainerRemove} {
		if got := env.rt.Calls(op); got != 0 {
			t.Errorf("%s calls = %d", op, got)
		}
	}
	if got := m.CustomProperty("anything"); got != unknownProperty {
		t.Errorf("custom property = %q", got)
	}
	if props := m.State().AppProperties; len(props) != 0 {
		t.Errorf("app properties = %v", props)
	}
	if m.SettingsSchema() != "{}" {
		t.Errorf("schema = %q", m.SettingsSchema())
	}
}

func TestSaveSettingsRecreatesContainer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t)
	env.rt.AddImage("app:v1")
	m, _ := env.app(t, "app:v1")
	m.Discover(ctx)

	// Without a container the settings are only stored.
	if err := m.SaveSettings(ctx, json.RawMessage(`{"hardware":{"mower":"YardForceSA650"}}`)); err != nil {
		t.Fatal(err)
	}
	if env.rt.Calls(docker.OpContainerCreate) != 0 {
		t.Error("no container should be created")
	}
	if got := string(m.Settings()); got != `{"hardware":{"mower":"YardForceSA650"}}` {
		t.Errorf("settings = %s", got)
	}

	m.Start(ctx)
	if err := m.SaveSettings(ctx, json.RawMessage(`{"mowing":{"mode":"automatic"}}`)); err != nil {
		t.Fatal(err)
	}
	if got := env.rt.Calls(docker.OpContainerCreate); got != 2 {
		t.Errorf("create calls = %d, want 2", got)
	}
	if got := m.State().ExecutionState; got != StateRunning {
		t.Errorf("state = %q", got)
	}
	if env := m.CustomProperty(PropEnvironment); !strings.Contains(env, "OM_AUTOMATIC_MODE=2") {
		t.Errorf("environment = %q", env)
	}

	for _, bad := range []string{`[1,2]`, `null`, `"x"`, `{`} {
		if err := m.SaveSettings(ctx, json.RawMessage(bad)); !errors.Is(err, ErrInvalidSettings) {
			t.Errorf("SaveSettings(%s) err = %v", bad, err)
		}
	}
}

func TestSettingsDefaultToEmptyObject(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	m, _ := env.app(t, "app:v1")
	if got := string(m.Settings()); got != `{}` {
		t.Errorf("settings = %s", got)
	}
}

func TestConfiguredImage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t)
	m, _ := env.app(t, "ghcr.io/x/app:v1")
	m.Discover(ctx)

	if image, tag := m.ConfiguredImage(); image != "ghcr.io/x/app" || tag != "v1" {
		t.Errorf("default = %q:%q", image, tag)
	}
	if !m.SetConfiguredImage("ghcr.io/x/app", "edge") {
		t.Fatal("set failed")
	}
	st := m.State()
	if st.ConfiguredImageTag != "edge" {
		t.Errorf("published tag = %q", st.ConfiguredImageTag)
	}
	if st.ExecutionState != StateNoContainer {
		t.Errorf("state = %q", st.ExecutionState)
	}

	m.Start(ctx)
	if st := m.State(); st.RunningImageTag != "edge" {
		t.Errorf("running tag = %q", st.RunningImageTag)
	}
}

func TestUnknownStateBeforeDiscover(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	m, _ := env.app(t, "app")
	st := m.State()
	if st.ExecutionState != StateUnknown {
		t.Errorf("state = %q", st.ExecutionState)
	}
	if st.ConfiguredImageTag != "latest" {
		t.Errorf("tag = %q", st.ConfiguredImageTag)
	}
}

func TestConcurrentLifecycleCalls(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t)
	env.rt.AddImage("app:v1")
	m, _ := env.app(t, "app:v1")
	m.Discover(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 3 {
			case 0:
				m.Start(ctx)
			case 1:
				m.Tick(ctx)
			default:
				m.State()
			}
		}(i)
	}
	wg.Wait()

	assertSettled(t, m)
	if got := env.rt.Calls(docker.OpContainerCreate); got != 1 {
		t.Errorf("create calls = %d, want 1", got)
	}
	if list, _ := env.rt.ContainerList(ctx, AppName); len(list) != 1 {
		t.Errorf("containers = %d", len(list))
	}
}
