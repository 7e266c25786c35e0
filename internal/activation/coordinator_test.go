package activation_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/envgate/internal/activation"
	"github.com/mattjoyce/envgate/internal/activation/mocks"
	"github.com/mattjoyce/envgate/internal/catalog"
	"github.com/mattjoyce/envgate/internal/events"
	"github.com/mattjoyce/envgate/internal/rt"
	"github.com/mattjoyce/envgate/internal/selection"
	"github.com/mattjoyce/envgate/internal/storage"
	"github.com/mattjoyce/envgate/internal/testsink"
	"github.com/mattjoyce/envgate/internal/workspace"
)

// fakeGateway is a deterministic Gateway for flow tests. Build honors
// an optional per-call hook so tests can block inside a build and
// observe cancellation.
type fakeGateway struct {
	mu        sync.Mutex
	descs     []rt.Descriptor
	buildErr  error
	buildHook func(ctx context.Context, contextHash string) error
	builds    []string
}

func (g *fakeGateway) List(ctx context.Context, dir string) ([]rt.Descriptor, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.descs, nil
}

func (g *fakeGateway) Build(ctx context.Context, dir, contextHash string, forceReinstall bool) error {
	g.mu.Lock()
	g.builds = append(g.builds, contextHash)
	hook := g.buildHook
	err := g.buildErr
	g.mu.Unlock()
	if hook != nil {
		return hook(ctx, contextHash)
	}
	return err
}

func (g *fakeGateway) setDescriptors(descs []rt.Descriptor) {
	g.mu.Lock()
	g.descs = descs
	g.mu.Unlock()
}

func (g *fakeGateway) buildCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.builds)
}

type harness struct {
	coord *activation.Coordinator
	hub   *events.Hub
	store *selection.Store
	sink  *testsink.FileSink
	scope workspace.Scope
	dbDir string
}

func newHarness(t *testing.T, gateway activation.Gateway) *harness {
	t.Helper()
	ctx := context.Background()

	dbDir := t.TempDir()
	db, err := storage.OpenSQLite(ctx, filepath.Join(dbDir, "state.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.BootstrapSQLite(ctx, db); err != nil {
		t.Fatalf("bootstrap sqlite: %v", err)
	}

	scope, err := workspace.NewScope("demo", t.TempDir())
	if err != nil {
		t.Fatalf("new scope: %v", err)
	}

	store := selection.NewStore(db)
	sink := testsink.NewFileSink()
	hub := events.NewHub(64)
	return &harness{
		coord: activation.New(gateway, store, sink, hub),
		hub:   hub,
		store: store,
		sink:  sink,
		scope: scope,
		dbDir: dbDir,
	}
}

// testDescriptor returns a single-context descriptor whose venv lives
// under root. The interpreter is not created; tests that need a usable
// environment call makeInterpreter.
func testDescriptor(root, hash, ctxHash, name string) rt.Descriptor {
	venv := filepath.Join(root, ".venvs", name+"-"+hash)
	return rt.Descriptor{
		Hash:     hash,
		VenvPath: venv,
		Name:     name,
		Python:   "3.11",
		Pkgs:     map[string]string{"attrs": ""},
		Contexts: []rt.Context{{
			Hash:         ctxHash,
			VenvPath:     venv,
			PytestTarget: "tests/" + name,
		}},
	}
}

func makeInterpreter(t *testing.T, d rt.Descriptor) {
	t.Helper()
	bin := filepath.Join(d.VenvPath, "bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", bin, err)
	}
	if err := os.WriteFile(filepath.Join(bin, "python"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write interpreter: %v", err)
	}
}

func eventsOfType(h *events.Hub, eventType string) []events.Event {
	var out []events.Event
	for _, ev := range h.SnapshotSince(0) {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func TestSetActivatesPersistsAndNotifies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	gateway := &fakeGateway{}
	h := newHarness(t, gateway)

	desc := testDescriptor(h.scope.Root, "abc1234", "abc1234@def5678", "flask")
	gateway.setDescriptors([]rt.Descriptor{desc})
	makeInterpreter(t, desc)

	candidates, err := h.coord.List(ctx, h.scope, true)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	require.NoError(t, h.coord.Set(ctx, h.scope, candidates[0], false))

	active, err := h.coord.Get(ctx, h.scope)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "abc1234@def5678", active.ID)

	persisted, err := h.store.Get(ctx, h.scope)
	require.NoError(t, err)
	assert.Equal(t, "abc1234@def5678", persisted)

	target, err := h.sink.Target(h.scope)
	require.NoError(t, err)
	assert.Equal(t, "tests/flask", target)

	changed := eventsOfType(h.hub, events.TypeSelectionChanged)
	require.Len(t, changed, 1)
	assert.Contains(t, string(changed[0].Data), `"new":"abc1234@def5678"`)
}

func TestSetBuildFailureLeavesStateUntouched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	gateway := mocks.NewMockGateway(ctrl)
	h := newHarness(t, gateway)

	desc := testDescriptor(h.scope.Root, "abc1234", "abc1234@def5678", "flask")
	candidate := firstCandidate(t, desc)

	gateway.EXPECT().
		Build(gomock.Any(), h.scope.Root, "abc1234@def5678", false).
		Return(errors.New("pip install exploded"))

	err := h.coord.Set(ctx, h.scope, candidate, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pip install exploded")

	persisted, err := h.store.Get(ctx, h.scope)
	require.NoError(t, err)
	assert.Empty(t, persisted)
	assert.Empty(t, eventsOfType(h.hub, events.TypeSelectionChanged))
}

func TestSetMissingInterpreterFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	gateway := &fakeGateway{}
	h := newHarness(t, gateway)

	desc := testDescriptor(h.scope.Root, "abc1234", "abc1234@def5678", "flask")
	gateway.setDescriptors([]rt.Descriptor{desc})
	// No interpreter on disk.

	err := h.coord.Set(ctx, h.scope, firstCandidate(t, desc), false)
	require.ErrorIs(t, err, activation.ErrNotUsable)

	persisted, err := h.store.Get(ctx, h.scope)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestSetUnknownIdentityFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	gateway := &fakeGateway{}
	h := newHarness(t, gateway)

	// The catalog no longer contains the candidate after the build.
	stale := testDescriptor(h.scope.Root, "abc1234", "abc1234@def5678", "flask")
	gateway.setDescriptors(nil)

	err := h.coord.Set(ctx, h.scope, firstCandidate(t, stale), false)
	require.ErrorIs(t, err, activation.ErrNotFound)
}

func TestSupersedeCancelsInFlightBuild(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	gateway := &fakeGateway{}
	h := newHarness(t, gateway)

	descA := testDescriptor(h.scope.Root, "aaa1111", "aaa1111@aaa2222", "alpha")
	descB := testDescriptor(h.scope.Root, "bbb1111", "bbb1111@bbb2222", "beta")
	gateway.setDescriptors([]rt.Descriptor{descA, descB})
	makeInterpreter(t, descA)
	makeInterpreter(t, descB)

	firstStarted := make(chan struct{})
	var once sync.Once
	gateway.buildHook = func(buildCtx context.Context, contextHash string) error {
		if contextHash == "aaa1111@aaa2222" {
			once.Do(func() { close(firstStarted) })
			<-buildCtx.Done() // held open until superseded
			return buildCtx.Err()
		}
		return nil
	}

	firstResult := make(chan error, 1)
	go func() {
		firstResult <- h.coord.Set(ctx, h.scope, firstCandidate(t, descA), false)
	}()

	select {
	case <-firstStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("first build never started")
	}

	require.NoError(t, h.coord.Set(ctx, h.scope, firstCandidate(t, descB), false))

	select {
	case err := <-firstResult:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("superseded activation never returned")
	}

	active, err := h.coord.Get(ctx, h.scope)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "bbb1111@bbb2222", active.ID)

	persisted, err := h.store.Get(ctx, h.scope)
	require.NoError(t, err)
	assert.Equal(t, "bbb1111@bbb2222", persisted)

	// Only the winner produces a selection change.
	changed := eventsOfType(h.hub, events.TypeSelectionChanged)
	require.Len(t, changed, 1)
	assert.Contains(t, string(changed[0].Data), `"new":"bbb1111@bbb2222"`)

	// The aborted activation must not have touched the test config.
	target, err := h.sink.Target(h.scope)
	require.NoError(t, err)
	assert.Equal(t, "tests/beta", target)
}

func TestClearAlwaysEmitsSelectionChange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	gateway := &fakeGateway{}
	h := newHarness(t, gateway)

	require.NoError(t, h.coord.Clear(ctx, h.scope))

	changed := eventsOfType(h.hub, events.TypeSelectionChanged)
	require.Len(t, changed, 1)
	assert.NotContains(t, string(changed[0].Data), `"old"`)
	assert.NotContains(t, string(changed[0].Data), `"new"`)
}

func TestClearRemovesActiveState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	gateway := &fakeGateway{}
	h := newHarness(t, gateway)

	desc := testDescriptor(h.scope.Root, "abc1234", "abc1234@def5678", "flask")
	gateway.setDescriptors([]rt.Descriptor{desc})
	makeInterpreter(t, desc)

	require.NoError(t, h.coord.Set(ctx, h.scope, firstCandidate(t, desc), false))
	require.NoError(t, h.coord.Clear(ctx, h.scope))

	active, err := h.coord.Get(ctx, h.scope)
	require.NoError(t, err)
	assert.Nil(t, active)

	target, err := h.sink.Target(h.scope)
	require.NoError(t, err)
	assert.Empty(t, target)
}

func TestGetRestoresPersistedSelection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	gateway := &fakeGateway{}
	h := newHarness(t, gateway)

	desc := testDescriptor(h.scope.Root, "abc1234", "abc1234@def5678", "flask")
	gateway.setDescriptors([]rt.Descriptor{desc})
	makeInterpreter(t, desc)
	require.NoError(t, h.coord.Set(ctx, h.scope, firstCandidate(t, desc), false))

	// A new coordinator sharing the database simulates a restart.
	restarted := activation.New(gateway, h.store, h.sink, events.NewHub(8))

	active, err := restarted.Get(ctx, h.scope)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "abc1234@def5678", active.ID)
}

func TestGetRestorationFailureClearsPersistedOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	gateway := mocks.NewMockGateway(ctrl)
	h := newHarness(t, gateway)

	require.NoError(t, h.store.Set(ctx, h.scope, "abc1234@def5678"))

	desc := testDescriptor(h.scope.Root, "abc1234", "abc1234@def5678", "flask")
	// Build succeeds but the interpreter never appears on disk.
	gateway.EXPECT().
		Build(gomock.Any(), h.scope.Root, "abc1234@def5678", false).
		Return(nil).
		Times(1)
	gateway.EXPECT().
		List(gomock.Any(), h.scope.Root).
		Return([]rt.Descriptor{desc}, nil).
		Times(1)

	active, err := h.coord.Get(ctx, h.scope)
	require.NoError(t, err)
	assert.Nil(t, active)

	persisted, err := h.store.Get(ctx, h.scope)
	require.NoError(t, err)
	assert.Empty(t, persisted)

	// The persisted id is gone, so the second call must not hit the
	// gateway again.
	active, err = h.coord.Get(ctx, h.scope)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestGetReverifiesActiveInterpreter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	gateway := &fakeGateway{}
	h := newHarness(t, gateway)

	desc := testDescriptor(h.scope.Root, "abc1234", "abc1234@def5678", "flask")
	gateway.setDescriptors([]rt.Descriptor{desc})
	makeInterpreter(t, desc)
	require.NoError(t, h.coord.Set(ctx, h.scope, firstCandidate(t, desc), false))

	// Delete the venv out from under the coordinator, then make the
	// restoration attempt fail too by emptying the catalog.
	require.NoError(t, os.RemoveAll(desc.VenvPath))
	gateway.setDescriptors(nil)

	active, err := h.coord.Get(ctx, h.scope)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestRefreshPublishesCatalogDiff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	gateway := &fakeGateway{}
	h := newHarness(t, gateway)

	descA := testDescriptor(h.scope.Root, "aaa1111", "aaa1111@aaa2222", "alpha")
	descB := testDescriptor(h.scope.Root, "bbb1111", "bbb1111@bbb2222", "beta")
	gateway.setDescriptors([]rt.Descriptor{descA})
	require.NoError(t, h.coord.Refresh(ctx, h.scope))

	gateway.setDescriptors([]rt.Descriptor{descB})
	require.NoError(t, h.coord.Refresh(ctx, h.scope))

	added := eventsOfType(h.hub, events.TypeCatalogAdded)
	removed := eventsOfType(h.hub, events.TypeCatalogRemoved)
	require.Len(t, added, 2) // first refresh adds alpha, second adds beta
	require.Len(t, removed, 1)
	assert.Contains(t, string(removed[0].Data), "aaa1111@aaa2222")
}

func TestRefreshDropsVanishedActiveEnvironment(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	gateway := &fakeGateway{}
	h := newHarness(t, gateway)

	desc := testDescriptor(h.scope.Root, "abc1234", "abc1234@def5678", "flask")
	gateway.setDescriptors([]rt.Descriptor{desc})
	makeInterpreter(t, desc)
	require.NoError(t, h.coord.Set(ctx, h.scope, firstCandidate(t, desc), false))

	gateway.setDescriptors(nil)
	require.NoError(t, h.coord.Refresh(ctx, h.scope))

	active, err := h.coord.Get(ctx, h.scope)
	require.NoError(t, err)
	assert.Nil(t, active)

	persisted, err := h.store.Get(ctx, h.scope)
	require.NoError(t, err)
	assert.Empty(t, persisted)

	changed := eventsOfType(h.hub, events.TypeSelectionChanged)
	require.Len(t, changed, 2) // activation, then the drop to none
	assert.NotContains(t, string(changed[1].Data), `"new"`)
}

func TestResolveByPath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	gateway := &fakeGateway{}
	h := newHarness(t, gateway)

	desc := testDescriptor(h.scope.Root, "abc1234", "abc1234@def5678", "flask")
	gateway.setDescriptors([]rt.Descriptor{desc})

	_, err := h.coord.List(ctx, h.scope, true)
	require.NoError(t, err)

	byVenv, err := h.coord.Resolve(ctx, h.scope, desc.VenvPath)
	require.NoError(t, err)
	require.NotNil(t, byVenv)
	assert.Equal(t, "abc1234@def5678", byVenv.ID)

	byExec, err := h.coord.Resolve(ctx, h.scope, filepath.Join(desc.VenvPath, "bin", "python"))
	require.NoError(t, err)
	require.NotNil(t, byExec)

	missing, err := h.coord.Resolve(ctx, h.scope, filepath.Join(h.scope.Root, "elsewhere"))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func firstCandidate(t *testing.T, desc rt.Descriptor) catalog.Candidate {
	t.Helper()
	candidates := catalog.Materialize([]rt.Descriptor{desc})
	if len(candidates) == 0 {
		t.Fatal("descriptor produced no candidates")
	}
	return candidates[0]
}
