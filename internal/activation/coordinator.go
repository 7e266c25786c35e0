// Package activation owns the per-workspace activation state machine.
//
// Each workspace is independently Idle, Activating, or Active. A new
// activation always supersedes the one in flight: the previous build is
// cancelled and awaited before the new sequence starts, so at most one
// build runs per workspace at any time. Activation is one cancellable
// unit of work - build, re-resolve, verify, apply test config, persist,
// notify - and cancellation anywhere in the sequence leaves no side
// effects behind.
package activation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/mattjoyce/envgate/internal/catalog"
	"github.com/mattjoyce/envgate/internal/events"
	"github.com/mattjoyce/envgate/internal/log"
	"github.com/mattjoyce/envgate/internal/rt"
	"github.com/mattjoyce/envgate/internal/selection"
	"github.com/mattjoyce/envgate/internal/testsink"
	"github.com/mattjoyce/envgate/internal/workspace"
)

//go:generate mockgen -destination=mocks/mock_gateway.go -package=mocks github.com/mattjoyce/envgate/internal/activation Gateway

// Gateway is the external tool boundary: discovery plus build.
type Gateway interface {
	List(ctx context.Context, dir string) ([]rt.Descriptor, error)
	Build(ctx context.Context, dir, contextHash string, forceReinstall bool) error
}

var (
	// ErrNotFound means a requested or persisted identity is absent from
	// a fresh catalog.
	ErrNotFound = errors.New("environment not found in catalog")

	// ErrNotUsable means the candidate resolved but its interpreter
	// executable does not exist on disk.
	ErrNotUsable = errors.New("environment is not usable")
)

// Coordinator orchestrates catalog fetches, activations, restoration,
// and change notification, partitioned by workspace scope.
type Coordinator struct {
	gateway Gateway
	cache   *catalog.Cache
	store   *selection.Store
	sink    testsink.Sink
	hub     *events.Hub
	logger  *slog.Logger

	mu     sync.Mutex
	states map[string]*wsState
}

// wsState is the mutable per-workspace orchestrator state. It lives for
// the process lifetime and is rebuilt lazily from the persisted
// selection plus a fresh catalog fetch.
type wsState struct {
	mu       sync.Mutex
	active   *catalog.Candidate
	inflight *inflight
}

type inflight struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Coordinator. The cache is built around the gateway's
// discovery half.
func New(gateway Gateway, store *selection.Store, sink testsink.Sink, hub *events.Hub) *Coordinator {
	return &Coordinator{
		gateway: gateway,
		cache:   catalog.NewCache(gateway),
		store:   store,
		sink:    sink,
		hub:     hub,
		logger:  log.WithComponent("activation"),
	}
}

func (c *Coordinator) state(scope workspace.Scope) *wsState {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := scope.Key()
	st, ok := c.states[key]
	if !ok {
		if c.states == nil {
			c.states = make(map[string]*wsState)
		}
		st = &wsState{}
		c.states[key] = st
	}
	return st
}

// List returns the activation candidates for scope. Without force the
// cached snapshot is served when present. Discovery failures are
// fail-soft; the only returned error is cancellation.
func (c *Coordinator) List(ctx context.Context, scope workspace.Scope, force bool) ([]catalog.Candidate, error) {
	return c.cache.Fetch(ctx, scope, force)
}

// Set activates candidate for scope. Any activation already in flight
// for the workspace is cancelled and awaited first, so the superseding
// request always wins. Build and verification failures are returned to
// the caller; cancellation by a superseding request surfaces as
// context.Canceled and must not be reported as a failure.
func (c *Coordinator) Set(ctx context.Context, scope workspace.Scope, candidate catalog.Candidate, forceReinstall bool) error {
	st := c.state(scope)
	opCtx, fl := c.begin(ctx, st)
	defer c.finish(st, fl)

	opID := uuid.NewString()
	logger := c.logger.With("workspace", scope.Name, "candidate", candidate.ID, "op_id", opID)
	logger.Info("activating environment")

	if err := c.gateway.Build(opCtx, scope.Root, candidate.ID, forceReinstall); err != nil {
		if opCtx.Err() != nil {
			logger.Debug("activation superseded during build")
			return context.Canceled
		}
		return fmt.Errorf("build %s: %w", candidate.ID, err)
	}

	// The build may have mutated descriptor metadata; re-resolve the
	// candidate against a fresh catalog before trusting it.
	resolved, err := c.resolve(opCtx, scope, candidate.ID)
	if err != nil {
		if opCtx.Err() != nil {
			logger.Debug("activation superseded during re-resolve")
			return context.Canceled
		}
		return err
	}

	if err := opCtx.Err(); err != nil {
		logger.Debug("activation superseded before side effects")
		return context.Canceled
	}

	if err := c.sink.Apply(scope, resolved); err != nil {
		return fmt.Errorf("apply test configuration: %w", err)
	}
	if err := c.store.Set(opCtx, scope, resolved.ID); err != nil {
		return fmt.Errorf("persist selection: %w", err)
	}

	st.mu.Lock()
	old := st.active
	st.active = resolved
	st.mu.Unlock()

	c.publishSelection(scope, old, resolved, opID)
	logger.Info("environment active", "display_name", resolved.DisplayName)
	return nil
}

// Clear deactivates scope's environment: in-flight activation is
// superseded, test configuration and the persisted selection are
// cleared, and a selection-changed event to none is emitted even when
// nothing was active.
func (c *Coordinator) Clear(ctx context.Context, scope workspace.Scope) error {
	st := c.state(scope)
	_, fl := c.begin(ctx, st)
	defer c.finish(st, fl)

	opID := uuid.NewString()

	if err := c.sink.Apply(scope, nil); err != nil {
		return fmt.Errorf("clear test configuration: %w", err)
	}
	if err := c.store.Clear(ctx, scope); err != nil {
		return fmt.Errorf("clear persisted selection: %w", err)
	}

	st.mu.Lock()
	old := st.active
	st.active = nil
	st.mu.Unlock()

	c.publishSelection(scope, old, nil, opID)
	c.logger.Info("environment cleared", "workspace", scope.Name, "op_id", opID)
	return nil
}

// Get returns the currently active candidate for scope, restoring it
// from the persisted selection after a restart if needed. Restoration
// failures are absorbed: they clear the persisted selection and degrade
// to "no current environment" rather than propagating.
func (c *Coordinator) Get(ctx context.Context, scope workspace.Scope) (*catalog.Candidate, error) {
	st := c.state(scope)

	st.mu.Lock()
	active := st.active
	st.mu.Unlock()

	if active != nil {
		// Always re-verify before trusting the in-memory candidate;
		// the venv may have been removed out from under us.
		if fileExists(active.Interpreter) {
			return active, nil
		}
		st.mu.Lock()
		if st.active == active {
			st.active = nil
		}
		st.mu.Unlock()
	}

	return c.restore(ctx, scope, st)
}

// restore materializes the persisted selection, if any, by running the
// same build-then-verify sequence as activation.
func (c *Coordinator) restore(ctx context.Context, scope workspace.Scope, st *wsState) (*catalog.Candidate, error) {
	id, err := c.store.Get(ctx, scope)
	if err != nil {
		c.logger.Warn("failed to read persisted selection", "workspace", scope.Name, "error", err)
		return nil, nil
	}
	if id == "" {
		return nil, nil
	}

	logger := c.logger.With("workspace", scope.Name, "candidate", id)
	logger.Debug("restoring persisted selection")

	if err := c.gateway.Build(ctx, scope.Root, id, false); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("restoration build failed, clearing persisted selection", "error", err)
		c.clearPersisted(ctx, scope)
		return nil, nil
	}

	resolved, err := c.resolve(ctx, scope, id)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("restoration failed, clearing persisted selection", "error", err)
		c.clearPersisted(ctx, scope)
		return nil, nil
	}

	st.mu.Lock()
	if st.inflight == nil {
		st.active = resolved
	}
	st.mu.Unlock()

	logger.Info("environment restored", "display_name", resolved.DisplayName)
	return resolved, nil
}

// Refresh force-fetches the catalog for scope, publishes add/remove
// events against the previous snapshot, and drops the active candidate
// if it no longer resolves or its interpreter is gone. Failures here are
// background failures: logged, never propagated (cancellation excepted).
func (c *Coordinator) Refresh(ctx context.Context, scope workspace.Scope) error {
	previous, _ := c.cache.Snapshot(scope)
	next, err := c.cache.Fetch(ctx, scope, true)
	if err != nil {
		return err
	}

	for _, change := range catalog.Diff(previous, next) {
		eventType := events.TypeCatalogAdded
		if change.Kind == catalog.ChangeRemoved {
			eventType = events.TypeCatalogRemoved
		}
		c.hub.Publish(eventType, events.CatalogChange{
			Workspace:   scope.Name,
			CandidateID: change.Candidate.ID,
			DisplayName: change.Candidate.DisplayName,
		})
	}

	st := c.state(scope)
	st.mu.Lock()
	active := st.active
	st.mu.Unlock()
	if active == nil {
		return nil
	}

	if catalog.Find(next, active.ID) != nil && fileExists(active.Interpreter) {
		return nil
	}

	c.logger.Warn("active environment no longer usable after refresh",
		"workspace", scope.Name, "candidate", active.ID)

	st.mu.Lock()
	if st.active == active {
		st.active = nil
	}
	st.mu.Unlock()

	c.clearPersisted(ctx, scope)
	c.publishSelection(scope, active, nil, uuid.NewString())
	return nil
}

// Resolve maps a venv directory or interpreter path back to its
// candidate, or returns nil when nothing in the catalog matches.
func (c *Coordinator) Resolve(ctx context.Context, scope workspace.Scope, path string) (*catalog.Candidate, error) {
	candidates, err := c.cache.Fetch(ctx, scope, false)
	if err != nil {
		return nil, err
	}
	return catalog.FindByPath(candidates, path), nil
}

// begin supersedes any in-flight operation for st and registers a new
// one bound to ctx. It returns only after the previous operation has
// fully settled, whatever its outcome.
func (c *Coordinator) begin(ctx context.Context, st *wsState) (context.Context, *inflight) {
	st.mu.Lock()
	for st.inflight != nil {
		prev := st.inflight
		prev.cancel()
		st.mu.Unlock()
		<-prev.done // swallow the superseded outcome
		st.mu.Lock()
	}

	opCtx, cancel := context.WithCancel(ctx)
	fl := &inflight{cancel: cancel, done: make(chan struct{})}
	st.inflight = fl
	st.mu.Unlock()
	return opCtx, fl
}

func (c *Coordinator) finish(st *wsState, fl *inflight) {
	st.mu.Lock()
	if st.inflight == fl {
		st.inflight = nil
	}
	st.mu.Unlock()
	fl.cancel()
	close(fl.done)
}

// resolve force-fetches the catalog and returns the candidate with the
// given identity, verifying its interpreter exists on disk.
func (c *Coordinator) resolve(ctx context.Context, scope workspace.Scope, id string) (*catalog.Candidate, error) {
	candidates, err := c.cache.Fetch(ctx, scope, true)
	if err != nil {
		return nil, err
	}

	resolved := catalog.Find(candidates, id)
	if resolved == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !fileExists(resolved.Interpreter) {
		return nil, fmt.Errorf("%w: interpreter missing at %s", ErrNotUsable, resolved.Interpreter)
	}
	return resolved, nil
}

func (c *Coordinator) clearPersisted(ctx context.Context, scope workspace.Scope) {
	if err := c.store.Clear(ctx, scope); err != nil {
		c.logger.Error("failed to clear persisted selection", "workspace", scope.Name, "error", err)
	}
}

func (c *Coordinator) publishSelection(scope workspace.Scope, old, next *catalog.Candidate, opID string) {
	payload := events.SelectionChange{Workspace: scope.Name, OpID: opID}
	if old != nil {
		payload.Old = old.ID
	}
	if next != nil {
		payload.New = next.ID
	}
	c.hub.Publish(events.TypeSelectionChanged, payload)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
