package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"

	"github.com/open-feature/flagd-toolbar/pkg/catalog"
	"github.com/open-feature/flagd-toolbar/pkg/devserver"
	"github.com/open-feature/flagd-toolbar/pkg/metrics"
	"github.com/open-feature/flagd-toolbar/pkg/model"
	"github.com/open-feature/flagd-toolbar/pkg/store"
)

// DefaultSettleDelay is how long an inbound context stays marked as being
// applied, suppressing the push back to the dev server.
const DefaultSettleDelay = 100 * time.Millisecond

var (
	// ErrNotAvailable is returned by every operation when no dev server is
	// configured.
	ErrNotAvailable = errors.New("not available in this mode")
	ErrNoProjects   = errors.New("no projects found on dev server")
)

type Config struct {
	DevServerURL string
	ProjectKey   string
	PollInterval time.Duration
	SettleDelay  time.Duration
	// OnOverrideChange is called after every successful override write or
	// delete. value is nil when cleared.
	OnOverrideChange func(flagKey string, value any, cleared bool)
}

type Dependencies struct {
	Client   devserver.IClient
	Catalog  catalog.IFetcher
	Contexts *store.ContextStore
	Metrics  *metrics.Recorder
}

// Engine keeps a ToolbarState in sync with a dev server. It owns the state;
// everything else reads it through State or a subscription and changes it
// through the mutation methods.
type Engine struct {
	cfg      Config
	client   devserver.IClient
	catalog  catalog.IFetcher
	contexts *store.ContextStore
	metrics  *metrics.Recorder
	mux      *Multiplexer
	logger   *log.Entry

	mu              sync.RWMutex
	state           model.ToolbarState
	projectKey      string
	catalogFlags    []model.FlagMetadata
	lastToken       model.SyncToken
	synced          bool
	lastSnapshot    *model.ProjectSnapshot
	lastReceived    model.Context
	applyingInbound bool
	settleTimer     *time.Timer

	poller      *cron.Cron
	unsubscribe func()
	runCtx      context.Context
}

// New builds an engine. Without a dev server URL or client the engine stays
// disconnected and never touches the network.
func New(cfg Config, deps Dependencies) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	fetcher := deps.Catalog
	if fetcher == nil {
		fetcher = catalog.NewStatic(nil)
	}
	return &Engine{
		cfg:        cfg,
		client:     deps.Client,
		catalog:    fetcher,
		contexts:   deps.Contexts,
		metrics:    deps.Metrics,
		mux:        NewMux(),
		logger:     log.WithField("component", "sync"),
		projectKey: cfg.ProjectKey,
		state: model.ToolbarState{
			Flags:            map[string]model.EnhancedFlag{},
			ConnectionStatus: model.StatusDisconnected,
		},
		runCtx: context.Background(),
	}
}

func (e *Engine) configured() bool {
	return e.cfg.DevServerURL != "" && e.client != nil
}

// State returns the current state. The flags map is never mutated after
// publication and may be shared.
func (e *Engine) State() model.ToolbarState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Flags returns the current enhanced flags.
func (e *Engine) Flags() map[string]model.EnhancedFlag {
	return e.State().Flags
}

// Overrides returns the override values of the last snapshot.
func (e *Engine) Overrides() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := map[string]any{}
	if e.lastSnapshot == nil {
		return out
	}
	for key, o := range e.lastSnapshot.Overrides {
		out[key] = o.Value
	}
	return out
}

// ProjectKey returns the selected project, empty until discovery succeeds.
func (e *Engine) ProjectKey() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.projectKey
}

// Subscribe registers con for every published state.
func (e *Engine) Subscribe(id interface{}, con chan model.ToolbarState) {
	e.mux.Register(id, con)
}

// Unsubscribe removes a subscription registered with Subscribe.
func (e *Engine) Unsubscribe(id interface{}) {
	e.mux.Unregister(id)
}

// update applies fn to the state under the lock and publishes the result.
func (e *Engine) update(fn func(s *model.ToolbarState)) {
	e.mu.Lock()
	fn(&e.state)
	state := e.state
	e.mu.Unlock()
	e.mux.Publish(state)
}

func (e *Engine) setLoading(loading bool) {
	e.update(func(s *model.ToolbarState) { s.IsLoading = loading })
}

// fail records a fetch failure. The poll schedule is left alone so the next
// tick retries.
func (e *Engine) fail(err error, kind string) {
	if devserver.IsConnectionError(err) {
		kind = "connection"
	}
	e.metrics.SyncError(kind)
	e.logger.Warnf("%s failed: %v", kind, err)
	e.update(func(s *model.ToolbarState) {
		s.ConnectionStatus = model.StatusError
		s.Error = devserver.DescribeError(err)
		s.IsLoading = false
	})
}

// mutationFailed records a failed write without marking the connection lost.
func (e *Engine) mutationFailed(err error) {
	e.logger.Warnf("mutation failed: %v", err)
	e.update(func(s *model.ToolbarState) {
		s.Error = devserver.DescribeError(err)
	})
}

// Setup discovers the project and runs the first sync pass.
func (e *Engine) Setup(ctx context.Context) error {
	if !e.configured() {
		e.logger.Info("no dev server configured, staying disconnected")
		return nil
	}
	e.update(func(s *model.ToolbarState) {
		s.ConnectionStatus = model.StatusConnecting
		s.IsLoading = true
	})
	if err := e.discoverProject(ctx); err != nil {
		e.fail(err, "discovery")
		return err
	}
	return e.syncPass(ctx, false)
}

func (e *Engine) discoverProject(ctx context.Context) error {
	if e.cfg.ProjectKey != "" {
		e.mu.Lock()
		e.projectKey = e.cfg.ProjectKey
		e.mu.Unlock()
		return nil
	}
	projects, err := e.client.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	if len(projects) == 0 {
		return ErrNoProjects
	}
	e.mu.Lock()
	e.projectKey = projects[0]
	e.state.ProjectKey = projects[0]
	e.mu.Unlock()
	e.logger.Infof("using dev server project %s", projects[0])
	return nil
}

// Start runs Setup, starts watching the local active context and schedules
// the poll tick. Setup failures are recorded in the state and retried by the
// poll loop, so Start only fails when the engine cannot run at all.
func (e *Engine) Start(ctx context.Context) error {
	if !e.configured() {
		e.logger.Info("no dev server configured, polling disabled")
		return nil
	}
	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()

	if e.contexts != nil {
		e.unsubscribe = e.contexts.OnActiveChange(e.onLocalContextChange)
	}
	if err := e.Setup(ctx); err != nil {
		e.logger.Warnf("initial setup failed, retrying on next poll: %v", err)
	}

	e.poller = newPoller(e.cfg.PollInterval, func() {
		if ctx.Err() != nil {
			return
		}
		_ = e.Tick(ctx)
	})
	e.poller.Start()
	e.logger.Debugf("polling %s every %s", e.cfg.DevServerURL, e.cfg.PollInterval)
	return nil
}

// Stop cancels the poll schedule and the context watcher. In-flight calls
// are not cancelled.
func (e *Engine) Stop() {
	if e.poller != nil {
		e.poller.Stop()
	}
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	e.mu.Lock()
	if e.settleTimer != nil {
		e.settleTimer.Stop()
	}
	e.mu.Unlock()
}

// Tick is one poll cycle: rediscover the project when none is selected,
// then sync.
func (e *Engine) Tick(ctx context.Context) error {
	if !e.configured() {
		return ErrNotAvailable
	}
	if e.ProjectKey() == "" {
		if err := e.discoverProject(ctx); err != nil {
			e.fail(err, "discovery")
			return err
		}
	}
	return e.syncPass(ctx, false)
}

// Refresh is a sync pass that always refetches the catalog.
func (e *Engine) Refresh(ctx context.Context) error {
	if !e.configured() {
		return ErrNotAvailable
	}
	e.setLoading(true)
	if e.ProjectKey() == "" {
		if err := e.discoverProject(ctx); err != nil {
			e.fail(err, "discovery")
			return err
		}
	}
	return e.syncPass(ctx, true)
}

// syncPass fetches the snapshot, refetches the catalog only when the sync
// token moved (or on the first pass, or when forced), applies an inbound
// context and publishes the merged flags. The steps must run in this order.
func (e *Engine) syncPass(ctx context.Context, force bool) error {
	projectKey := e.ProjectKey()
	logger := e.logger.WithFields(log.Fields{"pass": xid.New().String(), "project": projectKey})

	snapshot, err := e.client.FetchProjectSnapshot(ctx, projectKey)
	if err != nil {
		e.fail(err, "snapshot")
		return err
	}

	e.mu.RLock()
	needCatalog := force || !e.synced || snapshot.LastSyncToken != e.lastToken
	e.mu.RUnlock()

	if needCatalog {
		logger.Debugf("fetching flag catalog (token %s, forced %t)", snapshot.LastSyncToken, force)
		flags, err := e.catalog.GetProjectFlags(ctx, projectKey)
		e.metrics.CatalogFetch()
		if err != nil {
			e.fail(err, "catalog")
			return err
		}
		e.mu.Lock()
		e.catalogFlags = flags
		e.lastToken = snapshot.LastSyncToken
		e.synced = true
		e.mu.Unlock()
	}

	e.applyInboundContext(snapshot.Context)
	e.publishSnapshot(snapshot)
	e.metrics.SyncPass()
	logger.Debugf("synced %d flags, %d overrides", len(snapshot.FlagsState), len(snapshot.Overrides))
	return nil
}

func (e *Engine) publishSnapshot(snapshot *model.ProjectSnapshot) {
	e.mu.Lock()
	flags := catalog.Merge(e.catalogFlags, snapshot)
	e.lastSnapshot = snapshot
	e.state.ConnectionStatus = model.StatusConnected
	e.state.Flags = flags
	e.state.SourceEnvironmentKey = snapshot.SourceEnvironmentKey
	e.state.ProjectKey = e.projectKey
	e.state.LastSyncTime = time.Now()
	e.state.Error = ""
	e.state.IsLoading = false
	state := e.state
	e.mu.Unlock()
	e.mux.Publish(state)
}

// applyInboundContext copies a context received from the dev server into the
// shared context store. While it is being applied the local watcher ignores
// changes, which keeps the two sides from echoing each other.
func (e *Engine) applyInboundContext(c model.Context) {
	if c == nil {
		return
	}
	e.mu.Lock()
	if model.SameContext(c, e.lastReceived) {
		e.mu.Unlock()
		return
	}
	e.lastReceived = c
	if e.contexts == nil {
		e.mu.Unlock()
		return
	}
	e.applyingInbound = true
	if e.settleTimer != nil {
		e.settleTimer.Stop()
	}
	e.settleTimer = time.AfterFunc(e.cfg.SettleDelay, func() {
		e.mu.Lock()
		e.applyingInbound = false
		e.mu.Unlock()
	})
	e.mu.Unlock()

	e.logger.Debugf("dev server context changed to %s:%s", c.Kind(), c.Key())
	if err := e.contexts.SetActive(c); err != nil {
		e.logger.Warnf("store active context: %v", err)
	}
	if err := e.contexts.Upsert(c); err != nil {
		e.logger.Warnf("save context: %v", err)
	}
}

func (e *Engine) onLocalContextChange(c model.Context) {
	e.mu.RLock()
	skip := c == nil || e.applyingInbound || model.SameContext(c, e.lastReceived) || e.projectKey == ""
	ctx := e.runCtx
	e.mu.RUnlock()
	if skip {
		return
	}
	go func() {
		_ = e.PushContext(ctx, c)
	}()
}

// PushContext sends c to the dev server and publishes the snapshot it
// answers with.
func (e *Engine) PushContext(ctx context.Context, c model.Context) error {
	if !e.configured() {
		return ErrNotAvailable
	}
	projectKey := e.ProjectKey()
	snapshot, err := e.client.PatchContext(ctx, projectKey, c)
	e.metrics.Mutation("context", err)
	if err != nil {
		e.mutationFailed(err)
		return fmt.Errorf("push context: %w", err)
	}
	e.mu.Lock()
	e.lastReceived = c
	e.mu.Unlock()
	e.logger.Debugf("pushed context %s:%s to dev server", c.Kind(), c.Key())
	if snapshot != nil {
		e.publishSnapshot(snapshot)
	}
	return nil
}
