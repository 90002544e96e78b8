package core

// glue.go – module wiring, startup/shutdown ordering, and the
// condition-driven watchdog described in §9 ("Global state"). Core is the
// process-scoped aggregate: constructed once at startup, torn down
// leaves-first (the Datastore is left open), with every inter-module reference a weak,
// already-constructed pointer rather than a closure over a shared locator.
//
// Grounded on the teacher's SyncManager Start/Stop/loop pattern
// (core/blockchain_synchronization.go) for the watchdog goroutine shape,
// generalized to poll a condition field per module instead of a single
// boolean.

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ModuleCondition is one module's lifecycle state. The watchdog reads it
// once a second on its own ticker and resets reloadNeeded to initialized;
// it does not rebuild modules or reattach references.
type ModuleCondition string

const (
	ConditionUnloaded    ModuleCondition = "unloaded"
	ConditionLoading     ModuleCondition = "loading"
	ConditionInitialized ModuleCondition = "initialized"
	ConditionActive      ModuleCondition = "active"
	ConditionReloadNeeded ModuleCondition = "reloadNeeded"
)

// GlueConfig is the subset of configuration Glue needs directly; the rest
// is threaded into the sub-component constructors by the caller (typically
// cmd/casualchain) before NewCore is invoked.
type GlueConfig struct {
	NodeMode            string // prod | testing | testing+init | prod+init
	EnableInternalTasks bool
	PoolDeliveryEvery   time.Duration
	BlockAppendEvery    time.Duration
	ScanPoolEvery       time.Duration
	ScanBlockEvery      time.Duration
	SyncCachesEvery     time.Duration
}

// Core is the process-scoped aggregate wiring every component together. It
// is constructed once at startup by cmd/casualchain and torn down in
// Shutdown, reverse of construction order; the Datastore is not closed there.
type Core struct {
	logger *logrus.Logger
	cfg    GlueConfig

	ds      *Datastore
	keyring *Keyring
	main    *Main
	ca3     *CA3
	inode   *Internode
	system  *System
	tenants *TenantRegistry
	events  *EventLoop

	condMu     sync.RWMutex
	conditions map[string]ModuleCondition

	watchdogCancel context.CancelFunc
	watchdogDone   chan struct{}

	tenantList atomic.Value // []string, tenants with internal tasks registered
}

// NewCore wires Core over already-constructed sub-components. Each
// parameter is a weak reference: Core never becomes the sole owner of any
// of them, it only sequences their Start/Stop calls and schedules System's
// flows onto the event loop.
func NewCore(logger *logrus.Logger, cfg GlueConfig, ds *Datastore, keyring *Keyring, main *Main, ca3 *CA3, inode *Internode, system *System, tenants *TenantRegistry) *Core {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &Core{
		logger:     logger,
		cfg:        cfg,
		ds:         ds,
		keyring:    keyring,
		main:       main,
		ca3:        ca3,
		inode:      inode,
		system:     system,
		tenants:    tenants,
		events:     NewEventLoop(logger),
		conditions: make(map[string]ModuleCondition),
	}
	for _, name := range []string{"Datastore", "Keyring", "Main", "CA3", "Internode", "System", "Tenants"} {
		c.conditions[name] = ConditionInitialized
	}
	c.tenantList.Store([]string{})
	return c
}

// Events exposes the underlying EventLoop for admin introspection
// (/sys/getconf-style status) and for tests that want to drive a tick.
func (c *Core) Events() *EventLoop { return c.events }

// SetCondition records a module's lifecycle state; the watchdog acts on
// ConditionReloadNeeded the next time it runs.
func (c *Core) SetCondition(module string, cond ModuleCondition) {
	c.condMu.Lock()
	defer c.condMu.Unlock()
	c.conditions[module] = cond
}

func (c *Core) condition(module string) ModuleCondition {
	c.condMu.RLock()
	defer c.condMu.RUnlock()
	return c.conditions[module]
}

// SetTenants registers the tenant set the internal tasks iterate over.
func (c *Core) SetTenants(tenants []string) {
	cp := append([]string(nil), tenants...)
	c.tenantList.Store(cp)
}

func (c *Core) currentTenants() []string {
	v, _ := c.tenantList.Load().([]string)
	return v
}

//---------------------------------------------------------------------
// Startup
//---------------------------------------------------------------------

// Start brings the node up: pings peers to fan in, posts this node's own
// public key, registers the internal tasks (if enabled), and starts the
// watchdog and event loop. Startup-phase failures here are the only
// runtime failures meant to abort the process (§7 Fatality); everything
// after Start returns is a localized runtime failure.
func (c *Core) Start(ctx context.Context, peers []string, rpcRetryBudget int) error {
	if len(peers) > 0 {
		down := c.inode.WaitForRPCIsOK(ctx, peers, rpcRetryBudget)
		if len(down) > 0 {
			c.logger.Warnf("glue: %d peer(s) still unreachable after startup fan-in: %v", len(down), down)
		}
	}
	if err := c.keyring.PostSelfPublicKeys(); err != nil {
		return NewErr(KindInternal, "Glue", "Start", "PostSelfPublicKeys", err.Error(), err)
	}
	if c.cfg.EnableInternalTasks {
		c.registerInternalTasks()
	}
	c.events.Start(ctx)
	c.startWatchdog(ctx)
	c.logger.Infof("glue: core started (node_mode=%s)", c.cfg.NodeMode)
	return nil
}

// registerInternalTasks wires System's flows onto the event loop, one
// registration per tenant for the per-tenant flows, plus the global cache
// sync. Re-running Start with a changed tenant list only adds the new
// tenants' tasks — it never clears existing ones, so callers that want a
// clean slate should call Events().Clear() first.
func (c *Core) registerInternalTasks() {
	for _, tenant := range c.currentTenants() {
		tenant := tenant
		c.events.Register("delivery:"+tenant, "System.postDeliveryPool", c.cfg.PoolDeliveryEvery, false, func(ctx context.Context) error {
			return c.system.PostDeliveryPool(ctx, tenant)
		})
		c.events.Register("append:"+tenant, "System.postAppendBlocks", c.cfg.BlockAppendEvery, false, func(ctx context.Context) error {
			return c.system.PostAppendBlocks(ctx, tenant)
		})
		c.events.Register("scanpool:"+tenant, "System.postScanAndFixPool", c.cfg.ScanPoolEvery, false, func(ctx context.Context) error {
			return c.system.PostScanAndFixPool(ctx, tenant)
		})
		c.events.Register("scanblock:"+tenant, "System.postScanAndFixBlock", c.cfg.ScanBlockEvery, false, func(ctx context.Context) error {
			return c.system.PostScanAndFixBlock(ctx, tenant)
		})
	}
	c.events.Register("synccaches", "System.postSyncCaches", c.cfg.SyncCachesEvery, false, func(ctx context.Context) error {
		return c.system.PostSyncCaches(ctx)
	})
}

//---------------------------------------------------------------------
// Watchdog
//---------------------------------------------------------------------

// startWatchdog runs a 1s-tick goroutine that inspects every module's
// condition and resets every ConditionReloadNeeded to ConditionInitialized.
// Nothing in Core or in the config-apply admin route rebuilds or swaps a
// module; the watchdog only observes and clears the flag.
func (c *Core) startWatchdog(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.watchdogCancel = cancel
	c.watchdogDone = make(chan struct{})
	go func() {
		defer close(c.watchdogDone)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.watchdogTick()
			}
		}
	}()
}

func (c *Core) watchdogTick() {
	c.condMu.Lock()
	defer c.condMu.Unlock()
	for name, cond := range c.conditions {
		if cond == ConditionReloadNeeded {
			c.conditions[name] = ConditionInitialized
			c.logger.Infof("glue: watchdog cleared reloadNeeded for %s", name)
		}
	}
}

//---------------------------------------------------------------------
// Shutdown
//---------------------------------------------------------------------

// Shutdown tears Core down leaves-first: watchdog and event loop stop
// first (no more scheduled work), then Internode closes its duplex
// channels. The Datastore is not closed: Core holds no close handle for its
// backends, so they stay open until the process exits.
func (c *Core) Shutdown(ctx context.Context) error {
	if c.watchdogCancel != nil {
		c.watchdogCancel()
	}
	if c.watchdogDone != nil {
		<-c.watchdogDone
	}
	if err := c.events.UnregisterAllInternalEvents(ctx); err != nil {
		c.logger.Warnf("glue: event drain did not complete cleanly: %v", err)
	}
	c.events.Stop()
	if err := c.inode.Close(); err != nil {
		c.logger.Warnf("glue: internode close: %v", err)
	}
	c.logger.Info("glue: core shut down")
	return nil
}
