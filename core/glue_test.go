package core

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestCore(t *testing.T, cfg GlueConfig) *Core {
	t.Helper()
	ds := NewDatastoreMemory(logrus.New(), "admn")
	main := NewMain(ds, "admn", "t1", true)
	kr := newTestKeyring(t, "solo")
	kr.AttachMain(main)
	cluster := &fakeCluster{members: map[string]*CA3{}}
	ca3 := NewCA3(logrus.New(), kr, ds, cluster, "solo", "admn")
	cluster.members["solo"] = ca3
	tenants := NewTenantRegistry(main, "admn")
	main.SetTenantGateHook(tenants.IsOpen)
	inode := NewInternode(logrus.New(), "solo", map[string]string{})
	system := NewSystem(logrus.New(), ds, main, ca3, kr, inode, tenants, "solo", "admn", "t1", []string{"solo"}, 0, 0)
	inode.SetServices(system)
	return NewCore(logrus.New(), cfg, ds, kr, main, ca3, inode, system, tenants)
}

func TestNewCoreInitializesModuleConditions(t *testing.T) {
	c := newTestCore(t, GlueConfig{NodeMode: "testing"})
	for _, name := range []string{"Datastore", "Keyring", "Main", "CA3", "Internode", "System", "Tenants"} {
		if c.condition(name) != ConditionInitialized {
			t.Fatalf("expected %s initialized, got %v", name, c.condition(name))
		}
	}
}

func TestSetConditionAndWatchdogTickClearsReloadNeeded(t *testing.T) {
	c := newTestCore(t, GlueConfig{NodeMode: "testing"})
	c.SetCondition("Main", ConditionReloadNeeded)
	c.watchdogTick()
	if c.condition("Main") != ConditionInitialized {
		t.Fatalf("expected watchdog to clear reloadNeeded, got %v", c.condition("Main"))
	}
}

func TestRegisterInternalTasksWiresPerTenantEvents(t *testing.T) {
	c := newTestCore(t, GlueConfig{
		NodeMode:            "testing",
		EnableInternalTasks: true,
		PoolDeliveryEvery:   time.Hour,
		BlockAppendEvery:    time.Hour,
		ScanPoolEvery:       time.Hour,
		ScanBlockEvery:      time.Hour,
		SyncCachesEvery:     time.Hour,
	})
	c.SetTenants([]string{"t1", "t2"})
	c.registerInternalTasks()
	for _, tenant := range []string{"t1", "t2"} {
		for _, prefix := range []string{"delivery:", "append:", "scanpool:", "scanblock:"} {
			if _, _, ok := c.Events().Status(prefix + tenant); !ok {
				t.Fatalf("expected %s%s registered", prefix, tenant)
			}
		}
	}
	if _, _, ok := c.Events().Status("synccaches"); !ok {
		t.Fatalf("expected the global synccaches task registered")
	}
}

func TestStartAndShutdownOrdering(t *testing.T) {
	c := newTestCore(t, GlueConfig{
		NodeMode:            "testing",
		EnableInternalTasks: true,
		PoolDeliveryEvery:   time.Hour,
		BlockAppendEvery:    time.Hour,
		ScanPoolEvery:       time.Hour,
		ScanBlockEvery:      time.Hour,
		SyncCachesEvery:     time.Hour,
	})
	c.SetTenants([]string{"t1"})
	ctx := context.Background()
	if err := c.Start(ctx, nil, 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, _, ok := c.Events().Status("delivery:t1"); !ok {
		t.Fatalf("expected internal tasks registered after start")
	}
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
