// Command casualchain is the node entrypoint: it loads configuration,
// wires every C1-C8 component via core.NewCore, starts the user/admin REST
// listeners and the internode websocket listener, and blocks until an
// interrupt triggers an ordered shutdown.
//
// Grounded on the teacher's cmd/synnergy root-command wiring
// (cmd/synnergy/main.go) for the cobra shape and cmd/explorer/main.go for
// the config-then-serve sequencing.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"casualchain/cmd/adminapi"
	"casualchain/cmd/userapi"
	"casualchain/core"
	"casualchain/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "casualchain"}
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(versionCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the config package version this build embeds",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(config.Version)
		},
	}
}

func startCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start a casualchain node: user API, admin API, and internode listeners",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(env)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay merged onto cmd/config/default.yaml")
	return cmd
}

func runNode(env string) error {
	cfg, err := config.Load(env)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logrus.New()
	if cfg.Logging.Level != "" {
		if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
			logger.SetLevel(lvl)
		}
	}

	node, err := wireNode(logger, cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	peers := otherNodes(cfg.Cluster.Nodes, cfg.Keyring.NodeName)
	if err := node.core.Start(ctx, peers, 100); err != nil {
		return fmt.Errorf("core start: %w", err)
	}

	node.startServers(logger)

	<-ctx.Done()
	logger.Info("casualchain: shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()
	node.stopServers(shutdownCtx)
	return node.core.Shutdown(shutdownCtx)
}

// wiredNode bundles the HTTP listeners alongside the core aggregate so
// start/stop can be sequenced together from runNode.
type wiredNode struct {
	core     *core.Core
	userSrv  *http.Server
	adminSrv *http.Server
}

func otherNodes(nodes []string, self string) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n != self {
			out = append(out, n)
		}
	}
	return out
}

// wireNode constructs every C1-C8 component over cfg, following the
// dependency order §9 calls out: leaves (Datastore, Keyring) first,
// Internode before System (System is Internode's service implementation,
// attached after both exist), Glue last.
func wireNode(logger *logrus.Logger, cfg *config.Config) (*wiredNode, error) {
	keyring, err := core.NewKeyring(logger, core.KeyringConfig{
		NodeName:                    cfg.Keyring.NodeName,
		PrivateKeyPath:              cfg.Keyring.PrivateKeyPath,
		CreateKeysIfNoSignKeyExists: cfg.Keyring.CreateKeysIfNoSignKeyExists,
	})
	if err != nil {
		return nil, fmt.Errorf("keyring: %w", err)
	}

	ds, err := newDatastore(logger, cfg)
	if err != nil {
		return nil, fmt.Errorf("datastore: %w", err)
	}

	facade := core.NewMain(ds, cfg.AdministrationId, cfg.DefaultTenantId, cfg.EnableDefaultTenant)
	keyring.AttachMain(facade)

	tenants := core.NewTenantRegistry(facade, cfg.AdministrationId)
	facade.SetTenantGateHook(tenants.IsOpen)

	peerAddrs := make(map[string]string, len(cfg.Cluster.Nodes))
	for _, n := range cfg.Cluster.Nodes {
		if n == cfg.Keyring.NodeName {
			continue
		}
		peerAddrs[n] = fmt.Sprintf("ws://%s:%d/internode/ws", n, cfg.Rest.AdminAPIPort)
	}
	inode := core.NewInternode(logger, cfg.Keyring.NodeName, peerAddrs)

	ca3 := core.NewCA3(logger, keyring, ds, inode, cfg.Keyring.NodeName, cfg.AdministrationId)

	system := core.NewSystem(logger, ds, facade, ca3, keyring, inode, tenants,
		cfg.Keyring.NodeName, cfg.AdministrationId, cfg.DefaultTenantId, cfg.Cluster.Nodes,
		cfg.Cluster.MinBatchSize, time.Duration(cfg.Cluster.MaxBatchAgeS)*time.Second)
	inode.SetServices(system)
	facade.SetImmediateDeliveryHook(func() {
		if err := system.PostDeliveryPool(context.Background(), cfg.AdministrationId); err != nil {
			logger.Warnf("casualchain: immediate delivery failed: %v", err)
		}
	})

	c := core.NewCore(logger, core.GlueConfig{
		NodeMode:            cfg.NodeMode,
		EnableInternalTasks: cfg.EnableInternalTasks,
		PoolDeliveryEvery:   5 * time.Second,
		BlockAppendEvery:    10 * time.Second,
		ScanPoolEvery:       30 * time.Second,
		ScanBlockEvery:      30 * time.Second,
		SyncCachesEvery:     60 * time.Second,
	}, ds, keyring, facade, ca3, inode, system, tenants)
	if cfg.DefaultTenantId != "" {
		c.SetTenants([]string{cfg.DefaultTenantId})
	}

	userSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Rest.UserAPIPort),
		Handler: userapi.NewServer(facade, userapi.Credentials{User: cfg.Rest.UserAPIUser, Password: cfg.Rest.UserAPIPassword}, logger),
	}
	adminMux := http.NewServeMux()
	adminMux.Handle("/", adminapi.NewServer(system, c, adminapi.Credentials{User: cfg.Rest.AdminAPIUser, Password: cfg.Rest.AdminAPIPassword}, []byte(adminJWTSecret(cfg)), logger))
	adminMux.HandleFunc("/internode/ws", inode.HandleWS)
	adminSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Rest.AdminAPIPort), Handler: adminMux}

	return &wiredNode{core: c, userSrv: userSrv, adminSrv: adminSrv}, nil
}

// adminJWTSecret derives the HMAC secret for the admin bearer-token scheme
// from the admin password; a production deployment would configure this
// independently, but the recognized config keys in spec §6 do not add one.
func adminJWTSecret(cfg *config.Config) string {
	if cfg.Rest.AdminAPIPassword != "" {
		return cfg.Rest.AdminAPIPassword
	}
	return "casualchain-dev-secret"
}

func newDatastore(logger *logrus.Logger, cfg *config.Config) (*core.Datastore, error) {
	if !cfg.QueueOnDisk {
		return core.NewDatastoreMemory(logger, cfg.AdministrationId), nil
	}
	pool, block, _, err := core.DialMongo(context.Background(), core.MongoConfig{
		Host: cfg.MongoHost, Port: cfg.MongoPort, DB: cfg.MongoDB,
		User: cfg.MongoUser, Password: cfg.MongoPassword, AuthDB: cfg.MongoAuthDB,
		PoolCollection: cfg.MongoPoolCollection, BlockCollection: cfg.MongoBlockCollection,
	})
	if err != nil {
		return nil, err
	}
	return core.NewDatastore(logger, cfg.AdministrationId, pool, block, true), nil
}

func (n *wiredNode) startServers(logger *logrus.Logger) {
	go serveAndLog(logger, "user API", n.userSrv)
	go serveAndLog(logger, "admin API", n.adminSrv)
}

func serveAndLog(logger *logrus.Logger, name string, srv *http.Server) {
	logger.Infof("casualchain: %s listening on %s", name, srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Errorf("casualchain: %s stopped: %v", name, err)
	}
}

func (n *wiredNode) stopServers(ctx context.Context) {
	_ = n.userSrv.Shutdown(ctx)
	_ = n.adminSrv.Shutdown(ctx)
}
