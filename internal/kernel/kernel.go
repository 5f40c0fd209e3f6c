// Package kernel assembles the profile server's components in dependency
// order, runs them, and tears them down in reverse on shutdown: storage
// and the network identity first, then the image store, search engine and
// replicator, and finally the role server's listeners. It also owns the
// process-wide background work: the hourly vacuum pass, the systemd
// watchdog loop, and the optional Prometheus listener.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/shurlinet/profileserver/internal/auth"
	"github.com/shurlinet/profileserver/internal/config"
	"github.com/shurlinet/profileserver/internal/conversation"
	"github.com/shurlinet/profileserver/internal/identity"
	"github.com/shurlinet/profileserver/internal/imagestore"
	"github.com/shurlinet/profileserver/internal/replicator"
	"github.com/shurlinet/profileserver/internal/roleserver"
	"github.com/shurlinet/profileserver/internal/search"
	"github.com/shurlinet/profileserver/internal/storage"
	"github.com/shurlinet/profileserver/internal/watchdog"
)

// HostingRetention is how long an expired hosted identity survives before
// the vacuum pass deletes it physically.
const HostingRetention = 30 * 24 * time.Hour

// VacuumInterval paces the background vacuum task.
const VacuumInterval = time.Hour

// MaxConnections caps concurrently served connections across all roles.
const MaxConnections = 1000

// Options carries the non-config inputs New needs.
type Options struct {
	// TLS serves the two TLS roles. Required.
	TLS *TLSBundle

	// KeyPassphrase seals the network identity key at rest when non-empty.
	// KeyTOTPCode unlocks a TOTP-enrolled sealed key.
	KeyPassphrase string
	KeyTOTPCode   string

	Log *slog.Logger
}

// Kernel owns every component for one running server instance.
type Kernel struct {
	cfg *config.Config
	log *slog.Logger

	db          *gorm.DB
	settings    *storage.SettingsRepository
	home        *storage.HomeIdentityRepository
	neighborIDs *storage.NeighborIdentityRepository
	images      *imagestore.Store
	network     *identity.KeyPair

	roles       *roleserver.Server
	roleMetrics *roleserver.Metrics
	repl        *replicator.Replicator
	replMetrics *replicator.Metrics

	metricsSrv *http.Server

	wg sync.WaitGroup
}

// New builds every component in start order. A failure here means the
// process should exit non-zero without serving.
func New(cfg *config.Config, opts Options) (*Kernel, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	db, err := storage.Open(cfg.DBFileName)
	if err != nil {
		return nil, err
	}

	settings := storage.NewSettingsRepository(db)
	network, err := LoadOrCreateNetworkIdentity(settings, opts.KeyPassphrase, opts.KeyTOTPCode)
	if err != nil {
		return nil, err
	}
	log.Info("kernel: network identity loaded", "id", network.ID.String())

	images, err := imagestore.New(cfg.ImageDataFolder)
	if err != nil {
		return nil, err
	}

	home := storage.NewHomeIdentityRepository(db, cfg.MaxHostedIdentities)
	neighborIDs := storage.NewNeighborIdentityRepository(db)
	neighbors := storage.NewNeighborRepository(db, cfg.MaxNeighbors)
	followers := storage.NewFollowerRepository(db, cfg.MaxFollowers)
	actions := storage.NewNeighborhoodActionRepository(db)
	searchEng := search.New(home, neighborIDs)

	var admission auth.FollowerAdmissionPolicy = auth.AllowAll{}
	if cfg.FollowerPolicyFile != "" {
		gater, err := auth.NewAdmissionGater(cfg.FollowerPolicyFile)
		if err != nil {
			return nil, fmt.Errorf("load follower policy: %w", err)
		}
		admission = gater
	}

	replMetrics := replicator.NewMetrics()
	repl := replicator.New(replicator.Config{
		LOCAddr:      net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.LOCPort)),
		ExternalAddr: cfg.ExternalServerAddress,
		PrimaryPort:  uint32(cfg.PrimaryPort),
		NeighborPort: uint32(cfg.ServerNeighborPort),
	}, replicator.Deps{
		DB:          db,
		Home:        home,
		NeighborIDs: neighborIDs,
		Neighbors:   neighbors,
		Followers:   followers,
		Actions:     actions,
		Search:      searchEng,
		Admission:   admission,
		Network:     network,
		Metrics:     replMetrics,
		Log:         log,
	})

	tlsCfg, err := opts.TLS.build()
	if err != nil {
		return nil, err
	}

	deps := conversation.Deps{
		DB:            db,
		Home:          home,
		Neighbor:      neighborIDs,
		Images:        images,
		Search:        searchEng,
		Hub:           conversation.NewHub(),
		Relationships: conversation.NewRelationshipStore(),
		Outbox:        repl.Outbox(),
		Neighborhood:  repl.Receiver(),
		Ports: conversation.Ports{
			Primary:       uint32(cfg.PrimaryPort),
			ClientNonTLS:  uint32(cfg.ClientNonCustomerPort),
			ClientTLS:     uint32(cfg.ClientCustomerPort),
			AppServiceTLS: uint32(cfg.ClientAppServicePort),
		},
		Log:             log,
		NetworkIdentity: network,
	}

	roleMetrics := roleserver.NewMetrics()
	roles, err := roleserver.New(roleserver.Config{
		PrimaryAddr:       ":" + strconv.Itoa(cfg.PrimaryPort),
		NeighborAddr:      ":" + strconv.Itoa(cfg.ServerNeighborPort),
		ClientNonTLSAddr:  ":" + strconv.Itoa(cfg.ClientNonCustomerPort),
		ClientTLSAddr:     ":" + strconv.Itoa(cfg.ClientCustomerPort),
		AppServiceTLSAddr: ":" + strconv.Itoa(cfg.ClientAppServicePort),
		TLSConfig:         tlsCfg,
		MaxConnections:    MaxConnections,
	}, &connHandler{deps: deps}, roleMetrics, log)
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		cfg:         cfg,
		log:         log,
		db:          db,
		settings:    settings,
		home:        home,
		neighborIDs: neighborIDs,
		images:      images,
		network:     network,
		roles:       roles,
		roleMetrics: roleMetrics,
		repl:        repl,
		replMetrics: replMetrics,
	}
	if cfg.MetricsPort != 0 {
		k.metricsSrv = &http.Server{
			Addr: ":" + strconv.Itoa(cfg.MetricsPort),
			Handler: promhttp.HandlerFor(
				prometheus.Gatherers{roleMetrics.Registry, replMetrics.Registry},
				promhttp.HandlerOpts{},
			),
		}
	}
	return k, nil
}

// connHandler bridges roleserver's Handler to the conversation package.
type connHandler struct {
	deps conversation.Deps
}

func (h *connHandler) HandleConnection(conn net.Conn, role roleserver.Role) {
	dc, ok := conn.(roleserver.DeadlineConn)
	if !ok {
		conn.Close()
		return
	}
	conversation.Handle(dc, role, h.deps)
}

// Run serves until ctx is cancelled, then shuts everything down in reverse
// start order. It returns once the shutdown is complete.
func (k *Kernel) Run(ctx context.Context) error {
	bctx, cancel := context.WithCancel(ctx)
	defer cancel()

	k.repl.Start()

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		k.vacuumLoop(bctx)
	}()

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		watchdog.Run(bctx, watchdog.Config{Interval: 30 * time.Second}, k.healthChecks())
	}()

	if k.metricsSrv != nil {
		k.wg.Add(1)
		go func() {
			defer k.wg.Done()
			if err := k.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				k.log.Error("kernel: metrics listener failed", "error", err)
			}
		}()
	}

	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		k.roles.Serve()
	}()

	_ = watchdog.Ready()
	k.log.Info("kernel: serving",
		"primary", k.cfg.PrimaryPort,
		"neighbor", k.cfg.ServerNeighborPort,
		"client_non_tls", k.cfg.ClientNonCustomerPort,
		"client_tls", k.cfg.ClientCustomerPort,
		"app_service_tls", k.cfg.ClientAppServicePort)

	<-ctx.Done()
	_ = watchdog.Stopping()
	k.log.Info("kernel: shutting down")

	// Reverse order: stop accepting, drain conversations, stop the
	// replicator (LOC deregisters), stop background loops, close storage.
	k.roles.Shutdown()
	<-serveDone
	k.repl.Stop()
	cancel()
	if k.metricsSrv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = k.metricsSrv.Shutdown(sctx)
		scancel()
	}
	k.wg.Wait()

	if sqlDB, err := k.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	k.log.Info("kernel: shutdown complete")
	return nil
}

func (k *Kernel) healthChecks() []watchdog.HealthCheck {
	return []watchdog.HealthCheck{
		{
			Name: "database",
			Check: func() error {
				sqlDB, err := k.db.DB()
				if err != nil {
					return err
				}
				return sqlDB.Ping()
			},
		},
		{
			Name: "loc_connected",
			Check: func() error {
				if !k.repl.LOCConnected() {
					return fmt.Errorf("LOC session down, retrying")
				}
				return nil
			},
		},
	}
}

// vacuumLoop runs the hourly maintenance pass: purge expired hosted
// identities past retention and collect orphaned image blobs.
func (k *Kernel) vacuumLoop(ctx context.Context) {
	ticker := time.NewTicker(VacuumInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.RunVacuumOnce()
		}
	}
}

// RunVacuumOnce performs one vacuum pass.
func (k *Kernel) RunVacuumOnce() {
	orphaned := storage.RunVacuumOnce(k.home, HostingRetention, k.log)
	for _, raw := range orphaned {
		var h imagestore.Handle
		copy(h[:], raw)
		if err := k.images.Delete(h); err != nil {
			k.log.Warn("kernel: delete orphaned image", "handle", h.String(), "error", err)
		}
	}

	referenced, err := storage.ReferencedImageHandles(k.db)
	if err != nil {
		k.log.Error("kernel: list referenced image handles", "error", err)
		return
	}
	refSet := make(map[imagestore.Handle]bool, len(referenced))
	for _, raw := range referenced {
		var h imagestore.Handle
		copy(h[:], raw)
		refSet[h] = true
	}
	removed, err := k.images.GCOrphans(refSet)
	if err != nil {
		k.log.Error("kernel: image orphan GC", "error", err)
		return
	}
	if removed > 0 {
		k.log.Info("kernel: vacuum removed orphaned image blobs", "count", removed)
	}
}
