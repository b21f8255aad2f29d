// Command poolsupervisord wires the pool registry, control channel, and
// reuse protocol into one runnable server. It plays both roles the core
// defines: invoked normally it is the supervisor (accept loop, registry
// owner, fork/reap); invoked with -worker it is a forked worker
// attaching to the shared registry and a control channel inherited from
// its parent.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/poolcore/poolcore/internal/collab"
	"github.com/poolcore/poolcore/internal/config"
	"github.com/poolcore/poolcore/internal/handoff"
	"github.com/poolcore/poolcore/internal/metrics"
	"github.com/poolcore/poolcore/internal/registry"
	"github.com/poolcore/poolcore/internal/shm"
	"github.com/poolcore/poolcore/internal/statusapi"
	"github.com/poolcore/poolcore/internal/supervisor"
	"github.com/poolcore/poolcore/internal/worker"
)

func main() {
	configPath := "configs/poolsupervisord.yaml"
	isWorker := false

	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-worker":
			isWorker = true
		case "-config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		}
	}

	logger := slog.Default()

	if isWorker {
		if err := runWorker(configPath, logger); err != nil {
			logger.Error("worker exited with error", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := runSupervisor(configPath, logger); err != nil {
		logger.Error("supervisor exited with error", "error", err)
		os.Exit(1)
	}
}

func runSupervisor(configPath string, logger *slog.Logger) error {
	logger.Info("poolcore supervisor starting", "config", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	selfExe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable path: %w", err)
	}

	seg, err := shm.Create("poolcore-registry", registry.ReservedSize(cfg.Pool.Capacity))
	if err != nil {
		return fmt.Errorf("creating registry segment: %w", err)
	}
	defer seg.Close()

	reg, err := registry.Initialize(seg, cfg.Pool.Capacity, cfg.Pool.ReservedFraction)
	if err != nil {
		return fmt.Errorf("initializing registry: %w", err)
	}

	catalog := buildCatalog(cfg)
	m := metrics.New()

	catalog.OnDrop(func(databaseID int64) {
		slots := reg.EvictDatabase(databaseID)
		m.DatabaseEvicted(fmt.Sprintf("%d", databaseID), len(slots))
	})

	sup := supervisor.New(supervisor.Config{
		Registry:         reg,
		Catalog:          catalog,
		WorkerExecutable: selfExe,
		WorkerArgs:       []string{"-config", configPath},
		ShmFile:          seg.File(),
		ShmSize:          registry.ReservedSize(cfg.Pool.Capacity),
		WaitPollInterval: cfg.Pool.WaitPollInterval,
		Logger:           logger,
		OnWorkerRegistered: func(pid int64, slot int, databaseID int64) {
			m.WorkerForked(0)
		},
		OnWorkerRemoved: func(pid int64, slot int) {
			m.WorkerReaped(true)
		},
	})

	if err := sup.ListenAndServe(cfg.Listen.ClientAddr); err != nil {
		return fmt.Errorf("starting accept loop: %w", err)
	}

	apiServer := statusapi.NewServer(reg, catalog, sup, m, cfg.Listen.APIAddr)
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("starting status API: %w", err)
	}

	stopGaugeLoop := make(chan struct{})
	go runGaugeLoop(reg, m, stopGaugeLoop)

	configWatcher, err := config.NewWatcher(configPath, func(newCfg *config.Config) {
		logger.Info("reloading catalog from config")
		reloadCatalog(catalog, newCfg)
	})
	if err != nil {
		logger.Warn("config hot-reload not available", "error", err)
	}

	logger.Info("poolcore supervisor ready", "client_addr", cfg.Listen.ClientAddr, "api_addr", cfg.Listen.APIAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())

	close(stopGaugeLoop)
	if configWatcher != nil {
		configWatcher.Stop()
	}
	apiServer.Stop()
	sup.Stop()

	logger.Info("poolcore supervisor stopped")
	return nil
}

func buildCatalog(cfg *config.Config) *collab.Catalog {
	rows := make([]collab.DatabaseInfo, 0, len(cfg.Catalog))
	for _, db := range cfg.Catalog {
		rows = append(rows, collab.DatabaseInfo{
			ID:                    db.ID,
			Name:                  db.Name,
			TablespaceID:          db.TablespaceID,
			HasLoginEventTriggers: db.HasLoginEventTriggers,
		})
	}
	return collab.NewCatalog(rows...)
}

// reloadCatalog adds catalog entries new to newCfg. Removing a database
// that disappeared from the file is handled through the explicit
// evict_database admin endpoint, not silently on reload, since dropping
// a database out from under pooled workers needs the supervisor's
// channel-closing side effect, not just a catalog mutation.
func reloadCatalog(catalog *collab.Catalog, newCfg *config.Config) {
	for _, db := range newCfg.Catalog {
		if _, ok := catalog.Lookup(db.Name); ok {
			continue
		}
		catalog.Add(collab.DatabaseInfo{
			ID:                    db.ID,
			Name:                  db.Name,
			TablespaceID:          db.TablespaceID,
			HasLoginEventTriggers: db.HasLoginEventTriggers,
		})
	}
}

func buildAuthenticator(cfg *config.Config) *collab.ScramAuthenticator {
	auth := collab.NewScramAuthenticator()
	for _, acc := range cfg.Accounts {
		cred, err := collab.NewScramCredential(acc.Password)
		if err != nil {
			slog.Default().Error("deriving scram credential failed", "user", acc.User, "error", err)
			continue
		}
		auth.SetCredential(acc.User, acc.Database, cred)
	}
	return auth
}

// runGaugeLoop is the sole authority for poolcore_slots_* gauges,
// publishing a fresh registry.Snapshot every tick.
func runGaugeLoop(reg *registry.Registry, m *metrics.Collector, stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			snap := reg.Snapshot()
			counts := metrics.SlotCounts{
				Active:      map[string]int{},
				Pooled:      map[string]int{},
				Reassigning: map[string]int{},
				Unused:      map[string]int{},
			}
			for _, sv := range snap {
				switch sv.Status {
				case registry.StatusActive:
					counts.Active[sv.DatabaseName]++
				case registry.StatusPooled:
					counts.Pooled[sv.DatabaseName]++
				case registry.StatusReassigning:
					counts.Reassigning[sv.DatabaseName]++
				default:
					counts.Unused[""]++
				}
			}
			m.UpdateSlotGauges(counts)
		case <-stop:
			return
		}
	}
}

func runWorker(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	shmFD, err := envUint("POOLCORE_SHM_FD")
	if err != nil {
		return err
	}
	shmSize, err := envInt("POOLCORE_SHM_SIZE")
	if err != nil {
		return err
	}
	channelFD, err := envUint("POOLCORE_CHANNEL_FD")
	if err != nil {
		return err
	}
	clientFD, err := envInt("POOLCORE_CLIENT_FD")
	if err != nil {
		return err
	}
	workerKey, err := envInt64("POOLCORE_WORKER_KEY")
	if err != nil {
		return err
	}
	databaseID, err := envInt64("POOLCORE_DATABASE_ID")
	if err != nil {
		return err
	}
	databaseName := os.Getenv("POOLCORE_DATABASE_NAME")
	user := os.Getenv("POOLCORE_USER")
	waitPollSeconds, err := envInt("POOLCORE_WAIT_POLL_SECONDS")
	if err != nil {
		waitPollSeconds = 10
	}

	seg, err := shm.Open(shmFD, shmSize)
	if err != nil {
		return fmt.Errorf("attaching registry segment: %w", err)
	}
	reg := registry.Attach(seg)

	channel, err := handoff.ChannelFromFD(channelFD, "poolcore-control-channel")
	if err != nil {
		return fmt.Errorf("attaching control channel: %w", err)
	}

	conn, err := handoff.ConnFromFD(clientFD)
	if err != nil {
		return fmt.Errorf("attaching client connection: %w", err)
	}

	catalog := buildCatalog(cfg)
	auth := buildAuthenticator(cfg)
	collaborators := collab.DefaultCollaborators(catalog, auth)

	health := worker.NewParentPIDMonitor(time.Duration(waitPollSeconds) * time.Second)
	defer health.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownCh := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		close(shutdownCh)
		cancel()
	}()

	w := worker.New(worker.Config{
		PID:              int64(os.Getpid()),
		WorkerKey:        workerKey,
		Registry:         reg,
		Channel:          channel,
		Collab:           collaborators,
		Health:           health,
		Logger:           logger,
		WaitPollInterval: time.Duration(waitPollSeconds) * time.Second,
		Shutdown:         shutdownCh,
		Serve:            echoUntilDisconnect,
	})
	w.Bind(conn, databaseID, databaseName, user)

	logger.Info("worker ready", "pid", os.Getpid(), "database", databaseName, "user", user)
	return w.Run(ctx)
}

// echoUntilDisconnect is the demo Serve implementation: the SQL engine
// is out of scope, so a worker simply echoes bytes back to its client
// until the connection closes, exercising the full reuse loop over real
// TCP.
func echoUntilDisconnect(ctx context.Context, conn net.Conn) error {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func envUint(name string) (uintptr, error) {
	v := os.Getenv(name)
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q: %w", name, v, err)
	}
	return uintptr(n), nil
}

func envInt(name string) (int, error) {
	v := os.Getenv(name)
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q: %w", name, v, err)
	}
	return n, nil
}

func envInt64(name string) (int64, error) {
	v := os.Getenv(name)
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q: %w", name, v, err)
	}
	return n, nil
}
