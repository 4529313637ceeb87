package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/open-nexus-os/nexus-core/hal"
	"github.com/open-nexus-os/nexus-core/internal/buildinfo"
	"github.com/open-nexus-os/nexus-core/kernel/ipc"
	"github.com/open-nexus-os/nexus-core/kernel/mm"
	"github.com/open-nexus-os/nexus-core/kernel/sched"
	"github.com/open-nexus-os/nexus-core/kernel/task"
	"github.com/open-nexus-os/nexus-core/kernel/uart"
	"github.com/open-nexus-os/nexus-core/nexus/services/statefsd"
	"github.com/open-nexus-os/nexus-core/nexus/services/updated"
	"github.com/open-nexus-os/nexus-core/nexus/statefs"
)

// Owner ids of the built-in service tasks.
const (
	statefsdOwner uint32 = 1
	updatedOwner  uint32 = 2
)

// setSuffix marks system-set archives dropped into the update inbox.
const setSuffix = ".nxset"

func run(parent context.Context, log *zap.Logger, cfg *Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	diag := uart.Init(os.Stdout)
	defer diag.Close()
	_ = diag.WriteLine("## neuron " + buildinfo.Short())

	dev, err := hal.OpenFileBlockDevice(cfg.BlockDevice.Path, cfg.BlockDevice.BlockSize)
	if err != nil {
		return err
	}
	defer func() { _ = dev.Close() }()

	eng, err := statefs.Open(dev)
	if err != nil {
		return err
	}
	st := eng.Stats()
	log.Info("state journal opened",
		zap.Uint64("records", st.Records),
		zap.Uint64("dropped", st.DroppedRecords),
		zap.Int("live_keys", st.LiveKeys))

	router := ipc.NewRouter()
	sch := sched.New()
	if cfg.TimesliceNsec > 0 {
		sch.SetTimeslice(cfg.TimesliceNsec)
	}
	vmos := mm.NewVmoStore()
	tasks := task.NewManager(router, sch, vmos)

	if cfg.InitImage != "" {
		if err := spawnInit(log, tasks, cfg.InitImage); err != nil {
			return err
		}
	}

	stateSrv, err := statefsd.New(log.Named("statefsd"), eng, router, statefsdOwner)
	if err != nil {
		return err
	}

	// The statefs server must be answering before anything issues a request
	// through a client: the manager below loads its persisted state over IPC
	// as its first act.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return stateSrv.Serve(ctx) })
	fail := func(err error) error {
		cancel()
		_ = g.Wait()
		return err
	}

	stateCli, err := statefsd.NewClient(router, stateSrv.Endpoint(), updatedOwner)
	if err != nil {
		return fail(err)
	}
	pinned, err := cfg.PinnedKey()
	if err != nil {
		return fail(err)
	}
	mgr, err := updated.NewManager(log.Named("updated"), stateCli, pinned)
	if err != nil {
		return fail(err)
	}
	updSrv, err := updated.NewServer(log.Named("updated"), mgr, router, updatedOwner)
	if err != nil {
		return fail(err)
	}

	g.Go(func() error { return updSrv.Serve(ctx) })
	if cfg.UpdateInbox != "" {
		g.Go(func() error { return watchInbox(ctx, log, cfg.UpdateInbox, mgr) })
	}
	if cfg.HealthDelaySec > 0 {
		g.Go(func() error { return confirmHealth(ctx, log, cfg.HealthDelay(), mgr) })
	}

	log.Info("neuron up", zap.String("build", buildinfo.Long()))
	err = g.Wait()
	log.Info("neuron down", zap.Uint64("uart_dropped", diag.Dropped()))
	return err
}

// spawnInit loads the init image as a single read+execute segment.
func spawnInit(log *zap.Logger, tasks *task.Manager, path string) error {
	img, err := os.ReadFile(path)
	if err != nil {
		return pkgerrors.Wrapf(err, "read init image %q", path)
	}
	t, err := tasks.Spawn("init", []task.Segment{{
		Va:    0x10000,
		Data:  img,
		Flags: mm.FlagValid | mm.FlagRead | mm.FlagExec | mm.FlagUser,
	}}, task.SpawnArgs{})
	if err != nil {
		return pkgerrors.Wrap(err, "spawn init")
	}
	log.Info("init task spawned",
		zap.Uint32("task", uint32(t.ID)),
		zap.Uint32("seed_endpoint", t.SeedEp))
	return nil
}

// watchInbox applies system-set archives as they land in the inbox
// directory. Archives already present at startup are applied first.
func watchInbox(ctx context.Context, log *zap.Logger, dir string, mgr *updated.Manager) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return pkgerrors.Wrap(err, "inbox watcher")
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(dir); err != nil {
		return pkgerrors.Wrapf(err, "watch inbox %q", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return pkgerrors.Wrapf(err, "scan inbox %q", dir)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), setSuffix) {
			applySet(log, mgr, filepath.Join(dir, e.Name()))
		}
	}

	log.Info("watching update inbox", zap.String("dir", dir))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if strings.HasSuffix(ev.Name, setSuffix) {
				applySet(log, mgr, ev.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("inbox watch error", zap.Error(err))
		}
	}
}

func applySet(log *zap.Logger, mgr *updated.Manager, path string) {
	idx, err := mgr.ApplySet(path)
	if err != nil {
		log.Warn("system-set not applied", zap.String("path", path), zap.Error(err))
		return
	}
	log.Info("system-set applied",
		zap.String("path", path),
		zap.String("version", idx.SystemVersion))
}

// confirmHealth commits the pending slot once the system has stayed up for
// the configured delay.
func confirmHealth(ctx context.Context, log *zap.Logger, delay time.Duration, mgr *updated.Manager) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
	}
	if !mgr.Snapshot().HasPending {
		return nil
	}
	if err := mgr.CommitHealth(); err != nil {
		log.Warn("health confirmation failed", zap.Error(err))
		return nil
	}
	log.Info("pending slot confirmed healthy")
	return nil
}
