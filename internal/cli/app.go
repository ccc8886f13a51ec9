// Package cli wires the sync engine into a one-shot command-line tool.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"

	"github.com/mihailsb/convsync/internal/common"
	"github.com/mihailsb/convsync/internal/config"
	"github.com/mihailsb/convsync/internal/logging"
	"github.com/mihailsb/convsync/internal/manifest"
	"github.com/mihailsb/convsync/internal/remote"
	"github.com/mihailsb/convsync/internal/sync"
)

type App struct {
	config *config.Config
	log    logging.Logger
	store  *manifest.Store
	syncer *sync.Syncer
	out    *os.File
}

// NewApp resolves the machine identity and password, connects to the object
// store and assembles the sync engine.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	fs := afero.NewOsFs()
	log := logging.NewDefault()

	machineID, err := resolveMachineID(fs, cfg.MachineID, cfg.BrainDir)
	if err != nil {
		return nil, err
	}

	password, err := GetPassword(os.Stdout)
	if err != nil {
		return nil, err
	}

	objStore, err := remote.NewS3Store(ctx, remote.S3Config{
		Region:       cfg.S3Region,
		Bucket:       cfg.S3Bucket,
		BaseEndpoint: cfg.S3BaseEndpoint,
		AccessKey:    cfg.S3AccessKey,
		SecretKey:    cfg.S3SecretKey,
		RootPrefix:   cfg.S3RootPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}

	store := manifest.NewStore(objStore, password, log)

	layout := sync.Layout{BrainDir: cfg.BrainDir, RecordsDir: cfg.RecordsDir}
	syncer := sync.NewSyncer(fs, layout, store, objStore, password, log, sync.Options{
		MachineID:       machineID,
		MachineName:     defaultMachineName(cfg.MachineName),
		BatchSize:       cfg.BatchSize,
		FileConcurrency: cfg.FileConcurrency,
		LockTTL:         cfg.LockTTL,
	})

	return &App{config: cfg, log: log, store: store, syncer: syncer, out: os.Stdout}, nil
}

// Run dispatches the selected mode and returns a process exit code.
func (a *App) Run(ctx context.Context) int {
	defer a.store.Close()

	m := parseModeFlags()

	var err error
	switch m.Mode {
	case "sync":
		err = a.runSync(ctx, m)
	case "push":
		err = a.runSingle(ctx, m, a.syncer.PushConversation)
	case "pull":
		err = a.runSingle(ctx, m, a.syncer.PullConversation)
	case "status":
		err = a.runStatus(ctx)
	case "resolve":
		err = a.runResolve(ctx, m)
	case "delete":
		err = a.runDelete(ctx, m)
	default:
		err = fmt.Errorf("unknown mode %q (want sync|push|pull|status|resolve|delete)", m.Mode)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "convsync: %v\n", err)
		return 1
	}
	return 0
}

func (a *App) runSync(ctx context.Context, m modeFlags) error {
	if m.Auto {
		return a.runAuto(ctx)
	}

	res, err := a.syncer.SyncNow(ctx)
	if err != nil {
		return err
	}
	a.printResult(res)

	if len(res.Dangling) > 0 && m.Repair {
		if err := a.store.StripDangling(ctx, res.Dangling); err != nil {
			return fmt.Errorf("repair manifest: %w", err)
		}
		fmt.Fprintf(a.out, "repaired %d dangling manifest entries\n", len(res.Dangling))
	}

	if len(res.Errors) > 0 {
		return fmt.Errorf("%d conversations failed", len(res.Errors))
	}
	return nil
}

// runAuto keeps syncing on a timer until interrupted.
func (a *App) runAuto(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// One immediate pass so the user sees feedback before the first tick.
	if res, err := a.syncer.SyncNow(ctx); err != nil {
		if !errors.Is(err, common.ErrLockBusy) {
			return err
		}
		a.log.Warn(ctx, "lock busy, timer will retry", "err", err)
	} else {
		a.printResult(res)
	}

	stop := a.syncer.StartAutoSync(ctx, a.config.AutoSyncInterval)
	defer stop()

	fmt.Fprintf(a.out, "auto-sync every %s, Ctrl-C to stop\n", a.config.AutoSyncInterval)
	<-ctx.Done()
	return nil
}

func (a *App) runSingle(ctx context.Context, m modeFlags, op func(context.Context, string) error) error {
	if m.ID == "" {
		return fmt.Errorf("mode %s requires -id", m.Mode)
	}
	return op(ctx, m.ID)
}

func (a *App) runResolve(ctx context.Context, m modeFlags) error {
	if m.ID == "" {
		return fmt.Errorf("mode resolve requires -id")
	}
	return a.syncer.Resolve(ctx, m.ID, sync.Strategy(m.Strategy))
}

func (a *App) runDelete(ctx context.Context, m modeFlags) error {
	if m.ID == "" {
		return fmt.Errorf("mode delete requires -id")
	}
	return a.syncer.DeleteConversation(ctx, m.ID)
}

func (a *App) runStatus(ctx context.Context) error {
	man, err := a.store.Load(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "manifest version %d, %d conversations, %d machines\n",
		man.Version, len(man.Conversations), len(man.Machines))
	for _, c := range man.Conversations {
		fmt.Fprintf(a.out, "  %-24s  %-30s  fmt=%d  by %s at %s\n",
			c.ID, c.Title, c.FormatVersion, c.ModifiedBy, c.LastModified.Format("2006-01-02 15:04"))
	}
	for _, m := range man.Machines {
		fmt.Fprintf(a.out, "machine %s (%s): last sync %s, up %d, down %d\n",
			m.Name, m.ID, m.LastSync.Format("2006-01-02 15:04"), m.UploadCount, m.DownloadCount)
	}

	used, total, err := a.syncer.Quota(ctx)
	if err != nil {
		a.log.Warn(ctx, "quota unavailable", "err", err)
		return nil
	}
	if total > 0 {
		fmt.Fprintf(a.out, "storage: %d / %d bytes\n", used, total)
	} else {
		fmt.Fprintf(a.out, "storage: %d bytes used\n", used)
	}
	return nil
}

func (a *App) printResult(res *sync.Result) {
	fmt.Fprintf(a.out, "pushed %d, pulled %d, unchanged %d\n",
		len(res.Pushed), len(res.Pulled), len(res.Skipped))
	for _, c := range res.Conflicts {
		fmt.Fprintf(a.out, "conflict: %s (%s), resolve with -mode resolve -id %s -strategy keepLocal|keepRemote|keepBoth\n",
			c.ID, c.Title, c.ID)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(a.out, "error: %v\n", e)
	}
	for _, id := range res.Dangling {
		fmt.Fprintf(a.out, "dangling manifest entry: %s (re-run with -repair to drop it)\n", id)
	}
}
