package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/plumenote/plumesync/internal/dashboard"
	"github.com/plumenote/plumesync/internal/docstore"
	"github.com/plumenote/plumesync/internal/index"
	"github.com/plumenote/plumesync/internal/notify"
	"github.com/plumenote/plumesync/internal/sd"
	"github.com/plumenote/plumesync/internal/syncer"
)

var (
	daemonLogFile      string
	daemonNoDashboard  bool
	daemonRebuildIndex bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon",
	Long: `Run the background daemon for the configured sync directory.

The daemon:
  1. Keeps the metadata cache in sync with document state
  2. Watches the activity feed for other devices' changes
  3. Debounces snapshot checkpoints after edit bursts
  4. Serves engine notifications to UI clients over WebSocket`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDaemon(); err != nil {
			fail("%v", err)
		}
	},
}

func init() {
	daemonCmd.Flags().StringVar(&daemonLogFile, "log-file", "", "rotate daemon logs into this file instead of stderr")
	daemonCmd.Flags().BoolVar(&daemonNoDashboard, "no-dashboard", false, "disable the WebSocket dashboard")
	daemonCmd.Flags().BoolVar(&daemonRebuildIndex, "rebuild-index", false, "rebuild the metadata cache before starting")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon() error {
	logger := log.New(os.Stderr, "[plumesync] ", log.LstdFlags)
	if daemonLogFile != "" {
		logger.SetOutput(&lumberjack.Logger{
			Filename:   daemonLogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		})
	}

	sdir, err := openSD()
	if err != nil {
		return err
	}

	dir, err := stateDir()
	if err != nil {
		return err
	}
	inst, err := sd.LoadOrCreateInstance(dir, viper.GetString("profile"))
	if err != nil {
		return err
	}
	if err := sdir.TouchPresence(inst); err != nil {
		logger.Printf("Warning: failed to record presence: %v", err)
	}

	idx, err := index.Open(filepath.Join(dir, fmt.Sprintf("cache-%s.db", sdir.ID)))
	if err != nil {
		return err
	}
	defer idx.Close()

	hub := notify.NewHub(logger)

	storeCfg := docstore.DefaultConfig()
	storeCfg.SnapshotQuiesce = viper.GetDuration("snapshot_quiesce")
	storeCfg.SnapshotPending = viper.GetInt("snapshot_pending")
	storeCfg.Logger = logger
	store, err := docstore.New(sdir, inst, idx, hub, storeCfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if daemonRebuildIndex {
		if err := rebuildIndex(sdir, store, idx, logger); err != nil {
			return err
		}
	}

	syncCfg := syncer.DefaultConfig()
	syncCfg.TickInterval = viper.GetDuration("tick_interval")
	syncCfg.FastPathTimeout = viper.GetDuration("fast_path_timeout")
	syncCfg.FullRepollInterval = viper.GetDuration("full_repoll_interval")
	syncCfg.StaleGap = uint64(viper.GetInt("stale_gap"))
	syncCfg.Logger = logger
	coord := syncer.New(sdir, store, hub, syncCfg)

	// The daemon form of the engine keeps every known note under routine
	// freshness checks; an embedding UI would drive this from open-note
	// and list state instead.
	noteIDs, err := sdir.ListNoteIDs()
	if err != nil {
		logger.Printf("Warning: failed to list notes: %v", err)
	}
	for _, noteID := range noteIDs {
		coord.Watch(noteID, syncer.ReasonNotesList)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go store.SnapshotLoop(ctx)

	if err := coord.Start(ctx); err != nil {
		return err
	}
	defer coord.Stop()

	var dash *dashboard.Server
	if !daemonNoDashboard {
		dash = dashboard.NewServer(hub, &dashboard.Config{
			Port:   viper.GetInt("dashboard_port"),
			Logger: logger,
		})
		if err := dash.Start(); err != nil {
			logger.Printf("Warning: dashboard disabled: %v", err)
			dash = nil
		}
	}

	logger.Printf("Daemon running for SD %s (instance %s)", sdir.ID, inst.ID)
	<-ctx.Done()
	logger.Println("Shutdown signal received")

	if dash != nil {
		if err := dash.Stop(); err != nil {
			logger.Printf("Warning: %v", err)
		}
	}
	return nil
}

// rebuildIndex re-projects every document into a fresh metadata cache.
func rebuildIndex(sdir *sd.SD, store *docstore.Store, idx *index.DB, logger *log.Logger) error {
	noteIDs, err := sdir.ListNoteIDs()
	if err != nil {
		return err
	}

	var notes []index.NoteMeta
	for _, noteID := range noteIDs {
		meta, err := store.ProjectMetadata(noteID)
		if err != nil {
			logger.Printf("Warning: failed to project %s: %v", noteID, err)
			continue
		}
		notes = append(notes, meta)
	}

	if err := idx.Rebuild(notes, nil); err != nil {
		return err
	}
	// The folder tree projects through the store's sink, which now points at
	// the freshly rebuilt tables.
	if _, err := store.ProjectMetadata(sd.FolderTreeID); err != nil {
		logger.Printf("Warning: failed to project folder tree: %v", err)
	}
	logger.Printf("Rebuilt metadata cache: %d notes", len(notes))
	return nil
}
