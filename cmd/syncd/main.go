package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tandem/syncd/internal/archive"
	"tandem/syncd/internal/autosave"
	"tandem/syncd/internal/catalog"
	"tandem/syncd/internal/config"
	"tandem/syncd/internal/control"
	"tandem/syncd/internal/doc"
	"tandem/syncd/internal/lifecycle"
	"tandem/syncd/internal/presence"
	"tandem/syncd/internal/snapshot"
	"tandem/syncd/internal/syncserver"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	var (
		store      snapshot.Store
		sqlCatalog *catalog.SQLCatalog
	)
	switch cfg.SnapshotBackend {
	case "object":
		objStore, err := snapshot.NewObjectStore(ctx, snapshot.ObjectConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			log.Fatalf("object store connection failed: %v", err)
		}
		store = objStore
	case "sql":
		db, err := snapshot.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()
		sqlStore, err := snapshot.NewSQLStore(ctx, db)
		if err != nil {
			log.Fatalf("snapshot schema failed: %v", err)
		}
		store = sqlStore
		sqlCatalog = catalog.NewSQLCatalog(db)
	default:
		log.Fatalf("unknown snapshot backend %q", cfg.SnapshotBackend)
	}

	reg := doc.NewRegistry(store)
	pipeline := autosave.New(store, reg, cfg.SaveAttempts, cfg.SaveBackoff)

	var meiliClient *catalog.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = catalog.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	catalogService := catalog.NewService(meiliClient, sqlCatalog)
	catalogService.Reindex(ctx)

	var tracker *presence.Tracker
	if strings.TrimSpace(cfg.RedisURL) != "" {
		var err error
		tracker, err = presence.New(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		// A crashed predecessor leaves ghost members behind.
		if err := tracker.Clear(ctx); err != nil {
			log.Printf("WARNING: presence clear error: %v", err)
		}
	}

	var archiveService *archive.Service
	if strings.TrimSpace(cfg.ArchiveDir) != "" {
		if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
			log.Fatalf("failed to create archive dir: %v", err)
		}
		archiveService = archive.New(cfg.ArchiveDir)
	}

	pipeline.AfterSave(func(ev doc.ChangeEvent) {
		catalogService.Index(catalog.Entry{
			DocumentID: ev.DocumentID,
			Reference:  ev.Reference,
			Seq:        ev.Seq,
			UpdatedAt:  ev.At,
		})
		if archiveService != nil {
			m := archive.Meta{DocumentID: ev.DocumentID, Reference: ev.Reference, Seq: ev.Seq, SavedAt: ev.At}
			if err := archiveService.Record(m, ev.State); err != nil {
				log.Printf("archive record %s seq %d: %v", ev.DocumentID, ev.Seq, err)
			}
		}
	})
	pipeline.Run(reg.Events())

	// The interface must stay nil when no tracker is configured; a typed nil
	// pointer would pass the server's nil check and then blow up.
	var pres syncserver.Presence
	if tracker != nil {
		pres = tracker
	}
	syncServer := syncserver.New(reg, cfg.IdleTimeout, pres)

	var syncHTTP, controlHTTP *http.Server
	coordinator := lifecycle.NewCoordinator(lifecycle.Steps{
		StopControl: func(ctx context.Context) error { return controlHTTP.Shutdown(ctx) },
		StopAccept: func(ctx context.Context) error {
			syncServer.BeginDrain()
			return syncHTTP.Shutdown(ctx)
		},
		DrainSaves: pipeline.Drain,
		CloseConns: syncServer.CloseAll,
		Cleanup: func() {
			if tracker != nil {
				clearCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := tracker.Clear(clearCtx); err != nil {
					log.Printf("presence clear error: %v", err)
				}
				cancel()
				tracker.Close()
			}
			catalogService.Close()
		},
	}, cfg.DrainTimeout)

	controlServer, err := control.New(control.Options{
		Registry:  reg,
		Pipeline:  pipeline,
		Store:     store,
		Catalog:   catalogService,
		Archive:   archiveService,
		Presence:  tracker,
		Phase:     coordinator.Phase,
		Token:     cfg.ControlToken,
		AllowCIDR: cfg.ControlAllowCIDR,
	})
	if err != nil {
		log.Fatalf("control server config failed: %v", err)
	}

	// No ReadTimeout or WriteTimeout on the sync listener: connections are
	// long-lived websockets with their own per-message deadlines.
	syncHTTP = &http.Server{
		Addr:              cfg.SyncAddr,
		Handler:           syncServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	controlHTTP = &http.Server{
		Addr:              cfg.ControlAddr,
		Handler:           controlServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("syncd sync endpoint listening on %s", cfg.SyncAddr)
		if err := syncHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("sync server failed: %v", err)
		}
	}()
	go func() {
		log.Printf("syncd control endpoint listening on %s", cfg.ControlAddr)
		if err := controlHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("control server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received %s, draining", sig)
	if err := coordinator.Shutdown(); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
