package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/owencairns/ad-generator-sub000/internal/brainstorm"
	"github.com/owencairns/ad-generator-sub000/internal/config"
	httpapi "github.com/owencairns/ad-generator-sub000/internal/http"
	"github.com/owencairns/ad-generator-sub000/internal/imagegen"
	"github.com/owencairns/ad-generator-sub000/internal/lock"
	"github.com/owencairns/ad-generator-sub000/internal/platform/firebase"
	"github.com/owencairns/ad-generator-sub000/internal/repo"
	"github.com/owencairns/ad-generator-sub000/internal/services"
	"github.com/owencairns/ad-generator-sub000/internal/storage"
)

// app owns every long-lived client. It is built once at startup and closed
// once on shutdown.
type app struct {
	db         *gorm.DB
	firebase   *firebase.Clients
	redis      *goredis.Client
	deps       httpapi.Deps
	reconciler *services.Reconciler
}

func bootstrap(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	// SQLite always backs the idempotency ledger, and the records too when
	// the sqlite store driver is selected.
	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.DBPath, err)
	}
	a.db = db
	if err := repo.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if cfg.Firebase.ProjectID != "" {
		a.firebase, err = firebase.Open(ctx, firebase.Config{
			ProjectID:       cfg.Firebase.ProjectID,
			ClientEmail:     cfg.Firebase.ClientEmail,
			PrivateKey:      cfg.Firebase.PrivateKey,
			CredentialsFile: cfg.Firebase.CredentialsFile,
			StorageBucket:   cfg.Firebase.StorageBucket,
			Firestore:       cfg.StoreDriver == config.StoreFirestore,
			Storage:         cfg.StorageDriver == config.StorageGCS,
			Auth:            true,
		})
		if err != nil {
			return nil, err
		}
	}

	var store repo.GenerationStore
	switch cfg.StoreDriver {
	case config.StoreFirestore:
		store = repo.NewFirestoreStore(a.firebase.Firestore)
	default:
		store = repo.NewSQLStore(db)
	}

	var objects storage.ObjectStore
	switch cfg.StorageDriver {
	case config.StorageGCS:
		objects = storage.NewGCSStore(a.firebase.Storage, a.firebase.Bucket)
	default:
		local, err := storage.NewLocalStore(cfg.LocalStorageDir, cfg.PublicBaseURL)
		if err != nil {
			return nil, err
		}
		objects = local
		a.deps.FilesDir = local.Dir
	}

	var locks lock.Locker = lock.NewMemory()
	if cfg.RedisAddr != "" {
		a.redis, err = lock.DialRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		locks = lock.NewRedis(a.redis, "")
	}

	images, err := imagegen.New(imagegen.Config{
		APIKey:  cfg.OpenAI.APIKey,
		BaseURL: cfg.OpenAI.BaseURL,
		Model:   cfg.OpenAI.ImageModel,
		Quality: cfg.OpenAI.Quality,
		Timeout: cfg.OpenAI.Timeout,
	})
	if err != nil {
		return nil, err
	}

	chat, err := brainstorm.New(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
	if err != nil {
		return nil, err
	}
	if !chat.Configured() {
		log.Warn().Msg("GOOGLE_API_KEY not set; brainstorm chat is disabled")
	}

	fetcher := &storage.Fetcher{
		Store:    objects,
		HTTP:     storage.PublicHTTPClient(time.Minute),
		MaxBytes: cfg.MaxImageBytes,
	}

	a.deps.Generations = &services.GenerationService{
		Store:       store,
		Images:      images,
		Fetcher:     fetcher,
		Objects:     objects,
		Locks:       locks,
		LockTTL:     cfg.EditLockTTL,
		FlowTimeout: cfg.FlowTimeout,
	}
	a.deps.Records = &services.RecordService{Store: store, Locks: locks}
	a.deps.Chat = chat
	a.deps.Watch = store
	if a.firebase != nil && a.firebase.Auth != nil {
		a.deps.Verify = a.firebase.VerifyIDToken
	}

	a.reconciler = &services.Reconciler{
		Store:      store,
		Locks:      locks,
		StaleAfter: cfg.StaleAfter,
	}

	log.Info().
		Str("store", cfg.StoreDriver).
		Str("storage", cfg.StorageDriver).
		Bool("redis_locks", a.redis != nil).
		Bool("auth", a.deps.Verify != nil).
		Bool("auth_required", cfg.AuthRequired).
		Msg("backing services ready")

	ok = true
	return a, nil
}

// Close releases clients in reverse order of construction.
func (a *app) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	errs = append(errs, a.firebase.Close())
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}

// purgeIdempotency drops expired ledger rows every interval until ctx ends.
func purgeIdempotency(ctx context.Context, db *gorm.DB, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := repo.PurgeExpiredIdempotency(ctx, db, now.UTC())
			if err != nil {
				log.Warn().Err(err).Msg("idempotency purge failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("rows", n).Msg("expired idempotency keys purged")
			}
		}
	}
}
