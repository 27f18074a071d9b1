package main

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/devsync"
	"github.com/unkn0wn-root/devsync/codec"
	"github.com/unkn0wn-root/devsync/config"
	"github.com/unkn0wn-root/devsync/genstore"
	zaplog "github.com/unkn0wn-root/devsync/log/zap"
	"github.com/unkn0wn-root/devsync/pairing"
	"github.com/unkn0wn-root/devsync/provider/redis"
)

// app holds the collaborators shared by all commands. Tests fill it in
// directly; otherwise open builds it from the environment.
type app struct {
	issuer *pairing.Issuer
	state  devsync.StateCache[[]byte]
	log    *zap.Logger

	owned bool // opened here, so Close releases it
	rdb   goredis.UniversalClient
}

func (a *app) ready() bool { return a.issuer != nil && a.state != nil }

func (a *app) open(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := newZap(cfg.LogLevel)
	if err != nil {
		return err
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}

	// provider and genstore share rdb; app closes it
	p, err := redis.New(redis.Config{Client: rdb})
	if err != nil {
		_ = rdb.Close()
		return err
	}
	gens, err := genstore.NewRedisGenStore(genstore.RedisConfig{
		Client:    rdb,
		Namespace: cfg.Namespace,
		TTL:       cfg.GenTTL,
	})
	if err != nil {
		_ = rdb.Close()
		return err
	}

	dl := zaplog.ZapLogger{L: logger}
	state, err := devsync.New[[]byte](devsync.Options[[]byte]{
		Namespace: cfg.Namespace,
		Provider:  p,
		Codec:     codec.Bytes{},
		GenStore:  gens,
		Logger:    dl,
		OpTimeout: cfg.OpTimeout,
	})
	if err != nil {
		_ = rdb.Close()
		return err
	}
	issuer, err := pairing.New(pairing.Options{
		Provider:    p,
		Namespace:   cfg.Namespace,
		TTL:         cfg.PairingTTL,
		MaxAttempts: cfg.PairingMaxAttempts,
		OpTimeout:   cfg.OpTimeout,
		Logger:      dl,
	})
	if err != nil {
		_ = rdb.Close()
		return err
	}

	a.issuer, a.state, a.log = issuer, state, logger
	a.rdb, a.owned = rdb, true
	return nil
}

func (a *app) Close(ctx context.Context) error {
	if !a.owned {
		return nil
	}
	a.owned = false
	var errs []error
	errs = append(errs, a.state.Close(ctx))
	errs = append(errs, a.rdb.Close())
	_ = a.log.Sync()
	return errors.Join(errs...)
}

func (a *app) logger() *zap.Logger {
	if a.log == nil {
		return zap.NewNop()
	}
	return a.log
}

func newZap(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.DisableStacktrace = true
	return zc.Build()
}
