package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/kirychukyurii/vpn-node-balancer/internal/config"
	"github.com/kirychukyurii/vpn-node-balancer/internal/util"
)

// defaultLockPrefix is used when no lock prefix is configured
const defaultLockPrefix = "vpn-node-balancer/locks/"

// LockRepository grants exclusive background job runs across replicas
type LockRepository interface {
	// TryLock takes the named lock without waiting. acquired is false when
	// another replica holds it.
	TryLock(ctx context.Context, name string) (release func(), acquired bool, err error)

	// Close closes the etcd client connection
	Close() error
}

// etcdClient implements LockRepository
type etcdClient struct {
	client     *clientv3.Client
	prefix     string
	sessionTTL int
	logger     *slog.Logger
}

// NewEtcdRepository creates a new etcd lock repository
func NewEtcdRepository(cfg config.EtcdConfig, logger *slog.Logger) (LockRepository, error) {
	etcdCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	}

	// Configure TLS if provided
	if cfg.TLS != nil {
		tlsConfig, err := util.LoadTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		etcdCfg.TLS = tlsConfig
	}

	client, err := clientv3.New(etcdCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = client.Status(ctx, cfg.Endpoints[0])
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	logger.Info("connected to etcd cluster", slog.Any("endpoints", cfg.Endpoints))

	return &etcdClient{
		client:     client,
		prefix:     lockPrefix(cfg.LockPrefix),
		sessionTTL: cfg.SessionTTL,
		logger:     logger,
	}, nil
}

func lockPrefix(prefix string) string {
	if prefix == "" {
		return defaultLockPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

// TryLock opens a lease-backed session and takes the job mutex. The lease
// expires with the session TTL if this replica dies while holding the lock.
func (e *etcdClient) TryLock(ctx context.Context, name string) (func(), bool, error) {
	opts := []concurrency.SessionOption{concurrency.WithContext(ctx)}
	if e.sessionTTL > 0 {
		opts = append(opts, concurrency.WithTTL(e.sessionTTL))
	}

	session, err := concurrency.NewSession(e.client, opts...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create etcd session: %w", err)
	}

	key := e.prefix + name
	mutex := concurrency.NewMutex(session, key)
	if err := mutex.TryLock(ctx); err != nil {
		session.Close()
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to lock %s: %w", key, err)
	}

	e.logger.Debug("acquired job lock", slog.String("key", key))

	release := func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := mutex.Unlock(unlockCtx); err != nil {
			e.logger.Warn("failed to release job lock",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		session.Close()
	}

	return release, true, nil
}

// Close closes the etcd client connection
func (e *etcdClient) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}
