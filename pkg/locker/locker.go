// Package locker provides per-key mutual exclusion for transfer
// processing. A single-replica deployment uses the in-process locker; a
// multi-replica deployment uses the etcd locker so only one replica at a
// time runs the read-modify-write accounting for a given edge.
package locker

import (
	"context"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// Locker serializes critical sections by key.
type Locker interface {
	// Lock acquires the key's lock and returns the release function.
	Lock(ctx context.Context, key string) (func(), error)
}

// Local is an in-process locker backed by one mutex per key.
type Local struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocal creates an in-process locker.
func NewLocal() *Local {
	return &Local{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the per-key mutex.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock, nil
}

// Etcd locks keys through an etcd lease session.
type Etcd struct {
	client  *clientv3.Client
	session *concurrency.Session
	prefix  string
}

// NewEtcd connects to etcd and opens a lease session for locking.
func NewEtcd(endpoints []string, prefix string, dialTimeout time.Duration) (*Etcd, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	session, err := concurrency.NewSession(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to open etcd session: %w", err)
	}

	return &Etcd{client: client, session: session, prefix: prefix}, nil
}

// Lock acquires a distributed mutex on prefix/key.
func (e *Etcd) Lock(ctx context.Context, key string) (func(), error) {
	mutex := concurrency.NewMutex(e.session, e.prefix+"/"+key)
	if err := mutex.Lock(ctx); err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", key, err)
	}
	return func() {
		// Release on a fresh context: the caller's context may already be
		// cancelled and the lock must still be freed.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mutex.Unlock(unlockCtx)
	}, nil
}

// Close tears down the session and client.
func (e *Etcd) Close() error {
	if err := e.session.Close(); err != nil {
		e.client.Close()
		return err
	}
	return e.client.Close()
}
