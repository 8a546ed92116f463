// Package factory is the per-call orchestration point: it draws two ports
// from a shared pool and constructs one RemoteProcess, wiring its release
// callback back into the same pool.
package factory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/cuemby/remoteproc/pkg/cluster"
	"github.com/cuemby/remoteproc/pkg/portpool"
	"github.com/cuemby/remoteproc/pkg/process"
	"github.com/cuemby/remoteproc/pkg/types"
)

// Factory is the adapter's only intended constructor. It holds the
// namespace, cluster client, caller host, heartbeat URL, and the port pool
// that is the contention point across concurrent children.
type Factory struct {
	client       cluster.Client
	namespace    string
	pool         *portpool.Pool
	callerHost   string
	heartbeatURL string
}

// Config configures a Factory.
type Config struct {
	Client     cluster.Client
	Namespace  string
	Pool       *portpool.Pool
	CallerHost string
	// HeartbeatURL is the URL every child's heartbeat sidecar polls. A
	// configurable field rather than a hard-coded loopback-to-host alias.
	HeartbeatURL string
}

// New constructs a Factory from cfg.
func New(cfg Config) *Factory {
	return &Factory{
		client:       cfg.Client,
		namespace:    cfg.Namespace,
		pool:         cfg.Pool,
		callerHost:   cfg.CallerHost,
		heartbeatURL: cfg.HeartbeatURL,
	}
}

// Create dequeues two ports from the pool (blocking if none are
// available), constructs one RemoteProcess for spawn, and returns it. On
// any construction failure both ports are already released by the
// adapter's own teardown before the error is returned.
func (f *Factory) Create(ctx context.Context, spawn types.Spawn) (*process.RemoteProcess, error) {
	outputPort, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring output port: %w", err)
	}
	errorPort, err := f.pool.Acquire(ctx)
	if err != nil {
		f.pool.Release(outputPort)
		return nil, fmt.Errorf("acquiring error port: %w", err)
	}

	name := "remoteproc-" + uuid.NewString()

	rp, err := process.Start(ctx, process.Config{
		Client:       f.client,
		Namespace:    f.namespace,
		Name:         name,
		Spawn:        spawn,
		OutputPort:   outputPort,
		ErrorPort:    errorPort,
		Release:      f.pool.Release,
		CallerHost:   f.callerHost,
		HeartbeatURL: f.heartbeatURL,
	})
	if err != nil {
		return nil, fmt.Errorf("starting remote process %s: %w", name, err)
	}
	return rp, nil
}
