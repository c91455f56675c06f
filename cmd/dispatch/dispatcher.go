package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/nexusflow/dispatch/handoff"
	"github.com/nexusflow/dispatch/types"
)

// dispatcher fronts the handoff engine with a concurrency limit. The
// engine itself does not throttle; MaxConcurrentHandoffs is enforced
// here with a weighted semaphore.
type dispatcher struct {
	engine *handoff.Engine
	logger *zap.Logger

	mu    sync.Mutex
	limit int64
	sem   *semaphore.Weighted
}

func newDispatcher(engine *handoff.Engine, logger *zap.Logger) *dispatcher {
	limit := int64(engine.Config().MaxConcurrentHandoffs)
	return &dispatcher{
		engine: engine,
		logger: logger.With(zap.String("component", "dispatcher")),
		limit:  limit,
		sem:    semaphore.NewWeighted(limit),
	}
}

// acquireSem returns the semaphore matching the engine's current
// MaxConcurrentHandoffs. Weighted semaphores cannot be resized, so a limit
// change swaps in a fresh one; handoffs already in flight release against
// the semaphore they acquired.
func (d *dispatcher) acquireSem() *semaphore.Weighted {
	limit := int64(d.engine.Config().MaxConcurrentHandoffs)

	d.mu.Lock()
	defer d.mu.Unlock()
	if limit != d.limit {
		d.logger.Info("concurrency limit changed",
			zap.Int64("old", d.limit),
			zap.Int64("new", limit),
		)
		d.limit = limit
		d.sem = semaphore.NewWeighted(limit)
	}
	return d.sem
}

// Dispatch runs one handoff under the concurrency limit, blocking until
// a slot frees up or the context is cancelled.
func (d *dispatcher) Dispatch(ctx context.Context, source, target string, task *types.Task, payload map[string]any) (*handoff.Result, error) {
	sem := d.acquireSem()
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer sem.Release(1)
	return d.engine.InitiateHandoff(ctx, source, target, task, payload)
}

// dispatchRequest is the POST /dispatch body.
type dispatchRequest struct {
	Source  string         `json:"source"`
	Target  string         `json:"target,omitempty"`
	Task    types.Task     `json:"task"`
	Context map[string]any `json:"context,omitempty"`
}

func (d *dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := d.Dispatch(r.Context(), req.Source, req.Target, &req.Task, req.Context)
	if err != nil {
		d.logger.Warn("dispatch failed", zap.String("task_id", req.Task.ID), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		d.logger.Warn("encode response", zap.Error(err))
	}
}
