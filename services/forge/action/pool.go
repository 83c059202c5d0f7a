// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package action

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "forge_action_pool_in_use",
		Help: "Resources currently leased from the action pool",
	}, []string{"resource"})

	poolWaiting = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forge_action_pool_waiting",
		Help: "Requests queued for action pool resources",
	})

	poolRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_action_pool_rejected_total",
		Help: "Requests rejected because they exceed pool capacity",
	})

	poolWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forge_action_pool_wait_seconds",
		Help:    "Time spent waiting for action pool resources",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})
)

// ResourcePool gates concurrent action dispatch on three resource dimensions.
//
// Description:
//
//	A request larger than the pool total is rejected at submission. Requests
//	that fit wait in a queue ordered by priority (higher first) and, for equal
//	priority, by arrival. The head of the queue is served strictly: a later
//	request never overtakes it, so large requests are not starved by a
//	stream of small ones.
//
// Thread Safety:
//
//	Safe for concurrent use.
type ResourcePool struct {
	total  ResourceSet
	logger *slog.Logger

	mu      sync.Mutex
	inUse   ResourceSet
	waiters waitQueue
	seq     uint64
}

// NewResourcePool creates a pool with the given capacity.
//
// Outputs:
//
//	*ResourcePool - Empty pool.
//	error - ErrInvalidResources if any component of total is not positive.
func NewResourcePool(total ResourceSet) (*ResourcePool, error) {
	if err := total.Validate(); err != nil {
		return nil, fmt.Errorf("pool capacity: %w", err)
	}
	return &ResourcePool{
		total:  total,
		logger: slog.Default().With(slog.String("component", "resource_pool")),
	}, nil
}

// Lease is a grant of resources. Release it exactly once; later calls are
// no-ops.
type Lease struct {
	pool *ResourcePool
	req  ResourceSet
	once sync.Once
}

// Resources returns the leased amount.
func (l *Lease) Resources() ResourceSet { return l.req }

// Release returns the leased resources and wakes waiters that now fit.
func (l *Lease) Release() {
	l.once.Do(func() {
		p := l.pool
		p.mu.Lock()
		p.inUse = p.inUse.Sub(l.req)
		p.dispatchLocked()
		p.mu.Unlock()
	})
}

// Acquire waits until req can be leased.
//
// Inputs:
//
//	ctx - Cancelling it abandons the wait.
//	req - Requested amounts. Zero components are allowed.
//	priority - Higher values are served first.
//
// Outputs:
//
//	*Lease - The grant. Must be released.
//	error - ErrResourcesExceedCapacity immediately if req cannot ever fit,
//	        ErrInvalidResources for a malformed request, or the context's
//	        error if the wait was abandoned.
func (p *ResourcePool) Acquire(ctx context.Context, req ResourceSet, priority int) (*Lease, error) {
	if err := req.validateRequest(); err != nil {
		return nil, err
	}
	if !req.Fits(p.total) {
		poolRejected.Inc()
		p.logger.Debug("resource request rejected",
			slog.String("requested", req.String()),
			slog.String("capacity", p.total.String()),
		)
		return nil, fmt.Errorf("%w: requested %s, capacity %s", ErrResourcesExceedCapacity, req, p.total)
	}

	p.mu.Lock()
	if len(p.waiters) == 0 && p.inUse.Add(req).Fits(p.total) {
		p.grantLocked(req)
		p.publishLocked()
		p.mu.Unlock()
		return &Lease{pool: p, req: req}, nil
	}
	p.seq++
	w := &waiter{req: req, priority: priority, seq: p.seq, ready: make(chan struct{})}
	heap.Push(&p.waiters, w)
	p.publishLocked()
	p.mu.Unlock()

	start := time.Now()
	select {
	case <-w.ready:
		poolWait.Observe(time.Since(start).Seconds())
		return &Lease{pool: p, req: req}, nil
	case <-ctx.Done():
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if w.granted {
		// Granted while we were giving up; hand it straight back.
		p.inUse = p.inUse.Sub(req)
	} else {
		heap.Remove(&p.waiters, w.index)
	}
	p.dispatchLocked()
	return nil, fmt.Errorf("waiting for resources %s: %w", req, context.Cause(ctx))
}

// InUse returns the amount currently leased.
func (p *ResourcePool) InUse() ResourceSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Total returns the pool capacity.
func (p *ResourcePool) Total() ResourceSet { return p.total }

// Waiting returns the number of queued requests.
func (p *ResourcePool) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

func (p *ResourcePool) grantLocked(req ResourceSet) {
	p.inUse = p.inUse.Add(req)
}

func (p *ResourcePool) publishLocked() {
	poolInUse.WithLabelValues("memory_mb").Set(p.inUse.MemoryMB)
	poolInUse.WithLabelValues("cpu").Set(p.inUse.CPU)
	poolInUse.WithLabelValues("io_weight").Set(p.inUse.IOWeight)
	poolWaiting.Set(float64(len(p.waiters)))
}

// dispatchLocked grants queued requests in order while the head fits.
func (p *ResourcePool) dispatchLocked() {
	for len(p.waiters) > 0 {
		head := p.waiters[0]
		if !p.inUse.Add(head.req).Fits(p.total) {
			break
		}
		heap.Pop(&p.waiters)
		p.grantLocked(head.req)
		head.granted = true
		close(head.ready)
	}
	p.publishLocked()
}

// =============================================================================
// Wait Queue
// =============================================================================

type waiter struct {
	req      ResourceSet
	priority int
	seq      uint64
	ready    chan struct{}
	granted  bool
	index    int
}

// waitQueue is a container/heap max-heap on priority, FIFO within a priority.
type waitQueue []*waiter

func (q waitQueue) Len() int { return len(q) }

func (q waitQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waitQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waitQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}
