package worker

import (
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// SupervisorHealthMonitor reports whether the worker's supervisor still
// appears to be alive. The Waiting contract (spec §4.3) polls it once per
// wakeup rather than blocking on any single push signal (spec §5: "no
// fine-grained cancellation token").
type SupervisorHealthMonitor interface {
	Alive() bool
}

// ParentPIDMonitor detects supervisor death the usual daemon way: a
// re-exec'd worker's parent is the supervisor; if the worker is ever
// reparented (getppid changes, typically to the init process), the
// supervisor is gone. A background ticker updates cached state so
// Alive() never blocks.
type ParentPIDMonitor struct {
	expectedPPID int
	interval     time.Duration

	alive    atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewParentPIDMonitor records the current parent pid as the expected
// supervisor and starts a background poller. Call Stop when the worker
// exits its reuse loop.
func NewParentPIDMonitor(interval time.Duration) *ParentPIDMonitor {
	if interval <= 0 {
		interval = time.Second
	}
	m := &ParentPIDMonitor{
		expectedPPID: os.Getppid(),
		interval:     interval,
		stopCh:       make(chan struct{}),
	}
	m.alive.Store(true)
	m.wg.Add(1)
	go m.run()
	return m
}

func (m *ParentPIDMonitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.alive.Store(os.Getppid() == m.expectedPPID)
		case <-m.stopCh:
			return
		}
	}
}

// Alive reports the most recently observed parent-pid check.
func (m *ParentPIDMonitor) Alive() bool {
	return m.alive.Load()
}

// Stop halts the background poller. Safe to call more than once.
func (m *ParentPIDMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}
