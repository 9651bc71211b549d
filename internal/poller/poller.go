// Package poller implements a self-rescheduling
// fallback sync that only does work when the push tunnel is down, with
// exponential backoff and jitter on failure and a halt flag for
// permanent (auth) errors, built as a timer-driven loop rather than a
// fixed ticker since the interval varies with backoff state.
package poller

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/orca-dev/orca/internal/orcalog"
)

const (
	baseBackoff = 30 * time.Second
	maxBackoff  = 5 * time.Minute

	// circuitOpenThreshold is the consecutive-failure count at which a
	// one-shot critical notice fires.
	circuitOpenThreshold = 10
)

// authMarkers are the substrings that classify an error as permanent.
var authMarkers = []string{"authentication failed", "HTTP 401", "HTTP 403"}

// TunnelStatus reports whether the push tunnel is currently connected.
type TunnelStatus interface {
	IsUp() bool
}

// SyncFunc performs one full sync, returning the error that drives
// backoff/halt classification.
type SyncFunc func(ctx context.Context) error

// Health is the poller's health snapshot.
type Health struct {
	Failures       int
	CurrentInterval time.Duration
	LastError      string
	LastErrorKind  string
	LastSuccessAt  *time.Time
	CircuitOpen    bool
	Halted         bool
}

// Poller is the fallback sync timer.
type Poller struct {
	tunnel TunnelStatus
	sync   SyncFunc
	log    orcalog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	timer  *time.Timer

	group singleflight.Group

	mu              sync.Mutex
	failures        int
	lastErr         string
	lastErrKind     string
	lastSuccessAt   *time.Time
	circuitOpen     bool
	halted          bool
	currentInterval time.Duration

	// onCircuitOpen fires once when failures cross circuitOpenThreshold.
	onCircuitOpen func()
}

// Config configures a Poller.
type Config struct {
	Tunnel        TunnelStatus
	Sync          SyncFunc
	Log           orcalog.Logger
	OnCircuitOpen func()
}

// New builds a Poller. The first tick fires immediately on Start.
func New(cfg Config) *Poller {
	log := cfg.Log
	if log == nil {
		log = orcalog.Nop()
	}
	return &Poller{
		tunnel:          cfg.Tunnel,
		sync:            cfg.Sync,
		log:             log,
		stopCh:          make(chan struct{}),
		currentInterval: baseBackoff,
		onCircuitOpen:   cfg.OnCircuitOpen,
	}
}

// Start begins the self-rescheduling loop.
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.run(ctx)
}

// Stop halts the loop and waits for the in-flight tick, if any, to finish.
func (p *Poller) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// Restart clears the halted flag and resets backoff, then restarts the
// loop. Callers must have called Stop first.
func (p *Poller) Restart(ctx context.Context) {
	p.mu.Lock()
	p.halted = false
	p.failures = 0
	p.currentInterval = baseBackoff
	p.mu.Unlock()

	p.stopCh = make(chan struct{})
	p.Start(ctx)
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	p.timer = time.NewTimer(0) // fire immediately
	defer p.timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-p.timer.C:
			if p.isHalted() {
				// a permanent error stops scheduling entirely
				// until Restart clears the flag.
				return
			}
			interval := p.tick(ctx)
			p.timer.Reset(interval)
		}
	}
}

// tick runs exactly one self-rescheduling cycle and returns the delay
// until the next one. A tick already in flight (triggered concurrently
// via ForceSync) collapses onto the same call.
func (p *Poller) tick(ctx context.Context) time.Duration {
	if p.tunnel != nil && p.tunnel.IsUp() {
		p.recordSuccess()
		return baseBackoff
	}

	_, _, _ = p.group.Do("sync", func() (interface{}, error) {
		err := p.sync(ctx)
		p.recordResult(err)
		return nil, nil
	})

	return p.nextInterval()
}

// ForceSync runs a sync immediately out of band (e.g. an operator
// trigger), sharing the overlap guard with the timer loop so a
// concurrently-scheduled tick doesn't double-run the same sync.
func (p *Poller) ForceSync(ctx context.Context) error {
	_, err, _ := p.group.Do("sync", func() (interface{}, error) {
		runErr := p.sync(ctx)
		p.recordResult(runErr)
		return nil, runErr
	})
	return err
}

func (p *Poller) recordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = 0
	p.circuitOpen = false
	p.lastErr = ""
	p.lastErrKind = ""
	now := time.Now().UTC()
	p.lastSuccessAt = &now
	p.currentInterval = baseBackoff
}

func (p *Poller) recordResult(err error) {
	if err == nil {
		p.recordSuccess()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.failures++
	p.lastErr = err.Error()

	if isPermanent(err) {
		p.lastErrKind = "permanent"
		p.halted = true
		p.log.Error("poller halted on permanent error", "error", err)
		return
	}

	p.lastErrKind = "transient"
	if p.failures == circuitOpenThreshold {
		p.circuitOpen = true
		p.log.Error("poller circuit open: consecutive failure threshold reached", "failures", p.failures)
		if p.onCircuitOpen != nil {
			p.onCircuitOpen()
		}
	}
}

// nextInterval computes the backoff delay: base·2^(n-1) capped
// at max, ±20% uniform jitter.
func (p *Poller) nextInterval() time.Duration {
	p.mu.Lock()
	n := p.failures
	p.mu.Unlock()

	if n == 0 {
		return baseBackoff
	}

	delay := baseBackoff
	for i := 1; i < n && delay < maxBackoff; i++ {
		delay *= 2
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}

	jitterFrac := 1 + (rand.Float64()*0.4 - 0.2) // 0.8..1.2
	jittered := time.Duration(float64(delay) * jitterFrac)

	p.mu.Lock()
	p.currentInterval = jittered
	p.mu.Unlock()

	return jittered
}

func (p *Poller) isHalted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halted
}

// isPermanent classifies err using the auth markers above.
func isPermanent(err error) bool {
	msg := err.Error()
	for _, marker := range authMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// HealthSnapshot returns the current health.
func (p *Poller) HealthSnapshot() Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Health{
		Failures:        p.failures,
		CurrentInterval: p.currentInterval,
		LastError:       p.lastErr,
		LastErrorKind:   p.lastErrKind,
		LastSuccessAt:   p.lastSuccessAt,
		CircuitOpen:     p.circuitOpen,
		Halted:          p.halted,
	}
}
