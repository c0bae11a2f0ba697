// Package collector runs the sampling loop: a dedicated OS-level sampler
// thread that repeatedly walks the runtime's threads, measures its own cost,
// and stretches its sleep interval so profiling stays within a configured
// fraction of wall time.
package collector

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"github.com/zoobzio/clockz"

	"stack_exporter/internal/cputime"
	"stack_exporter/internal/exporter"
	"stack_exporter/internal/interp"
	"stack_exporter/internal/logger"
	"stack_exporter/internal/spanlink"
	"stack_exporter/internal/stackwalk"
	"stack_exporter/internal/tracing"
)

// MinIntervalS is the lower bound on the sampler's sleep, in seconds.
const MinIntervalS = 0.01

// samplerThreadName is how the sampler registers itself with the runtime.
const samplerThreadName = "stack_exporter:sampler"

// ErrAlreadyRunning is returned by Start on a running collector.
var ErrAlreadyRunning = errors.New("collector already running")

// Tracer is the span-source contract the collector consumes: callback
// registration for span starts. The embedded tracing.Tracer satisfies it.
type Tracer interface {
	OnStartSpan(handler tracing.StartHandler) uint64
	DeregisterOnStartSpan(id uint64)
}

// Config holds the sampler settings. Validated by New.
type Config struct {
	// MaxTimeUsagePct is the maximum fraction of wall time the sampler may
	// consume, in percent. Must satisfy 0 < v <= 100.
	MaxTimeUsagePct float64

	// MaxNFrames bounds the symbolized depth of each captured stack.
	MaxNFrames int

	// IgnoreProfiler drops events for the sampler's own threads.
	IgnoreProfiler bool

	// PerThreadCPU requests per-thread CPU clocks; silently degraded to the
	// process-wide fallback when the platform lacks them.
	PerThreadCPU bool
}

// StackCollector owns the sampler thread and, between Start and Stop, the
// ThreadTime and ThreadSpanLinks instances it samples with.
type StackCollector struct {
	cfg    Config
	reg    *interp.Registry
	tracer Tracer
	exp    exporter.Exporter
	clock  clockz.Clock
	log    log.Logger

	// OnShutdown, when set, runs on the sampler thread after a clean stop.
	// A pass that panics kills the sampler without running it.
	OnShutdown func()

	mu        sync.Mutex
	running   bool
	stopping  bool
	stop      chan struct{}
	done      chan struct{}
	handlerID uint64

	threadTime   cputime.Times
	links        *spanlink.ThreadSpanLinks
	perThreadCPU bool

	// Telemetry, read by the Prometheus stats collector.
	passes       atomic.Uint64
	stackSamples atomic.Uint64
	excSamples   atomic.Uint64
	walkErrors   atomic.Uint64
	lastPassNS   atomic.Int64
	intervalNS   atomic.Int64
	workNS       atomic.Int64
	sleepNS      atomic.Int64
	cpuChargedNS atomic.Int64
}

// New creates a collector. The tracer may be nil (no span correlation), as
// may the exporter (events are discarded). An out-of-range time budget is
// rejected here rather than clamped.
func New(reg *interp.Registry, cfg Config, tracer Tracer, exp exporter.Exporter) (*StackCollector, error) {
	return NewWithClock(reg, cfg, tracer, exp, clockz.RealClock)
}

// NewWithClock creates a collector with an injected clock for deterministic
// tests.
func NewWithClock(reg *interp.Registry, cfg Config, tracer Tracer, exp exporter.Exporter,
	clock clockz.Clock) (*StackCollector, error) {
	if cfg.MaxTimeUsagePct <= 0 || cfg.MaxTimeUsagePct > 100 {
		return nil, fmt.Errorf("max_time_usage_pct must satisfy 0 < v <= 100, got %g", cfg.MaxTimeUsagePct)
	}
	if cfg.MaxNFrames <= 0 {
		return nil, fmt.Errorf("max_nframes must be positive, got %d", cfg.MaxNFrames)
	}
	if exp == nil {
		exp = exporter.Discard{}
	}
	return &StackCollector{
		cfg:    cfg,
		reg:    reg,
		tracer: tracer,
		exp:    exp,
		clock:  clock,
		log:    logger.NewLoggerWithContext("stack-collector"),
	}, nil
}

// Features reports what the sampler can capture on this platform.
func (c *StackCollector) Features() map[string]bool {
	return map[string]bool{
		"cpu-time":         c.cfg.PerThreadCPU && cputime.PerThreadSupported(),
		"stack-exceptions": true,
	}
}

// Start instantiates the per-run state (ThreadTime, span links, tracer
// callback) and launches the sampler thread. Returns ErrAlreadyRunning when
// the collector is running.
func (c *StackCollector) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrAlreadyRunning
	}

	c.perThreadCPU = c.cfg.PerThreadCPU && cputime.PerThreadSupported()
	if c.perThreadCPU {
		c.threadTime = cputime.NewThreadTimes()
	} else {
		c.threadTime = cputime.NewProcessTimes()
	}

	if c.tracer != nil {
		c.links = spanlink.New()
		c.handlerID = c.tracer.OnStartSpan(c.links.LinkSpan)
	}

	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.stopping = false
	c.running = true

	go c.run(c.threadTime, c.links, c.stop, c.done)

	c.log.Info().
		Float64("max_time_usage_pct", c.cfg.MaxTimeUsagePct).
		Int("max_nframes", c.cfg.MaxNFrames).
		Bool("ignore_profiler", c.cfg.IgnoreProfiler).
		Bool("per_thread_cpu", c.perThreadCPU).
		Msg("Stack collector started")
	return nil
}

// Stop flags the sampler to exit and releases the per-run state. Idempotent,
// and a no-op on a collector that was never started. Use Join to wait for
// the sampler thread.
func (c *StackCollector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stop != nil && !c.stopping {
		c.stopping = true
		close(c.stop)
	}
	if c.tracer != nil && c.handlerID != 0 {
		c.tracer.DeregisterOnStartSpan(c.handlerID)
		c.handlerID = 0
	}
	c.threadTime = nil
	c.links = nil
}

// Join blocks until the sampler thread has exited. Safe to call repeatedly
// and before Start.
func (c *StackCollector) Join() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// run is the sampler loop. It owns a real OS thread for its lifetime:
// cooperative scheduling cannot be trusted to preempt CPU-bound user work,
// and the sampler must run even when the application never yields.
func (c *StackCollector) run(threadTime cputime.Times, links *spanlink.ThreadSpanLinks,
	stop <-chan struct{}, done chan<- struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	// The sampler registers with the runtime under its own name and records
	// its id in the profiler thread set. It never pushes a frame, so passes
	// never capture it, whatever ignore_profiler says.
	ts := c.reg.MainInterp().AttachThread(samplerThreadName)
	registerProfilerThread(ts.ID())

	clean := false
	defer func() {
		deregisterProfilerThread(ts.ID())
		ts.Detach()
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		close(done)
	}()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Str("panic", fmt.Sprint(r)).Msg("Sampler thread died")
			return
		}
		if clean && c.OnShutdown != nil {
			c.OnShutdown()
		}
	}()

	intervalS := MinIntervalS
	c.intervalNS.Store(int64(intervalS * 1e9))
	lastWall := c.clock.Now()

	for {
		select {
		case <-stop:
			clean = true
			return
		default:
		}

		t0 := c.clock.Now()
		wall := t0.Sub(lastWall)
		lastWall = t0

		batch, err := stackwalk.Walk(c.reg, stackwalk.Options{
			IgnoreProfiler:   c.cfg.IgnoreProfiler,
			MaxNFrames:       c.cfg.MaxNFrames,
			IntervalS:        intervalS,
			WallTime:         wall,
			Times:            threadTime,
			Links:            links,
			IsProfilerThread: IsProfilerThread,
		})
		used := c.clock.Since(t0)

		intervalS = Adapt(used, c.cfg.MaxTimeUsagePct)

		c.passes.Add(1)
		c.lastPassNS.Store(used.Nanoseconds())
		c.workNS.Add(used.Nanoseconds())
		c.intervalNS.Store(int64(intervalS * 1e9))

		if err != nil {
			// The pass is lost; component state is not.
			c.walkErrors.Add(1)
			c.log.Error().Err(err).Msg("Sampling pass aborted")
		} else {
			c.stackSamples.Add(uint64(len(batch.Stacks)))
			c.excSamples.Add(uint64(len(batch.Exceptions)))
			for i := range batch.Stacks {
				c.cpuChargedNS.Add(batch.Stacks[i].CPUTimeNS)
			}
			c.exp.Export(batch)
		}

		sleep := time.Duration(intervalS * float64(time.Second))
		c.sleepNS.Add(int64(sleep))
		select {
		case <-stop:
			clean = true
			return
		case <-c.clock.After(sleep):
		}
	}
}

// Adapt computes the next sleep interval in seconds from the cost of the
// pass that just ran. If the pass cost `used` and the budget is fraction
// f = pct/100 of wall time, the sleep s must satisfy used/(used+s) = f,
// giving s = used/f - used. Bounded below by MinIntervalS.
func Adapt(used time.Duration, pct float64) float64 {
	usedS := used.Seconds()
	interval := usedS/(pct/100) - usedS
	if interval < MinIntervalS {
		return MinIntervalS
	}
	return interval
}

// Stats is a snapshot of the sampler's self-telemetry.
type Stats struct {
	Running           bool
	PerThreadCPU      bool
	Passes            uint64
	StackSamples      uint64
	ExceptionSamples  uint64
	WalkErrors        uint64
	LastPassNS        int64
	CurrentIntervalNS int64
	WorkNS            int64
	SleepNS           int64
	CPUChargedNS      int64
}

// Stats returns the current telemetry snapshot.
func (c *StackCollector) Stats() Stats {
	c.mu.Lock()
	running := c.running
	perThread := c.perThreadCPU
	c.mu.Unlock()

	return Stats{
		Running:           running,
		PerThreadCPU:      perThread,
		Passes:            c.passes.Load(),
		StackSamples:      c.stackSamples.Load(),
		ExceptionSamples:  c.excSamples.Load(),
		WalkErrors:        c.walkErrors.Load(),
		LastPassNS:        c.lastPassNS.Load(),
		CurrentIntervalNS: c.intervalNS.Load(),
		WorkNS:            c.workNS.Load(),
		SleepNS:           c.sleepNS.Load(),
		CPUChargedNS:      c.cpuChargedNS.Load(),
	}
}

// DutyCycle returns work/(work+sleep) since start, zero before the first
// pass completes.
func (s Stats) DutyCycle() float64 {
	total := s.WorkNS + s.SleepNS
	if total == 0 {
		return 0
	}
	return float64(s.WorkNS) / float64(total)
}
