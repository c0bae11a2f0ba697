package exporter

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/phuslu/log"
	"github.com/zeebo/xxh3"

	"stack_exporter/internal/logger"
)

// pprofKey identifies an aggregation bucket: one thread name plus one stack.
type pprofKey uint64

// pprofAgg is the accumulated value of one bucket between flushes.
type pprofAgg struct {
	threadName string
	frames     []Frame
	count      int64
	wallNS     int64
	cpuNS      int64
}

// PprofWriter aggregates stack samples between flushes and writes each flush
// window out as a gzipped pprof profile (sample types samples/count,
// wall/nanoseconds, cpu/nanoseconds). Files rotate by timestamp under Dir.
type PprofWriter struct {
	dir string
	log log.Logger

	mu          sync.Mutex
	samples     map[pprofKey]*pprofAgg
	windowStart time.Time
	periodNS    int64

	stop chan struct{}
	done chan struct{}
}

// NewPprofWriter creates a writer rotating profiles under dir.
func NewPprofWriter(dir string) *PprofWriter {
	return &PprofWriter{
		dir:         dir,
		log:         logger.NewLoggerWithContext("pprof-writer"),
		samples:     make(map[pprofKey]*pprofAgg),
		windowStart: time.Now(),
	}
}

// Export implements Exporter. Exception samples carry no time attribution
// and are not representable in the profile; only stacks are aggregated.
func (w *PprofWriter) Export(batch Batch) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i := range batch.Stacks {
		s := &batch.Stacks[i]
		key := stackKey(s.ThreadName, s.Frames)
		agg, ok := w.samples[key]
		if !ok {
			agg = &pprofAgg{threadName: s.ThreadName, frames: s.Frames}
			w.samples[key] = agg
		}
		agg.count++
		agg.wallNS += s.WallTimeNS
		agg.cpuNS += s.CPUTimeNS
		w.periodNS = s.SamplingPeriodNS
	}
}

// stackKey hashes a thread name and frame list into a bucket key.
func stackKey(threadName string, frames []Frame) pprofKey {
	h := xxh3.New()
	_, _ = h.WriteString(threadName)
	for i := range frames {
		_, _ = h.WriteString(frames[i].Function)
		_, _ = h.WriteString(frames[i].File)
		var line [8]byte
		for b := 0; b < 8; b++ {
			line[b] = byte(frames[i].Line >> (8 * b))
		}
		_, _ = h.Write(line[:])
	}
	return pprofKey(h.Sum64())
}

// Start launches the periodic flusher.
func (w *PprofWriter) Start(interval time.Duration) {
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := w.Flush(); err != nil {
					w.log.Error().Err(err).Msg("Failed to flush pprof profile")
				}
			case <-w.stop:
				return
			}
		}
	}()
}

// Stop terminates the flusher and writes a final profile.
func (w *PprofWriter) Stop() {
	if w.stop != nil {
		close(w.stop)
		<-w.done
		w.stop = nil
	}
	if err := w.Flush(); err != nil {
		w.log.Error().Err(err).Msg("Failed to flush final pprof profile")
	}
}

// Flush writes the current aggregation window to a new profile file and
// resets the window. A window with no samples writes nothing.
func (w *PprofWriter) Flush() error {
	w.mu.Lock()
	samples := w.samples
	start := w.windowStart
	periodNS := w.periodNS
	w.samples = make(map[pprofKey]*pprofAgg)
	w.windowStart = time.Now()
	w.mu.Unlock()

	if len(samples) == 0 {
		return nil
	}

	p := buildProfile(samples, start, periodNS)

	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("failed to create profile directory %s: %w", w.dir, err)
	}
	name := fmt.Sprintf("stacks-%s.pb.gz", start.Format("20060102T150405"))
	path := filepath.Join(w.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create profile file %s: %w", path, err)
	}
	defer f.Close()

	if err := p.Write(f); err != nil {
		return fmt.Errorf("failed to write profile %s: %w", path, err)
	}
	w.log.Info().Str("path", path).Int("stacks", len(samples)).Msg("Wrote pprof profile")
	return nil
}

// buildProfile assembles a pprof profile from the aggregation buckets.
// Functions and locations are deduplicated across buckets.
func buildProfile(samples map[pprofKey]*pprofAgg, start time.Time, periodNS int64) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "samples", Unit: "count"},
			{Type: "wall", Unit: "nanoseconds"},
			{Type: "cpu", Unit: "nanoseconds"},
		},
		PeriodType:    &profile.ValueType{Type: "wall", Unit: "nanoseconds"},
		Period:        periodNS,
		TimeNanos:     start.UnixNano(),
		DurationNanos: time.Since(start).Nanoseconds(),
	}

	type funcKey struct {
		name string
		file string
	}
	type locKey struct {
		fn   funcKey
		line int
	}
	funcs := make(map[funcKey]*profile.Function)
	locs := make(map[locKey]*profile.Location)

	for _, agg := range samples {
		sample := &profile.Sample{
			Value: []int64{agg.count, agg.wallNS, agg.cpuNS},
			Label: map[string][]string{"thread_name": {agg.threadName}},
		}
		// Event frames are innermost first, which is pprof's location order.
		for i := range agg.frames {
			fr := &agg.frames[i]
			fk := funcKey{name: fr.Function, file: fr.File}
			fn, ok := funcs[fk]
			if !ok {
				fn = &profile.Function{
					ID:       uint64(len(funcs) + 1),
					Name:     fr.Function,
					Filename: fr.File,
				}
				funcs[fk] = fn
				p.Function = append(p.Function, fn)
			}
			lk := locKey{fn: fk, line: fr.Line}
			loc, ok := locs[lk]
			if !ok {
				loc = &profile.Location{
					ID:   uint64(len(locs) + 1),
					Line: []profile.Line{{Function: fn, Line: int64(fr.Line)}},
				}
				locs[lk] = loc
				p.Location = append(p.Location, loc)
			}
			sample.Location = append(sample.Location, loc)
		}
		p.Sample = append(p.Sample, sample)
	}
	return p
}
