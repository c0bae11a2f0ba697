package maps

import (
	"sync"
	"testing"
)

const keySpace = 1024

// implementations returns every ConcurrentMap implementation under test.
func implementations() map[string]func() ConcurrentMap[uint64, int] {
	return map[string]func() ConcurrentMap[uint64, int]{
		"xsync":   NewXSyncMap[uint64, int],
		"sharded": NewShardedMap[uint64, int],
		"sync":    NewStdSyncMap[uint64, int],
	}
}

func TestConcurrentMapBasics(t *testing.T) {
	for name, factory := range implementations() {
		t.Run(name, func(t *testing.T) {
			m := factory()

			if _, ok := m.Load(1); ok {
				t.Error("Load on empty map returned ok")
			}

			m.Store(1, 100)
			if v, ok := m.Load(1); !ok || v != 100 {
				t.Errorf("Load(1) = (%d, %v), want (100, true)", v, ok)
			}

			v, loaded := m.LoadOrStore(1, func() int { return 200 })
			if !loaded || v != 100 {
				t.Errorf("LoadOrStore on existing key = (%d, %v), want (100, true)", v, loaded)
			}
			v, loaded = m.LoadOrStore(2, func() int { return 200 })
			if loaded || v != 200 {
				t.Errorf("LoadOrStore on new key = (%d, %v), want (200, false)", v, loaded)
			}

			m.Delete(1)
			if _, ok := m.Load(1); ok {
				t.Error("Load after Delete returned ok")
			}

			seen := 0
			m.Range(func(key uint64, value int) bool {
				seen++
				return true
			})
			if seen != 1 {
				t.Errorf("Range visited %d entries, want 1", seen)
			}
		})
	}
}

func TestConcurrentMapParallel(t *testing.T) {
	for name, factory := range implementations() {
		t.Run(name, func(t *testing.T) {
			m := factory()
			var wg sync.WaitGroup

			// Writers, readers and a ranger hammer the same key space. The
			// test passes if the race detector stays quiet and nothing panics.
			for w := 0; w < 4; w++ {
				wg.Add(1)
				go func(seed uint64) {
					defer wg.Done()
					for i := uint64(0); i < keySpace; i++ {
						k := (i*31 + seed) % keySpace
						m.Store(k, int(k))
						m.Load(k)
						if k%7 == 0 {
							m.Delete(k)
						}
					}
				}(uint64(w))
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 100; i++ {
					m.Range(func(key uint64, value int) bool {
						return true
					})
				}
			}()
			wg.Wait()
		})
	}
}
