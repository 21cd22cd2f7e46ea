package summarize

import (
	"sync"
	"time"
)

// watchdog is a single re-armable deadline timer. Arming cancels any previous
// deadline; a generation counter ensures a timer that fires concurrently with
// a disarm never runs its callback.
type watchdog struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

func (w *watchdog) arm(d time.Duration, fire func()) {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.timer = time.AfterFunc(d, func() {
		w.mu.Lock()
		live := gen == w.gen
		if live {
			w.timer = nil
		}
		w.mu.Unlock()
		if live {
			fire()
		}
	})
	w.mu.Unlock()
}

func (w *watchdog) disarm() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
	w.mu.Unlock()
}
