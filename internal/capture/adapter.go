// Package capture bridges a speech recognizer's event stream into the
// transcript buffer and triggers debounced auto-summarization as new text
// arrives.
package capture

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/rs/zerolog"

	"github.com/noteflow/notes-gateway/internal/observability"
)

// ErrAlreadyListening is returned by Start while a session is active.
var ErrAlreadyListening = errors.New("capture: already listening")

// Option configures an Adapter.
type Option func(*Adapter)

// WithAutoSummarize installs the debounced summarization trigger. It receives
// the current authoritative+interim transcript.
func WithAutoSummarize(fn func(text string)) Option {
	return func(a *Adapter) { a.autoSummarize = fn }
}

// WithTranscriptSink installs a display callback invoked on every transcript
// change.
func WithTranscriptSink(fn func(text string)) Option {
	return func(a *Adapter) { a.transcriptSink = fn }
}

// WithErrorSink installs a callback for recognizer failures.
func WithErrorSink(fn func(err error)) Option {
	return func(a *Adapter) { a.errorSink = fn }
}

// WithSessionStart installs a hook invoked whenever a fresh listening session
// begins, right after the transcript buffer is cleared. Downstream display
// state resets hang off this.
func WithSessionStart(fn func()) Option {
	return func(a *Adapter) { a.sessionStart = fn }
}

// WithDebounce sets the auto-summarize debounce interval.
func WithDebounce(d time.Duration) Option {
	return func(a *Adapter) { a.debounced = debounce.New(d) }
}

// WithMinChars sets the transcript length below which auto-summarize never
// fires.
func WithMinChars(n int) Option {
	return func(a *Adapter) { a.minChars = n }
}

// Adapter drives one recognizer through a stopped/listening state machine.
// Final segments accumulate; the interim segment is replaced wholesale on
// every update. An unsolicited recognizer end restarts it, giving one
// continuous listening session across the recognizer's own session
// boundaries; the manual-stop flag is consulted at restart time because the
// user may stop after an auto-restart has already happened.
type Adapter struct {
	rec    Recognizer
	logger zerolog.Logger

	autoSummarize  func(text string)
	transcriptSink func(text string)
	errorSink      func(err error)
	sessionStart   func()
	debounced      func(f func())
	minChars       int

	mu         sync.Mutex
	listening  bool
	manualStop bool
	failed     bool
	finals     strings.Builder
	scratch    string
	started    time.Time
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewAdapter creates an adapter over rec.
func NewAdapter(rec Recognizer, logger zerolog.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		rec:       rec,
		logger:    logger.With().Str("component", "capture").Logger(),
		debounced: debounce.New(1200 * time.Millisecond),
		minChars:  10,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start begins a fresh listening session. The transcript buffer is cleared.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.listening {
		a.mu.Unlock()
		return ErrAlreadyListening
	}
	a.listening = true
	a.manualStop = false
	a.failed = false
	a.finals.Reset()
	a.scratch = ""
	a.started = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	done := make(chan struct{})
	a.done = done
	a.mu.Unlock()

	if a.sessionStart != nil {
		a.sessionStart()
	}

	if err := a.rec.Start(runCtx); err != nil {
		a.mu.Lock()
		a.listening = false
		a.mu.Unlock()
		cancel()
		close(done)
		return err
	}

	observability.RecordRecordingStart()
	a.logger.Info().Msg("Recording started")

	go a.run(runCtx, done)
	return nil
}

// Stop ends the session on user request. The recognizer is not restarted.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	if !a.listening {
		a.mu.Unlock()
		return nil
	}
	a.manualStop = true
	done := a.done
	a.mu.Unlock()

	err := a.rec.Stop()
	if done != nil {
		<-done
	}
	return err
}

// Listening reports whether a session is active.
func (a *Adapter) Listening() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listening
}

// Transcript returns the displayed transcript: authoritative finalized text
// plus the current interim segment.
func (a *Adapter) Transcript() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finals.String() + a.scratch
}

func (a *Adapter) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer a.endSession()

	events := a.rec.Events()
	for {
		select {
		case <-ctx.Done():
			_ = a.rec.Stop()
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch {
			case ev.Update != nil:
				a.onUpdate(ev.Update)
			case ev.Err != nil:
				a.onError(ev.Err)
				return
			case ev.Ended:
				if !a.restartAfterEnd(ctx) {
					return
				}
			}
		}
	}
}

func (a *Adapter) onUpdate(u *Update) {
	a.mu.Lock()
	a.scratch = ""
	for _, seg := range u.Segments {
		if seg.Final {
			a.appendFinalLocked(seg.Text)
		} else {
			a.scratch += seg.Text
		}
	}
	text := a.finals.String() + a.scratch
	a.mu.Unlock()

	if a.transcriptSink != nil {
		a.transcriptSink(text)
	}

	if a.autoSummarize != nil && len(strings.TrimSpace(text)) > a.minChars {
		a.debounced(func() {
			a.autoSummarize(a.Transcript())
		})
	}
}

// appendFinalLocked appends one finalized segment, keeping a single space
// separator between segments. Callers hold a.mu.
func (a *Adapter) appendFinalLocked(text string) {
	if text == "" {
		return
	}
	a.finals.WriteString(text)
	if !strings.HasSuffix(text, " ") {
		a.finals.WriteString(" ")
	}
}

// restartAfterEnd handles an unsolicited recognizer termination. It returns
// false when the session should end instead.
func (a *Adapter) restartAfterEnd(ctx context.Context) bool {
	a.mu.Lock()
	stop := a.manualStop || a.failed
	a.mu.Unlock()
	if stop {
		return false
	}

	a.logger.Debug().Msg("Recognizer ended on its own, restarting")
	if err := a.rec.Start(ctx); err != nil {
		a.logger.Error().Err(err).Msg("Recognizer restart failed")
		a.onError(err)
		return false
	}
	return true
}

func (a *Adapter) onError(err error) {
	a.mu.Lock()
	a.failed = true
	a.mu.Unlock()

	a.logger.Error().Err(err).Msg("Recognizer error")
	observability.RecordError("recognizer_error", "capture")
	if a.errorSink != nil {
		a.errorSink(err)
	}
	_ = a.rec.Stop()
}

func (a *Adapter) endSession() {
	a.mu.Lock()
	wasListening := a.listening
	a.listening = false
	started := a.started
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.mu.Unlock()

	if wasListening {
		observability.RecordRecordingEnd(started)
		a.logger.Info().Dur("duration", time.Since(started)).Msg("Recording stopped")
	}
}
