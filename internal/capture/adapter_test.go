package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeRecognizer struct {
	mu     sync.Mutex
	events chan Event
	starts int
	stops  int
	// startErrs is consumed one per Start call; nil entries mean success.
	startErrs []error
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{events: make(chan Event, 16)}
}

func (f *fakeRecognizer) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if len(f.startErrs) > 0 {
		err := f.startErrs[0]
		f.startErrs = f.startErrs[1:]
		return err
	}
	return nil
}

func (f *fakeRecognizer) Stop() error {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	f.events <- Event{Ended: true}
	return nil
}

func (f *fakeRecognizer) Events() <-chan Event { return f.events }

func (f *fakeRecognizer) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeRecognizer) send(ev Event) { f.events <- ev }

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestTranscriptAccumulation(t *testing.T) {
	rec := newFakeRecognizer()
	var mu sync.Mutex
	var shown []string
	a := NewAdapter(rec, zerolog.Nop(), WithTranscriptSink(func(text string) {
		mu.Lock()
		shown = append(shown, text)
		mu.Unlock()
	}))

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer a.Stop()

	rec.send(Event{Update: &Update{Segments: []Segment{{Text: "hello ", Final: true}}}})
	rec.send(Event{Update: &Update{Segments: []Segment{{Text: "wor"}}}})
	waitFor(t, func() bool { return a.Transcript() == "hello wor" },
		"interim segment not appended to display")

	// The interim is replaced wholesale when it finalizes.
	rec.send(Event{Update: &Update{Segments: []Segment{{Text: "world ", Final: true}}}})
	waitFor(t, func() bool { return a.Transcript() == "hello world " },
		"finalized segment did not replace interim")

	mu.Lock()
	last := shown[len(shown)-1]
	mu.Unlock()
	if last != "hello world " {
		t.Errorf("sink saw %q, want %q", last, "hello world ")
	}
}

func TestInterimReplacedNotAppended(t *testing.T) {
	rec := newFakeRecognizer()
	a := NewAdapter(rec, zerolog.Nop())

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer a.Stop()

	rec.send(Event{Update: &Update{Segments: []Segment{{Text: "sel"}}}})
	rec.send(Event{Update: &Update{Segments: []Segment{{Text: "selamat"}}}})
	rec.send(Event{Update: &Update{Segments: []Segment{{Text: "selamat pagi"}}}})

	waitFor(t, func() bool { return a.Transcript() == "selamat pagi" },
		"interim updates must replace, not append")
}

func TestFinalSegmentsGetSpaceSeparator(t *testing.T) {
	rec := newFakeRecognizer()
	a := NewAdapter(rec, zerolog.Nop())

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer a.Stop()

	// Segments without trailing whitespace still get separated.
	rec.send(Event{Update: &Update{Segments: []Segment{{Text: "rapat", Final: true}}}})
	rec.send(Event{Update: &Update{Segments: []Segment{{Text: "dimulai", Final: true}}}})

	waitFor(t, func() bool { return a.Transcript() == "rapat dimulai " },
		"expected single-space separation between finals")
}

func TestUnsolicitedEndRestartsRecognizer(t *testing.T) {
	rec := newFakeRecognizer()
	a := NewAdapter(rec, zerolog.Nop())

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer a.Stop()

	rec.send(Event{Ended: true}) // silence timeout
	waitFor(t, func() bool { return rec.startCount() == 2 },
		"recognizer not restarted after unsolicited end")
	if !a.Listening() {
		t.Error("adapter stopped listening across recognizer session boundary")
	}

	// Transcript survives the restart.
	rec.send(Event{Update: &Update{Segments: []Segment{{Text: "lanjut ", Final: true}}}})
	waitFor(t, func() bool { return a.Transcript() == "lanjut " }, "update after restart lost")
}

func TestManualStopPreventsRestart(t *testing.T) {
	rec := newFakeRecognizer()
	a := NewAdapter(rec, zerolog.Nop())

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	if a.Listening() {
		t.Error("still listening after manual stop")
	}
	if n := rec.startCount(); n != 1 {
		t.Errorf("recognizer restarted after manual stop, %d starts", n)
	}
}

func TestRecognizerErrorStopsSession(t *testing.T) {
	rec := newFakeRecognizer()
	var mu sync.Mutex
	var surfaced error
	a := NewAdapter(rec, zerolog.Nop(), WithErrorSink(func(err error) {
		mu.Lock()
		surfaced = err
		mu.Unlock()
	}))

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	rec.send(Event{Err: errors.New("audio device lost")})
	waitFor(t, func() bool { return !a.Listening() }, "session never ended after error")

	mu.Lock()
	got := surfaced
	mu.Unlock()
	if got == nil {
		t.Fatal("error not surfaced")
	}
	if n := rec.startCount(); n != 1 {
		t.Errorf("recognizer restarted after explicit error, %d starts", n)
	}
}

func TestAutoSummarizeDebounced(t *testing.T) {
	rec := newFakeRecognizer()
	var mu sync.Mutex
	var calls []string
	a := NewAdapter(rec, zerolog.Nop(),
		WithDebounce(20*time.Millisecond),
		WithAutoSummarize(func(text string) {
			mu.Lock()
			calls = append(calls, text)
			mu.Unlock()
		}))

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer a.Stop()

	// A burst of updates coalesces into one summarize call.
	rec.send(Event{Update: &Update{Segments: []Segment{{Text: "pembukaan rapat ", Final: true}}}})
	rec.send(Event{Update: &Update{Segments: []Segment{{Text: "agenda pertama ", Final: true}}}})
	rec.send(Event{Update: &Update{Segments: []Segment{{Text: "diskusi anggaran ", Final: true}}}})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 1
	}, "debounced summarize never fired")

	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 {
		t.Fatalf("expected one coalesced call, got %d", len(calls))
	}
	if calls[0] != "pembukaan rapat agenda pertama diskusi anggaran " {
		t.Errorf("summarize received %q", calls[0])
	}
}

func TestAutoSummarizeSkipsShortTranscript(t *testing.T) {
	rec := newFakeRecognizer()
	var mu sync.Mutex
	var calls int
	a := NewAdapter(rec, zerolog.Nop(),
		WithDebounce(10*time.Millisecond),
		WithMinChars(10),
		WithAutoSummarize(func(string) {
			mu.Lock()
			calls++
			mu.Unlock()
		}))

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer a.Stop()

	rec.send(Event{Update: &Update{Segments: []Segment{{Text: "halo", Final: true}}}})
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Fatalf("auto-summarize fired for a %d-char transcript", len("halo "))
	}
}

func TestStartClearsPreviousSession(t *testing.T) {
	rec := newFakeRecognizer()
	a := NewAdapter(rec, zerolog.Nop())

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	rec.send(Event{Update: &Update{Segments: []Segment{{Text: "sesi lama ", Final: true}}}})
	waitFor(t, func() bool { return a.Transcript() == "sesi lama " }, "first session update lost")
	if err := a.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	defer a.Stop()
	if got := a.Transcript(); got != "" {
		t.Fatalf("transcript not cleared on new session: %q", got)
	}
}

func TestSessionStartHookFiresPerSession(t *testing.T) {
	rec := newFakeRecognizer()
	var mu sync.Mutex
	var fired int
	a := NewAdapter(rec, zerolog.Nop(), WithSessionStart(func() {
		mu.Lock()
		fired++
		mu.Unlock()
	}))

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// An unsolicited recognizer end restarts within the same session and must
	// not reset downstream state again.
	rec.send(Event{Ended: true})
	waitFor(t, func() bool { return rec.startCount() == 2 },
		"recognizer not restarted after unsolicited end")

	mu.Lock()
	got := fired
	mu.Unlock()
	if got != 1 {
		t.Fatalf("hook fired %d times during one session, want 1", got)
	}

	if err := a.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	defer a.Stop()

	mu.Lock()
	got = fired
	mu.Unlock()
	if got != 2 {
		t.Fatalf("hook fired %d times across two sessions, want 2", got)
	}
}

func TestStartWhileListening(t *testing.T) {
	rec := newFakeRecognizer()
	a := NewAdapter(rec, zerolog.Nop())

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer a.Stop()

	if err := a.Start(context.Background()); !errors.Is(err, ErrAlreadyListening) {
		t.Fatalf("expected ErrAlreadyListening, got %v", err)
	}
}
