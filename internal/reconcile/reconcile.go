// Package reconcile renders a new summary against the previously displayed
// one, highlighting added word runs and letting the highlight decay back to
// plain text after a delay.
package reconcile

import (
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Render computes the display markup for next given the previously displayed
// prev. Word runs present in next but not in prev are wrapped in an added
// span; runs removed from prev are dropped entirely. This is forward-only
// reconciliation, not an edit history.
func Render(prev, next string) string {
	if prev == next {
		return Plain(next)
	}
	if next == "" {
		return ""
	}

	var b strings.Builder
	for _, d := range diffWords(prev, next) {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			b.WriteString(`<span class="hl-add">`)
			b.WriteString(MarkdownHTML(d.Text))
			b.WriteString(`</span>`)
		case diffmatchpatch.DiffEqual:
			b.WriteString(MarkdownHTML(d.Text))
		case diffmatchpatch.DiffDelete:
			// dropped
		}
	}
	return b.String()
}

// Plain renders next without any highlight markup.
func Plain(next string) string {
	return MarkdownHTML(next)
}

// diffWords diffs at word-run granularity: the texts are tokenized into
// alternating word and whitespace runs, each distinct run mapped to one rune,
// and the rune strings diffed. This keeps word boundaries intact where a
// character-level diff would split them.
func diffWords(prev, next string) []diffmatchpatch.Diff {
	prevRunes, nextRunes, runs := runsToRunes(prev, next)

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(prevRunes, nextRunes, false)

	out := make([]diffmatchpatch.Diff, 0, len(diffs))
	for _, d := range diffs {
		var b strings.Builder
		for _, r := range d.Text {
			b.WriteString(runs[r])
		}
		out = append(out, diffmatchpatch.Diff{Type: d.Type, Text: b.String()})
	}
	return out
}

// runsToRunes maps each distinct word/whitespace run to a unique rune.
func runsToRunes(a, b string) (string, string, map[rune]string) {
	index := make(map[string]rune)
	runs := make(map[rune]string)
	next := rune(1)

	encode := func(s string) string {
		var out strings.Builder
		for _, run := range tokenizeRuns(s) {
			r, ok := index[run]
			if !ok {
				r = next
				next++
				index[run] = r
				runs[r] = run
			}
			out.WriteRune(r)
		}
		return out.String()
	}

	return encode(a), encode(b), runs
}

// tokenizeRuns splits text into maximal runs of whitespace and non-whitespace.
func tokenizeRuns(s string) []string {
	var runs []string
	start := 0
	var inSpace bool
	for i, r := range s {
		isSpace := unicode.IsSpace(r)
		if i == 0 {
			inSpace = isSpace
			continue
		}
		if isSpace != inSpace {
			runs = append(runs, s[start:i])
			start = i
			inSpace = isSpace
		}
	}
	if start < len(s) {
		runs = append(runs, s[start:])
	}
	return runs
}

// Engine pushes reconciled markup to a display sink and manages the decay of
// added-span highlighting. At most one decay timer is live at a time: every
// Apply cancels the previous one before rendering.
type Engine struct {
	sink  func(markup string)
	decay time.Duration

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

// NewEngine creates an engine rendering into sink. decay controls how long
// highlights persist before the plain rendering replaces them.
func NewEngine(sink func(markup string), decay time.Duration) *Engine {
	return &Engine{sink: sink, decay: decay}
}

// Apply renders next against prev, pushes the markup to the sink and arms the
// decay timer. A pending decay from an earlier call is canceled first.
func (e *Engine) Apply(prev, next string) string {
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
	gen := e.gen

	markup := Render(prev, next)

	if prev != next {
		e.timer = time.AfterFunc(e.decay, func() {
			e.decayTo(gen, next)
		})
	}
	e.mu.Unlock()

	e.sink(markup)
	return markup
}

// Reset cancels any pending decay, for teardown or a new recording session.
func (e *Engine) Reset() {
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
	e.mu.Unlock()
}

func (e *Engine) decayTo(gen uint64, next string) {
	e.mu.Lock()
	if gen != e.gen {
		// A newer Apply superseded this timer between fire and lock.
		e.mu.Unlock()
		return
	}
	e.timer = nil
	e.mu.Unlock()

	e.sink(Plain(next))
}
