package reconcile

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRenderIdenticalHasNoHighlights(t *testing.T) {
	inputs := []string{
		"",
		"satu",
		"Meeting notes with several words",
		"**bold** and *italic*\nnext line",
	}
	for _, in := range inputs {
		out := Render(in, in)
		if strings.Contains(out, "hl-add") {
			t.Errorf("Render(%q, same) produced highlight spans: %s", in, out)
		}
		if out != Plain(in) {
			t.Errorf("Render(%q, same) != Plain: %s", in, out)
		}
	}
}

func TestRenderEmptyPrevMarksEverythingAdded(t *testing.T) {
	out := Render("", "Meeting notes")
	if !strings.HasPrefix(out, `<span class="hl-add">`) {
		t.Fatalf("expected whole text highlighted, got %s", out)
	}
	stripped := strings.ReplaceAll(out, `<span class="hl-add">`, "")
	stripped = strings.ReplaceAll(stripped, `</span>`, "")
	if stripped != "Meeting notes" {
		t.Fatalf("expected all words present as added, got %s", out)
	}
}

func TestRenderEmptyNextRendersNothing(t *testing.T) {
	if out := Render("anything at all", ""); out != "" {
		t.Fatalf("expected empty output, got %q", out)
	}
}

func TestRenderAppendedSuffixOnlyAdded(t *testing.T) {
	out := Render("Meeting", "Meeting notes")
	if !strings.Contains(out, "Meeting") {
		t.Fatalf("unchanged prefix missing: %s", out)
	}
	idx := strings.Index(out, `<span class="hl-add">`)
	if idx < 0 {
		t.Fatalf("expected added span: %s", out)
	}
	if strings.Contains(out[:idx], "notes") {
		t.Fatalf("suffix rendered outside added span: %s", out)
	}
	if !strings.Contains(out[idx:], "notes") {
		t.Fatalf("added span does not contain suffix: %s", out)
	}
}

func TestRenderRemovedRunsAreDropped(t *testing.T) {
	out := Render("hello cruel world", "hello world")
	if strings.Contains(out, "cruel") {
		t.Fatalf("removed word leaked into output: %s", out)
	}
	if strings.Contains(out, "<del>") || strings.Contains(out, "strike") {
		t.Fatalf("removed words must be dropped, not struck through: %s", out)
	}
}

func TestRenderIdempotent(t *testing.T) {
	prev := "catatan rapat pertama"
	next := "catatan rapat pertama dan kedua"
	a := Render(prev, next)
	b := Render(prev, next)
	if a != b {
		t.Fatalf("Render not deterministic:\n%s\n%s", a, b)
	}
}

func TestRenderEscapesMarkup(t *testing.T) {
	out := Render("", `<script>alert("x")</script> & <b>stuff</b>`)
	if strings.Contains(out, "<script>") || strings.Contains(out, "<b>") {
		t.Fatalf("input markup not escaped: %s", out)
	}
	if !strings.Contains(out, "&lt;script&gt;") {
		t.Fatalf("expected escaped entities: %s", out)
	}
}

func TestPlainMarkdownSubset(t *testing.T) {
	out := Plain("**Diagnosis:** jelas\nbaris *kedua*")
	if !strings.Contains(out, "<strong>Diagnosis:</strong>") {
		t.Errorf("bold not rendered: %s", out)
	}
	if !strings.Contains(out, "<em>kedua</em>") {
		t.Errorf("italic not rendered: %s", out)
	}
	if !strings.Contains(out, "<br>") {
		t.Errorf("line break not rendered: %s", out)
	}
}

func TestMarkdownAfterEscaping(t *testing.T) {
	// Escaping must not be undone by the markdown pass.
	out := Plain("**<tag>**")
	if strings.Contains(out, "<tag>") {
		t.Fatalf("markdown pass re-introduced raw markup: %s", out)
	}
	if !strings.Contains(out, "<strong>&lt;tag&gt;</strong>") {
		t.Fatalf("expected bold around escaped content: %s", out)
	}
}

type sinkRecorder struct {
	mu     sync.Mutex
	frames []string
}

func (s *sinkRecorder) push(markup string) {
	s.mu.Lock()
	s.frames = append(s.frames, markup)
	s.mu.Unlock()
}

func (s *sinkRecorder) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return ""
	}
	return s.frames[len(s.frames)-1]
}

func (s *sinkRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func TestEngineDecayRendersPlain(t *testing.T) {
	sink := &sinkRecorder{}
	engine := NewEngine(sink.push, 20*time.Millisecond)

	engine.Apply("Meeting", "Meeting notes")
	if !strings.Contains(sink.last(), "hl-add") {
		t.Fatal("expected highlighted frame immediately after Apply")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sink.last() == Plain("Meeting notes") {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("decay never rendered plain text, last frame: %s", sink.last())
}

func TestEngineDecayUsesLatestNext(t *testing.T) {
	sink := &sinkRecorder{}
	engine := NewEngine(sink.push, 20*time.Millisecond)

	// Several intermediate diffs before decay; only the last next counts.
	engine.Apply("", "Meet")
	engine.Apply("Meet", "Meeting")
	engine.Apply("Meeting", "Meeting notes")

	time.Sleep(100 * time.Millisecond)

	if got := sink.last(); got != Plain("Meeting notes") {
		t.Fatalf("expected plain rendering of the last next, got %s", got)
	}

	// Exactly one decay frame: earlier timers must have been canceled.
	if n := sink.count(); n != 4 {
		t.Fatalf("expected 3 apply frames + 1 decay frame, got %d", n)
	}
}

func TestEngineNoDecayWhenUnchanged(t *testing.T) {
	sink := &sinkRecorder{}
	engine := NewEngine(sink.push, 10*time.Millisecond)

	engine.Apply("same text", "same text")
	time.Sleep(50 * time.Millisecond)

	if n := sink.count(); n != 1 {
		t.Fatalf("expected a single plain frame and no decay, got %d", n)
	}
}

func TestEngineResetCancelsDecay(t *testing.T) {
	sink := &sinkRecorder{}
	engine := NewEngine(sink.push, 20*time.Millisecond)

	engine.Apply("", "highlighted")
	engine.Reset()
	time.Sleep(80 * time.Millisecond)

	if n := sink.count(); n != 1 {
		t.Fatalf("expected decay canceled after Reset, got %d frames", n)
	}
}

func TestTokenStreamReconciliation(t *testing.T) {
	// Streamed tokens "Meet", "ing", " notes": candidates "Meeting" then
	// "Meeting notes", each diffed against the previous displayed value.
	sink := &sinkRecorder{}
	engine := NewEngine(sink.push, time.Hour)

	displayed := ""
	buf := ""
	for _, token := range []string{"Meet", "ing", " notes"} {
		buf += token
		candidate := strings.TrimSpace(buf)
		engine.Apply(displayed, candidate)
		displayed = candidate
	}

	s := sink.frames
	if len(s) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(s))
	}
	// Third frame: "Meeting" unchanged, " notes" added.
	if !strings.Contains(s[2], "Meeting") {
		t.Fatalf("prefix missing in final frame: %s", s[2])
	}
	idx := strings.Index(s[2], `<span class="hl-add">`)
	if idx < 0 || strings.Contains(s[2][:idx], "notes") {
		t.Fatalf("only the appended suffix should be added: %s", s[2])
	}
}
