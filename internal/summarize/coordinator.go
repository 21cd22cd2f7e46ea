// Package summarize orchestrates a single logical "summarize this text"
// operation over the streaming connection, with a first-token watchdog that
// falls back to the synchronous HTTP endpoint when the stream stays silent.
package summarize

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noteflow/notes-gateway/internal/observability"
	"github.com/noteflow/notes-gateway/internal/stream"
)

var (
	// ErrInFlight is returned when a summarize request is attempted while one
	// is already live. Requests are rejected, never queued.
	ErrInFlight = errors.New("summarize: request already in flight")
	// ErrEmptyText is returned when the transcript is empty after trimming.
	ErrEmptyText = errors.New("summarize: nothing to summarize")
	// ErrNotReady is returned when the stream is still not connected after the
	// single grace retry. The HTTP fallback is reserved for the watchdog path;
	// a request without a connection aborts instead.
	ErrNotReady = errors.New("summarize: summarization server not ready")
)

// Streamer is the slice of the stream manager the coordinator drives.
type Streamer interface {
	Connected() bool
	Authenticate(ctx context.Context) error
	Summarize(text string) error
	StopStream() error
}

// Fallback produces a complete summary synchronously.
type Fallback interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Display receives reconciled summary updates. reconcile.Engine satisfies it.
type Display interface {
	Apply(prev, next string) string
	Reset()
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithWatchdog sets the no-first-token deadline before the HTTP fallback.
func WithWatchdog(d time.Duration) Option {
	return func(c *Coordinator) { c.watchdogDur = d }
}

// WithAuthTimeout bounds the pre-flight authenticate handshake.
func WithAuthTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.authTimeout = d }
}

// WithConnectRetryDelay sets the single grace delay when the stream is not
// connected at request time.
func WithConnectRetryDelay(d time.Duration) Option {
	return func(c *Coordinator) { c.retryDelay = d }
}

// WithProgress installs a busy-indicator callback.
func WithProgress(fn func(active bool)) Option {
	return func(c *Coordinator) { c.progress = fn }
}

// WithErrorSink installs a callback for user-facing error messages.
func WithErrorSink(fn func(msg string)) Option {
	return func(c *Coordinator) { c.errorSink = fn }
}

// Coordinator owns the lifecycle of at most one summarization request at a
// time. Three accumulators drive the displayed candidate text:
//
//	lastFinal  last server-finalized summary, the reconciliation baseline
//	pending    fragments reconciled into the display since the last final
//	tokenBuf   raw streamed fragments not yet reconciled
//
// The candidate shown after every token is lastFinal + pending + tokenBuf.
// A final signal replaces all three with the server's text; an end without a
// final adopts the accumulated candidate as finalized.
type Coordinator struct {
	streamer Streamer
	fallback Fallback
	display  Display
	logger   zerolog.Logger

	watchdogDur time.Duration
	authTimeout time.Duration
	retryDelay  time.Duration

	progress  func(bool)
	errorSink func(string)

	dog watchdog

	mu           sync.Mutex
	inFlight     bool
	gen          uint64
	reqText      string
	showProgress bool
	firstToken   bool
	retriedAuth  bool
	lastFinal    string
	pending      string
	tokenBuf     strings.Builder
	displayed    string
	metrics      *observability.RequestMetrics
}

// NewCoordinator wires the coordinator to its streaming path, HTTP fallback
// and display sink.
func NewCoordinator(streamer Streamer, fallback Fallback, display Display, logger zerolog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		streamer:    streamer,
		fallback:    fallback,
		display:     display,
		logger:      logger.With().Str("component", "summarize").Logger(),
		watchdogDur: 3 * time.Second,
		authTimeout: 2 * time.Second,
		retryDelay:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestSummarize starts one summarization request for text. It returns once
// the streaming request is emitted; the stream events complete it later, or
// the watchdog completes it via the HTTP fallback. A request that cannot reach
// an authenticated stream aborts with a surfaced error.
func (c *Coordinator) RequestSummarize(ctx context.Context, text string, showProgress bool) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}

	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		c.logger.Debug().Msg("Summarize request dropped, one already in flight")
		return ErrInFlight
	}
	c.inFlight = true
	c.gen++
	gen := c.gen
	c.reqText = text
	c.showProgress = showProgress
	c.firstToken = false
	c.retriedAuth = false
	c.tokenBuf.Reset()
	c.metrics = observability.NewRequestMetrics()
	c.mu.Unlock()

	c.setProgress(gen, true)

	if !c.streamer.Connected() {
		// One grace period for a connection that is still coming up.
		select {
		case <-time.After(c.retryDelay):
		case <-ctx.Done():
			c.abort(gen, "stream", ctx.Err())
			return ctx.Err()
		}
		if !c.streamer.Connected() {
			c.logger.Warn().Msg("Stream still not connected after grace delay")
			c.abort(gen, "stream", ErrNotReady)
			return ErrNotReady
		}
	}

	authCtx, cancel := context.WithTimeout(ctx, c.authTimeout)
	err := c.streamer.Authenticate(authCtx)
	cancel()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Pre-flight authenticate failed")
		c.abort(gen, "stream", err)
		return err
	}

	if err := c.streamer.Summarize(text); err != nil {
		c.logger.Warn().Err(err).Msg("Stream emit failed")
		c.abort(gen, "stream", err)
		return err
	}

	c.mu.Lock()
	if gen == c.gen && c.metrics != nil {
		c.metrics.RecordEmit()
	}
	c.mu.Unlock()

	c.dog.arm(c.watchdogDur, func() { c.onWatchdog(gen) })
	return nil
}

// HandleSummaryEvent processes one decoded summary_stream variant. Wire it to
// the stream manager's OnSummary handler.
func (c *Coordinator) HandleSummaryEvent(ev stream.SummaryEvent) {
	switch ev := ev.(type) {
	case stream.TokenEvent:
		c.onToken(ev.Token)
	case stream.FinalEvent:
		c.onFinal(ev.Final)
	case stream.EndEvent:
		c.onEnd()
	case stream.ErrorEvent:
		c.onStreamError(ev)
	}
}

// HandleAuthFailure processes an unsolicited authentication rejection from
// the stream. Wire it to the manager's OnAuthFailure handler.
func (c *Coordinator) HandleAuthFailure(err error) {
	c.mu.Lock()
	live := c.inFlight
	retried := c.retriedAuth
	gen := c.gen
	text := c.reqText
	c.mu.Unlock()
	if !live {
		return
	}
	if retried {
		c.failActive(gen, "authentication failed: "+err.Error())
		return
	}
	go c.retryAfterReauth(gen, text)
}

// CancelActive abandons the in-flight request, if any. Accumulated display
// state is kept.
func (c *Coordinator) CancelActive() {
	c.dog.disarm()

	c.mu.Lock()
	if !c.inFlight {
		c.mu.Unlock()
		return
	}
	c.inFlight = false
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	_ = c.streamer.StopStream()
	c.setProgress(gen, false)
	c.logger.Debug().Msg("Active summarize request canceled")
}

// ResetSession clears everything for a fresh recording session.
func (c *Coordinator) ResetSession() {
	c.CancelActive()

	c.mu.Lock()
	c.lastFinal = ""
	c.pending = ""
	c.tokenBuf.Reset()
	c.displayed = ""
	c.mu.Unlock()

	c.display.Reset()
}

// InFlight reports whether a request is currently live.
func (c *Coordinator) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// LastSummary returns the current summary text, including any fragments of a
// stream still in progress.
func (c *Coordinator) LastSummary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.candidateLocked()
}

func (c *Coordinator) onToken(token string) {
	c.mu.Lock()
	if !c.inFlight {
		c.mu.Unlock()
		return
	}
	if !c.firstToken {
		c.firstToken = true
		c.dog.disarm()
		if c.metrics != nil {
			c.metrics.RecordFirstToken()
		}
	}
	observability.RecordStreamToken()

	c.tokenBuf.WriteString(token)
	prev := c.displayed
	next := c.candidateLocked()
	c.displayed = next
	// Reconciled fragments move from the raw token buffer to pending.
	c.pending += c.tokenBuf.String()
	c.tokenBuf.Reset()
	c.mu.Unlock()

	c.display.Apply(prev, next)
}

func (c *Coordinator) onFinal(final string) {
	c.mu.Lock()
	if !c.inFlight {
		c.mu.Unlock()
		return
	}
	// A final ends the stall window just like a token would; the watchdog
	// fallback is only for streams that produced nothing at all.
	if !c.firstToken {
		c.firstToken = true
		c.dog.disarm()
	}
	final = strings.TrimSpace(final)
	prev := c.displayed
	c.lastFinal = final
	c.pending = ""
	c.tokenBuf.Reset()
	c.displayed = final
	c.mu.Unlock()

	c.display.Apply(prev, final)
}

func (c *Coordinator) onEnd() {
	c.dog.disarm()

	c.mu.Lock()
	if !c.inFlight {
		c.mu.Unlock()
		return
	}
	// Stream ended without an explicit final: adopt what accumulated.
	prev := c.displayed
	next := c.candidateLocked()
	changed := next != prev
	c.lastFinal = next
	c.pending = ""
	c.tokenBuf.Reset()
	c.displayed = next
	gen := c.gen
	c.inFlight = false
	metrics := c.metrics
	c.mu.Unlock()

	if changed {
		c.display.Apply(prev, next)
	}
	if metrics != nil {
		metrics.RecordDone()
	}
	observability.RecordSummarizeResult("stream", true)
	c.setProgress(gen, false)
}

func (c *Coordinator) onStreamError(ev stream.ErrorEvent) {
	c.mu.Lock()
	live := c.inFlight
	retried := c.retriedAuth
	gen := c.gen
	text := c.reqText
	c.mu.Unlock()
	if !live {
		return
	}

	if ev.Unauthorized() && !retried {
		c.logger.Info().Msg("Stream rejected request as unauthorized, re-authenticating once")
		go c.retryAfterReauth(gen, text)
		return
	}

	c.failActive(gen, ev.Surface())
}

// retryAfterReauth runs the single re-authenticate-and-retry cycle allowed
// per request.
func (c *Coordinator) retryAfterReauth(gen uint64, text string) {
	c.dog.disarm()

	c.mu.Lock()
	if gen != c.gen || !c.inFlight || c.retriedAuth {
		c.mu.Unlock()
		return
	}
	c.retriedAuth = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.authTimeout)
	err := c.streamer.Authenticate(ctx)
	cancel()
	if err != nil {
		c.failActive(gen, "authentication failed: "+err.Error())
		return
	}

	if err := c.streamer.Summarize(text); err != nil {
		c.failActive(gen, err.Error())
		return
	}

	c.mu.Lock()
	if gen == c.gen && c.metrics != nil {
		c.metrics.RecordEmit()
	}
	c.mu.Unlock()

	c.dog.arm(c.watchdogDur, func() { c.onWatchdog(gen) })
}

// onWatchdog fires when no token arrived before the deadline: cooperatively
// stop the stream and take the HTTP path.
func (c *Coordinator) onWatchdog(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || !c.inFlight || c.firstToken {
		c.mu.Unlock()
		return
	}
	text := c.reqText
	c.mu.Unlock()

	c.logger.Warn().Dur("deadline", c.watchdogDur).Msg("No streamed token before deadline, falling back to HTTP")
	observability.RecordWatchdogFallback()
	_ = c.streamer.StopStream()
	_ = c.fallbackToHTTP(context.Background(), gen, text)
}

// fallbackToHTTP completes the request via the synchronous endpoint. The
// streaming request is finished from the coordinator's point of view before
// the round trip, so the in-flight flag does not outlive the stream path.
func (c *Coordinator) fallbackToHTTP(ctx context.Context, gen uint64, text string) error {
	c.dog.disarm()

	c.mu.Lock()
	if gen != c.gen || !c.inFlight {
		c.mu.Unlock()
		return nil
	}
	c.inFlight = false
	metrics := c.metrics
	c.mu.Unlock()

	summary, err := c.fallback.Summarize(ctx, text)

	if metrics != nil {
		metrics.RecordDone()
	}
	c.setProgress(gen, false)

	if err != nil {
		observability.RecordSummarizeResult("http_fallback", false)
		c.surfaceError(err.Error())
		return err
	}
	observability.RecordSummarizeResult("http_fallback", true)

	c.mu.Lock()
	if gen != c.gen {
		// A newer request started during the round trip; its output wins.
		c.mu.Unlock()
		return nil
	}
	summary = strings.TrimSpace(summary)
	prev := c.displayed
	c.lastFinal = summary
	c.pending = ""
	c.tokenBuf.Reset()
	c.displayed = summary
	c.mu.Unlock()

	c.display.Apply(prev, summary)
	return nil
}

// candidateLocked composes the current full-text candidate. Callers hold c.mu.
func (c *Coordinator) candidateLocked() string {
	return strings.TrimSpace(c.lastFinal + c.pending + c.tokenBuf.String())
}

// abort finishes the active request without a result.
func (c *Coordinator) abort(gen uint64, path string, err error) {
	c.dog.disarm()

	c.mu.Lock()
	if gen != c.gen || !c.inFlight {
		c.mu.Unlock()
		return
	}
	c.inFlight = false
	metrics := c.metrics
	c.mu.Unlock()

	if metrics != nil {
		metrics.RecordDone()
	}
	observability.RecordSummarizeResult(path, false)
	c.setProgress(gen, false)
	c.surfaceError(err.Error())
}

func (c *Coordinator) failActive(gen uint64, msg string) {
	c.abort(gen, "stream", errors.New(msg))
}

// setProgress toggles the busy indicator, only when this request asked for it
// and is still the current one.
func (c *Coordinator) setProgress(gen uint64, active bool) {
	if c.progress == nil {
		return
	}
	c.mu.Lock()
	show := c.showProgress && gen == c.gen
	c.mu.Unlock()
	if show {
		c.progress(active)
	}
}

func (c *Coordinator) surfaceError(msg string) {
	observability.RecordError("request_failed", "summarize")
	if c.errorSink != nil {
		c.errorSink(msg)
	}
}
