// Package deepgram implements the capture.Recognizer interface on top of
// Deepgram's live transcription websocket API.
package deepgram

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/noteflow/notes-gateway/internal/capture"
	"github.com/noteflow/notes-gateway/internal/config"
	"github.com/noteflow/notes-gateway/internal/observability"
	"github.com/noteflow/notes-gateway/internal/resilience"
)

const audioChunkSize = 4096

// callbackHandler embeds the SDK default handler and overrides only the
// message, error and close paths.
type callbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	onMessage func(*msginterfaces.MessageResponse)
	onError   func(*msginterfaces.ErrorResponse)
	onClose   func()
}

func (h *callbackHandler) Message(msg *msginterfaces.MessageResponse) error {
	h.onMessage(msg)
	return nil
}

func (h *callbackHandler) Error(resp *msginterfaces.ErrorResponse) error {
	h.onError(resp)
	return nil
}

func (h *callbackHandler) Close(resp *msginterfaces.CloseResponse) error {
	h.onClose()
	return nil
}

// Client streams audio from a reader to Deepgram and translates the
// transcription results into capture events. The events channel stays valid
// across Start/Stop cycles, as the Recognizer contract requires.
type Client struct {
	cfg     *config.Config
	audio   io.Reader
	logger  zerolog.Logger
	breaker *resilience.CircuitBreaker

	events chan capture.Event

	mu        sync.Mutex
	active    bool
	ws        *listenClient.WSCallback
	endedOnce *sync.Once
	cancel    context.CancelFunc
}

// NewClient creates a recognizer reading raw audio from audio.
func NewClient(cfg *config.Config, audio io.Reader, logger zerolog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		audio:  audio,
		logger: logger.With().Str("component", "deepgram").Logger(),
		breaker: resilience.NewCircuitBreaker(
			"deepgram",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		events: make(chan capture.Event, 64),
	}
}

// Start opens a live transcription session and begins pumping audio.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active {
		return fmt.Errorf("deepgram: session already active")
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          c.cfg.DeepgramModel,
		Language:       c.cfg.DeepgramLanguage,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       c.cfg.DeepgramEncoding,
		Channels:       1,
		SampleRate:     c.cfg.DeepgramSampleRate,
	}

	ended := &sync.Once{}
	callback := &callbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		onMessage:              c.handleMessage,
		onError: func(resp *msginterfaces.ErrorResponse) {
			c.logger.Error().Str("deepgram_error", resp.ErrMsg).Msg("Deepgram reported an error")
			c.breaker.RecordResult(false)
			observability.UpdateCircuitBreakerState("deepgram", int(c.breaker.GetState()))
			observability.IncrementCircuitBreakerFailures("deepgram")
			c.emit(capture.Event{Err: fmt.Errorf("deepgram: %s", resp.ErrMsg)})
		},
		onClose: func() {
			ended.Do(func() {
				c.mu.Lock()
				c.active = false
				c.mu.Unlock()
				c.emit(capture.Event{Ended: true})
			})
		},
	}

	sessionCtx, cancel := context.WithCancel(ctx)

	var ws *listenClient.WSCallback
	err := c.breaker.Call(func() error {
		var createErr error
		ws, createErr = listenClient.NewWSUsingCallback(
			sessionCtx,
			c.cfg.DeepgramAPIKey,
			nil,
			tOptions,
			callback,
		)
		return createErr
	})
	observability.UpdateCircuitBreakerState("deepgram", int(c.breaker.GetState()))
	if err != nil {
		cancel()
		observability.IncrementCircuitBreakerFailures("deepgram")
		return fmt.Errorf("deepgram: create session: %w", err)
	}

	c.ws = ws
	c.active = true
	c.endedOnce = ended
	c.cancel = cancel

	go c.pumpAudio(sessionCtx, ws)

	c.logger.Info().
		Str("model", c.cfg.DeepgramModel).
		Str("language", c.cfg.DeepgramLanguage).
		Msg("Deepgram session started")
	return nil
}

// Stop finishes the session. The Ended event is delivered through the close
// callback once the websocket shuts down.
func (c *Client) Stop() error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return nil
	}
	c.active = false
	ws := c.ws
	cancel := c.cancel
	ended := c.endedOnce
	c.mu.Unlock()

	if ws != nil {
		ws.Finish()
	}
	if cancel != nil {
		cancel()
	}
	// The SDK does not always deliver a close callback after Finish.
	if ended != nil {
		ended.Do(func() { c.emit(capture.Event{Ended: true}) })
	}
	c.logger.Info().Msg("Deepgram session stopped")
	return nil
}

// Events returns the recognizer event stream.
func (c *Client) Events() <-chan capture.Event {
	return c.events
}

func (c *Client) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil {
		return
	}

	switch msg.Type {
	case "Results", "Message":
		if len(msg.Channel.Alternatives) == 0 {
			return
		}
		alt := msg.Channel.Alternatives[0]
		if alt.Transcript == "" {
			return
		}
		c.emit(capture.Event{Update: &capture.Update{
			Segments: []capture.Segment{{Text: alt.Transcript, Final: msg.IsFinal}},
		}})

	case "UtteranceEnd", "SpeechStarted", "Metadata":
		c.logger.Debug().Str("type", msg.Type).Msg("Deepgram control message")

	default:
		c.logger.Debug().Str("type", msg.Type).Msg("Unhandled Deepgram message type")
	}
}

// pumpAudio copies raw audio from the source into the live session.
func (c *Client) pumpAudio(ctx context.Context, ws *listenClient.WSCallback) {
	buf := make([]byte, audioChunkSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := c.audio.Read(buf)
		if n > 0 {
			if _, werr := ws.Write(buf[:n]); werr != nil {
				c.logger.Warn().Err(werr).Msg("Audio write failed, ending session")
				observability.RecordError("audio_write", "deepgram")
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				c.logger.Warn().Err(err).Msg("Audio source read failed")
				observability.RecordError("audio_read", "deepgram")
			}
			// Source exhausted: let the utterance finish server-side.
			ws.Finish()
			return
		}
	}
}

// emit delivers an event without blocking the SDK callback goroutine.
func (c *Client) emit(ev capture.Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn().Msg("Recognizer event channel full, dropping event")
	}
}
