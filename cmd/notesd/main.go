package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/noteflow/notes-gateway/internal/auth"
	"github.com/noteflow/notes-gateway/internal/capture"
	"github.com/noteflow/notes-gateway/internal/config"
	"github.com/noteflow/notes-gateway/internal/history"
	"github.com/noteflow/notes-gateway/internal/observability"
	"github.com/noteflow/notes-gateway/internal/recognizer/deepgram"
	"github.com/noteflow/notes-gateway/internal/reconcile"
	"github.com/noteflow/notes-gateway/internal/resilience"
	"github.com/noteflow/notes-gateway/internal/stream"
	"github.com/noteflow/notes-gateway/internal/summarize"
)

// providerTokens adapts an auth.Provider to the stream.TokenSource interface.
type providerTokens struct {
	provider auth.Provider
}

func (p providerTokens) Token(ctx context.Context) (string, error) {
	return auth.Token(ctx, p.provider)
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("backend_origin", cfg.BackendOrigin).
		Str("stream_url", cfg.StreamURL).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Notes Gateway starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Session token provider: a fixed token for dev/test, the hosted auth
	// platform otherwise.
	var provider auth.Provider
	if cfg.SessionToken != "" {
		provider = auth.NewStatic(cfg.SessionToken)
		logger.Info().Msg("Using fixed session token")
	} else {
		provider = auth.NewClient(cfg.AuthURL, cfg.AuthAPIKey, logger,
			auth.WithRetryConfig(&resilience.RetryConfig{
				MaxAttempts:       cfg.RetryMaxAttempts,
				InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
				MaxBackoff:        5 * time.Second,
				BackoffMultiplier: 2.0,
				Jitter:            true,
			}))
	}
	tokens := providerTokens{provider: provider}

	// Note history store
	store, err := history.Open(cfg.HistoryDBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.HistoryDBPath).Msg("Failed to open history store")
	}
	defer store.Close()

	// Streaming connection manager
	dialer := &stream.WebsocketDialer{URL: cfg.StreamURL}
	manager := stream.NewManager(dialer, tokens, logger,
		stream.WithAuthTimeout(time.Duration(cfg.AuthTimeoutMs)*time.Millisecond),
		stream.WithReconnectConfig(&resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  30 * time.Second,
		}))
	defer manager.Close()

	// Summary display: reconciled markup goes to stdout
	engine := reconcile.NewEngine(func(markup string) {
		fmt.Fprintln(os.Stdout, markup)
	}, time.Duration(cfg.HighlightDecayMs)*time.Millisecond)

	fallback := summarize.NewFallbackClient(
		cfg.BackendOrigin,
		time.Duration(cfg.FallbackTimeoutMs)*time.Millisecond,
		tokens,
		resilience.NewCircuitBreaker("summarize_http", cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second),
		logger,
	)

	coordinator := summarize.NewCoordinator(manager, fallback, engine, logger,
		summarize.WithWatchdog(time.Duration(cfg.WatchdogMs)*time.Millisecond),
		summarize.WithAuthTimeout(time.Duration(cfg.AuthTimeoutMs)*time.Millisecond),
		summarize.WithConnectRetryDelay(time.Duration(cfg.ConnectRetryDelayMs)*time.Millisecond),
		summarize.WithErrorSink(func(msg string) {
			logger.Error().Str("reason", msg).Msg("Summarization failed")
		}))

	manager.SetHandlers(stream.Handlers{
		OnSummary:     coordinator.HandleSummaryEvent,
		OnAuthFailure: coordinator.HandleAuthFailure,
		OnSessionExpired: func() {
			logger.Warn().Msg("Session expired, please sign in again")
		},
	})

	// Session changes replace the stream connection with a fresh one.
	unsubscribe := provider.OnChange(func(sess *auth.Session) {
		token := ""
		if sess != nil {
			token = sess.AccessToken
		}
		if err := manager.SessionChanged(context.Background(), token); err != nil {
			logger.Error().Err(err).Msg("Failed to replace stream connection on session change")
		}
	})
	defer unsubscribe()

	if err := manager.Start(ctx); err != nil {
		// Non-fatal: the HTTP fallback still works and a later session change
		// can bring the stream up.
		logger.Warn().Err(err).Msg("Initial stream connection failed")
	}

	// Speech capture: audio from stdin into Deepgram, transcript updates into
	// the debounced auto-summarizer.
	var adapter *capture.Adapter
	if cfg.DeepgramAPIKey != "" {
		recognizer := deepgram.NewClient(cfg, os.Stdin, logger)
		adapter = capture.NewAdapter(recognizer, logger,
			capture.WithDebounce(time.Duration(cfg.DebounceMs)*time.Millisecond),
			capture.WithMinChars(cfg.MinTranscriptChars),
			capture.WithSessionStart(coordinator.ResetSession),
			capture.WithAutoSummarize(func(text string) {
				if err := coordinator.RequestSummarize(context.Background(), text, false); err != nil {
					logger.Debug().Err(err).Msg("Auto-summarize skipped")
				}
			}),
			capture.WithErrorSink(func(err error) {
				logger.Error().Err(err).Msg("Recognizer failed")
			}))

		if err := adapter.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start speech capture")
		}
	} else {
		logger.Info().Msg("DEEPGRAM_API_KEY not set, speech capture disabled")
	}

	// Admin HTTP server
	mux := http.NewServeMux()
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"stream": func(ctx context.Context) (bool, error) {
			if !manager.Connected() {
				return false, fmt.Errorf("stream connection down")
			}
			return true, nil
		},
		"auth": func(ctx context.Context) (bool, error) {
			token, err := tokens.Token(ctx)
			if err != nil {
				return false, err
			}
			return token != "", nil
		},
		"history": func(ctx context.Context) (bool, error) {
			_, err := store.ListByUser(ctx, "readiness-probe")
			return err == nil, err
		},
	}))
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("Admin server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Admin server failed to start")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down...")

	if adapter != nil {
		if err := adapter.Stop(); err != nil {
			logger.Warn().Err(err).Msg("Speech capture stop failed")
		}
		saveNote(provider, store, adapter, coordinator, logger)
	}
	coordinator.CancelActive()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Admin server forced to shutdown")
	}

	logger.Info().Msg("Notes Gateway exited gracefully")
}

// saveNote persists the finished session's transcript and summary.
func saveNote(provider auth.Provider, store *history.Store, adapter *capture.Adapter, coordinator *summarize.Coordinator, logger zerolog.Logger) {
	transcript := strings.TrimSpace(adapter.Transcript())
	summary := coordinator.LastSummary()
	if transcript == "" && summary == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := provider.Session(ctx)
	if err != nil || sess == nil {
		logger.Warn().Err(err).Msg("No session available, note not saved")
		return
	}

	note := &history.Note{
		UserID:     sess.UserID,
		Transcript: transcript,
		Summary:    summary,
	}
	if err := store.Save(ctx, note); err != nil {
		logger.Error().Err(err).Msg("Failed to save note")
		return
	}
	logger.Info().Str("note_id", note.ID).Str("title", note.Title).Msg("Note saved")
}
