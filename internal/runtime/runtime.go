package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-relay/internal/audio"
	"github.com/loqalabs/loqa-relay/internal/bridge"
	"github.com/loqalabs/loqa-relay/internal/bus"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/connection"
	"github.com/loqalabs/loqa-relay/internal/location"
	"github.com/loqalabs/loqa-relay/internal/natsserver"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/store"
	"github.com/loqalabs/loqa-relay/internal/tts"
)

// Runtime is the composition root: it builds every component once and
// hands each its collaborators.
type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	metricHandler http.Handler
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats    *natsserver.EmbeddedServer
	bus     *bus.Client
	store   *store.Store
	conn    *connection.Manager
	chain   *tts.Chain
	audio   *audio.Orchestrator
	bridge  *bridge.Bridge
	metrics *relayMetrics
	unsubs  []func()
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metricHandler = metricHandler

	if err := r.setup(ctx); err != nil {
		r.teardown()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if r.metricHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metricHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.autoConnect(ctx)
	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.teardown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// setup builds the components in dependency order.
func (r *Runtime) setup(ctx context.Context) error {
	var err error
	r.store, err = store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	if r.cfg.Bus.Enabled {
		r.nats, err = natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return err
		}
		busCfg := r.cfg.Bus
		if r.nats != nil {
			busCfg.Servers = []string{r.nats.ClientURL()}
		}
		r.bus, err = bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return err
		}
	}

	r.metrics, err = newRelayMetrics()
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	r.conn = connection.NewManager(ctx, connection.Options{
		Config:             r.cfg.Connection,
		Endpoints:          r.cfg.Endpoints,
		Host:               r.cfg.Endpoints.Host,
		Enricher:           location.FromConfig(r.cfg.Location, httpClient, r.logger),
		HTTPClient:         httpClient,
		OnPermanentFailure: r.forgetCredentials,
		Logger:             r.logger,
	})

	r.chain, err = tts.FromConfig(r.cfg.TTS, r.logger, r.metrics.failover)
	if err != nil {
		return fmt.Errorf("build tts chain: %w", err)
	}
	player, err := r.newPlayer()
	if err != nil {
		return err
	}
	r.audio = audio.New(ctx, audio.Options{
		Synthesizer:  r.chain,
		Player:       player,
		Enabled:      r.cfg.Audio.Enabled,
		Muted:        r.cfg.Audio.Muted,
		SmokeTest:    r.cfg.Audio.SmokeTest,
		DefaultVoice: r.cfg.Audio.DefaultVoice,
		Logger:       r.logger,
	})
	r.audio.Initialize(ctx)

	if err := r.metrics.observe(r.conn, r.audio); err != nil {
		return fmt.Errorf("register metric callbacks: %w", err)
	}
	r.unsubs = append(r.unsubs, r.conn.Subscribe(r.recordStatus(ctx)))
	if r.cfg.Audio.AutoSpeak {
		r.unsubs = append(r.unsubs, r.conn.SubscribeMessages(r.speakInbound(ctx)))
	}

	if r.bus != nil {
		r.bridge = bridge.New(r.bus, r.conn, r.audio, bridge.Options{
			RequestTimeout: r.cfg.Connection.RequestTimeout(),
			Logger:         r.logger,
		})
		if err := r.bridge.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) newPlayer() (audio.Player, error) {
	switch r.cfg.Audio.Player {
	case "exec":
		return audio.NewExecPlayer(r.cfg.Audio.PlayerCommand)
	case "bus":
		if r.bus == nil {
			return nil, errors.New("bus player requires the bus")
		}
		return audio.NewBusPlayer(r.bus.Conn(), r.bus.Subject(protocol.SubjectAudio)), nil
	default:
		return audio.DiscardPlayer{}, nil
	}
}

// autoConnect opens the session configured in the file, falling back to
// the credential store for the token.
func (r *Runtime) autoConnect(ctx context.Context) {
	sess := r.cfg.Session
	if !sess.AutoConnect {
		return
	}
	token := sess.Token
	if token == "" {
		cred, err := r.store.Select(ctx, sess.UserID)
		if err != nil {
			r.logger.Warn("no stored credentials for auto connect", slog.String("user_id", sess.UserID), slog.String("error", err.Error()))
			return
		}
		token = cred.Token
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.conn.Connect(ctx, sess.UserID, token); err != nil {
			r.logger.Warn("auto connect failed", slog.String("error", err.Error()), slog.String("kind", connection.KindOf(err).String()))
		}
	}()
}

func (r *Runtime) forgetCredentials(userID string, err error) {
	r.logger.Warn("credentials rejected, removing", slog.String("user_id", userID), slog.String("error", err.Error()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if derr := r.store.Delete(ctx, userID); derr != nil {
		r.logger.Error("failed to delete credentials", slog.String("error", derr.Error()))
	}
}

// recordStatus appends a timeline entry whenever the connection state or
// error changes.
func (r *Runtime) recordStatus(ctx context.Context) func(connection.Status) {
	var last connection.Status
	return func(s connection.Status) {
		r.metrics.transition(s, last)
		if s.State == last.State && s.LastError == last.LastError {
			return
		}
		last = s
		err := r.store.AppendEvent(ctx, store.ConnectionEvent{
			UserID:      s.UserID,
			State:       string(s.State),
			Backend:     string(s.Backend),
			Endpoint:    s.Endpoint,
			Error:       s.LastError,
			ErrorKind:   s.ErrorKind,
			RetryCount:  s.RetryCount,
			HealthScore: s.HealthScore,
		})
		if err != nil && ctx.Err() == nil {
			r.logger.Warn("failed to record connection event", slog.String("error", err.Error()))
		}
	}
}

// speakInbound voices unsolicited assistant messages.
func (r *Runtime) speakInbound(ctx context.Context) func(protocol.Inbound) {
	return func(m protocol.Inbound) {
		text := m.Text()
		if text == "" || m.Kind == protocol.KindError {
			return
		}
		if err := r.audio.Speak(ctx, text, audio.SpeakOptions{FallbackToText: true}); err != nil {
			r.logger.Warn("auto speak failed", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) teardown() {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
	if r.bridge != nil {
		r.bridge.Close()
	}
	if r.audio != nil {
		r.audio.Close()
	}
	if r.conn != nil {
		r.conn.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("store close error", slog.String("error", err.Error()))
		}
	}
}
