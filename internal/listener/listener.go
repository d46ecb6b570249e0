package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"github.com/jmylchreest/echolistener/internal/audio"
	"github.com/jmylchreest/echolistener/internal/config"
	"github.com/jmylchreest/echolistener/internal/dispatch"
	"github.com/jmylchreest/echolistener/internal/login"
	"github.com/jmylchreest/echolistener/internal/notify"
	"github.com/jmylchreest/echolistener/internal/payload"
	"github.com/jmylchreest/echolistener/internal/socketio"
	"github.com/jmylchreest/echolistener/internal/transient"
)

// SubscribeEvent is emitted after every (re)connect to join the channel.
const SubscribeEvent = "subscribe"

// notifyFlushTimeout bounds how long Run waits for the last desktop
// notifications on the way out.
const notifyFlushTimeout = 2 * time.Second

// ErrAlreadyRunning is returned when another listener holds the lock.
var ErrAlreadyRunning = errors.New("another echolistener instance is already running")

// Options configures a Listener. Zero values select the production
// implementations.
type Options struct {
	// ConfigPath is watched for changes when set.
	ConfigPath string
	// LockPath guards against a second listener; defaults to config.LockPath.
	LockPath string
	// Player renders queued audio; defaults to an audio.Manager for the
	// configured backend.
	Player dispatch.Player
	// Sender delivers desktop notifications; defaults to the session bus.
	Sender notify.Sender
}

// Listener logs in, keeps the socket subscribed to the configured channel
// and feeds play-audio events into the dispatch queue.
type Listener struct {
	mu     sync.RWMutex
	logger *slog.Logger
	opts   Options
	cfg    *config.Config

	// server settings the socket was built with; reloads do not change
	// them until a restart
	server config.ServerConfig

	lock     *flock.Flock
	login    *login.Client
	socket   *socketio.Client
	handler  *Handler
	store    *transient.Store
	notifier *notify.Notifier

	// set when the server rejected our token; the next dial logs in again
	refresh atomic.Bool
	runCtx  context.Context
}

// New creates a listener for cfg. Nothing is started until Run.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.RequireServer(); err != nil {
		return nil, err
	}
	if opts.LockPath == "" {
		opts.LockPath = config.LockPath()
	}

	loginClient, err := login.NewClient(login.Options{
		AppBase:            cfg.Server.AppBase,
		Username:           cfg.Server.Username,
		Password:           cfg.Server.Password,
		CAFile:             cfg.Server.CAFile,
		InsecureSkipVerify: cfg.Server.InsecureSkipVerify,
		Timeout:            cfg.Server.LoginTimeout.Duration(),
	}, logger.With("component", "login"))
	if err != nil {
		return nil, fmt.Errorf("failed to create login client: %w", err)
	}

	// The bus sender connects on first use, so it costs nothing while
	// notifications are disabled.
	sender := opts.Sender
	if sender == nil {
		sender = notify.NewBusSender()
	}
	notifier := notify.NewNotifier(sender, logger.With("component", "notify"))
	notifier.SetEnabled(cfg.Notify.Desktop)
	notifier.SetMinInterval(cfg.Notify.MinInterval.Duration())

	l := &Listener{
		logger:   logger,
		opts:     opts,
		cfg:      cfg,
		server:   cfg.Server,
		lock:     flock.New(opts.LockPath),
		login:    loginClient,
		store:    transient.NewStore(cfg.Audio.TempDir, cfg.Audio.Prefix, logger.With("component", "store")),
		notifier: notifier,
	}

	// The socket client applies its own timeouts; only the transport and
	// its TLS settings are shared with the login client.
	l.socket = socketio.New(socketio.Options{
		URL:               cfg.Server.AppBase,
		Path:              cfg.Server.SocketIOPath,
		Header:            l.handshakeHeaders,
		HTTPClient:        &http.Client{Transport: loginClient.HTTPClient().Transport},
		ReconnectDelay:    cfg.Server.ReconnectDelay.Duration(),
		ReconnectDelayMax: cfg.Server.ReconnectDelayMax.Duration(),
		Keepalive:         cfg.Server.Keepalive.Duration(),
	}, logger.With("component", "socket"))

	return l, nil
}

// Config returns the configuration currently in effect.
func (l *Listener) Config() *config.Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Socket returns the underlying socket client.
func (l *Listener) Socket() *socketio.Client {
	return l.socket
}

// Run listens until ctx is cancelled. The initial login must succeed; after
// that connection failures are retried without limit.
func (l *Listener) Run(ctx context.Context) error {
	locked, err := l.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	defer func() {
		if err := l.lock.Unlock(); err != nil {
			l.logger.Warn("failed to release lock", "error", err)
		}
	}()
	defer l.notifier.Flush(notifyFlushTimeout)

	if _, err := l.store.Sweep(0); err != nil {
		l.logger.Warn("failed to sweep stale artifacts", "error", err)
	}

	cfg := l.Config()

	player := l.opts.Player
	var manager *audio.Manager
	if player == nil {
		manager, err = audio.NewManager(cfg.Audio, l.logger.With("component", "audio"))
		if err != nil {
			return fmt.Errorf("failed to create audio backend: %w", err)
		}
		if err := manager.Start(ctx); err != nil {
			l.logger.Warn("failed to start device hotplug watcher", "error", err)
		}
		defer manager.Stop()
		player = manager
	}

	queue := dispatch.New(player, l.store, dispatch.Options{
		Gap:          cfg.Audio.Gap.Duration(),
		PollInterval: cfg.Audio.PollInterval.Duration(),
		GapSlice:     cfg.Audio.GapSlice.Duration(),
		StopTimeout:  cfg.Audio.StopTimeout.Duration(),
	}, l.logger.With("component", "queue"))
	queue.SetFailureHandler(func(item dispatch.Item, err error) {
		if errors.Is(err, context.Canceled) {
			return
		}
		l.notifier.NotifyPlaybackError(item.Device, err)
	})
	defer func() {
		if err := queue.Stop(0); err != nil {
			l.logger.Warn("queue stop", "error", err)
		}
	}()

	l.mu.Lock()
	l.handler = NewHandler(l.handlerConfig(cfg), queue, l.logger.With("component", "handler"))
	l.runCtx = ctx
	l.mu.Unlock()

	if l.opts.ConfigPath != "" {
		watcher := config.NewWatcher(l.opts.ConfigPath, l.logger.With("component", "config"))
		watcher.SetReloadCallback(func(newConfig *config.Config) {
			l.applyConfig(newConfig, manager)
		})
		watcher.SetErrorCallback(l.notifier.NotifyConfigError)
		if err := watcher.Start(ctx, cfg); err != nil {
			l.logger.Warn("config hot reload disabled", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	if _, err := l.login.Token(ctx, false); err != nil {
		l.notifier.NotifyLoginError(err)
		return fmt.Errorf("login failed: %w", err)
	}

	l.registerHandlers(cfg.Server.Event)

	l.logger.Info("listening", "server", cfg.Server.AppBase, "channel", cfg.Server.Channel, "event", cfg.Server.Event)
	err = l.socket.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (l *Listener) registerHandlers(event string) {
	l.socket.On(event, func(args ...any) {
		l.mu.RLock()
		h := l.handler
		l.mu.RUnlock()
		_, _ = h.Handle(args...)
	})
	l.socket.On("server:pong", func(args ...any) {
		l.logger.Debug("server pong", "data", payload.Redact(args, payload.DefaultRedactLimit))
	})
	l.socket.OnConnect(l.subscribe)
	l.socket.OnDisconnect(func(err error) {
		l.notifier.NotifyDisconnected(err)
	})
	l.socket.OnConnectError(l.connectFailed)
	l.socket.OnReconnectAttempt(func(attempt int) {
		l.logger.Debug("reconnect attempt", "attempt", attempt)
	})
	l.socket.OnReconnect(func(attempt int) {
		l.logger.Info("reconnected", "attempts", attempt)
	})
}

// handshakeHeaders authenticates the websocket upgrade, logging in again
// when the previous token was rejected.
func (l *Listener) handshakeHeaders(ctx context.Context) (http.Header, error) {
	if l.refresh.Swap(false) {
		if _, err := l.login.Token(ctx, true); err != nil {
			l.refresh.Store(true)
			l.notifier.NotifyLoginError(err)
			return nil, err
		}
	}
	return l.login.AuthHeaders(ctx)
}

// subscribe joins the configured channel on the fresh connection.
func (l *Listener) subscribe() {
	l.mu.RLock()
	ctx := l.runCtx
	channel := l.server.Channel
	l.mu.RUnlock()

	session, err := l.login.Token(ctx, false)
	if err != nil {
		l.logger.Error("subscribe failed", "channel", channel, "error", err)
		return
	}
	headers := login.Headers(session.Token)

	sub := map[string]any{
		"channel": channel,
		"auth": map[string]any{
			"headers": map[string]string{
				"Authorization":    headers.Get("Authorization"),
				"Accept":           headers.Get("Accept"),
				"X-Requested-With": headers.Get("X-Requested-With"),
			},
		},
	}
	if err := l.socket.Emit(ctx, SubscribeEvent, sub); err != nil {
		l.logger.Error("subscribe failed", "channel", channel, "error", err)
		return
	}
	l.logger.Info("subscribed", "channel", channel, "sid", l.socket.SID())
	l.notifier.NotifyConnected(channel)
}

// connectFailed marks the token for refresh when the server rejected it.
func (l *Listener) connectFailed(err error) {
	var dialErr *socketio.DialError
	if errors.As(err, &dialErr) && (dialErr.Status == http.StatusUnauthorized || dialErr.Status == http.StatusForbidden) {
		l.logger.Info("token rejected, logging in again", "status", dialErr.Status)
		l.refresh.Store(true)
		return
	}
	var connErr *socketio.ConnectError
	if errors.As(err, &connErr) {
		l.logger.Info("connection refused, logging in again", "reason", connErr.Message)
		l.refresh.Store(true)
	}
}

// handlerConfig returns cfg with the server settings the socket is actually
// using, so the handler keeps accepting events for the subscribed channel.
func (l *Listener) handlerConfig(cfg *config.Config) *config.Config {
	if cfg.Server == l.server {
		return cfg
	}
	pinned := *cfg
	pinned.Server = l.server
	return &pinned
}

// applyConfig takes a reloaded configuration into use. Routing, volume,
// backend and notification settings apply immediately; server and queue
// timing changes need a restart.
func (l *Listener) applyConfig(cfg *config.Config, manager *audio.Manager) {
	l.mu.Lock()
	old := l.cfg
	l.cfg = cfg
	handler := l.handler
	handlerCfg := l.handlerConfig(cfg)
	l.mu.Unlock()

	if handler != nil {
		handler.UpdateConfig(handlerCfg)
	}
	if manager != nil {
		manager.UpdateConfig(cfg.Audio)
	}
	l.notifier.SetEnabled(cfg.Notify.Desktop)
	l.notifier.SetMinInterval(cfg.Notify.MinInterval.Duration())

	if cfg.Server != l.server {
		l.logger.Warn("server settings changed; restart to apply", "channel", l.server.Channel)
	}
	if cfg.Audio.Gap != old.Audio.Gap {
		l.logger.Warn("audio gap changed; restart to apply", "gap", cfg.Audio.Gap)
	}
	l.logger.Info("configuration reloaded")
	l.notifier.NotifyConfigReloaded()
}
