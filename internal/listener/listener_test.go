package listener

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/echolistener/internal/config"
	"github.com/jmylchreest/echolistener/internal/login"
	"github.com/jmylchreest/echolistener/internal/notify"
	"github.com/jmylchreest/echolistener/internal/socketio"
	"github.com/jmylchreest/echolistener/internal/transient"
)

// appServer serves the login endpoint and a minimal Socket.IO endpoint.
type appServer struct {
	srv *httptest.Server

	logins      atomic.Int32
	loginBody   string // overrides the successful login response
	rejectToken string // upgrades carrying this token get 401

	// events are written once the client has subscribed
	events     []string
	subscribes chan string
}

func newAppServer(t *testing.T, events ...string) *appServer {
	a := &appServer{events: events, subscribes: make(chan string, 8)}
	a.srv = httptest.NewServer(http.HandlerFunc(a.handle))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *appServer) handle(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/login":
		n := a.logins.Add(1)
		if a.loginBody != "" {
			_, _ = w.Write([]byte(a.loginBody))
			return
		}
		_, _ = fmt.Fprintf(w, `{"status":1,"token":"tok-%d"}`, n)
	case "/socket.io", "/socket.io/":
		if a.rejectToken != "" && r.Header.Get("Authorization") == "Bearer "+a.rejectToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		a.serveSocket(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (a *appServer) serveSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.CloseNow() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	open := `0{"sid":"eio-1","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(open)); err != nil {
		return
	}
	if _, data, err := conn.Read(ctx); err != nil || string(data) != "40" {
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`40{"sid":"ns-1"}`)); err != nil {
		return
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}
	select {
	case a.subscribes <- string(data):
	default:
	}

	for _, ev := range a.events {
		if err := conn.Write(ctx, websocket.MessageText, []byte(ev)); err != nil {
			return
		}
	}
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

type played struct {
	data   string
	device string
}

type recordingPlayer struct {
	mu    sync.Mutex
	calls []played
	ch    chan played
}

func newRecordingPlayer() *recordingPlayer {
	return &recordingPlayer{ch: make(chan played, 16)}
}

func (p *recordingPlayer) Play(_ context.Context, a *transient.Artifact, device string) error {
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return err
	}
	call := played{data: string(data), device: device}
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
	select {
	case p.ch <- call:
	default:
	}
	return nil
}

func (p *recordingPlayer) history() []played {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]played(nil), p.calls...)
}

type recordingSender struct {
	mu        sync.Mutex
	summaries []string
}

func (s *recordingSender) Send(n *notify.Notification) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append(s.summaries, n.Summary)
	return uint32(len(s.summaries)), nil
}

func (s *recordingSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.summaries...)
}

func listenerConfig(t *testing.T, base string) *config.Config {
	cfg := testConfig()
	cfg.Server.AppBase = base
	cfg.Server.Username = "456456"
	cfg.Server.Password = "secret"
	cfg.Server.ReconnectDelay = config.Duration(10 * time.Millisecond)
	cfg.Server.ReconnectDelayMax = config.Duration(20 * time.Millisecond)
	cfg.Server.Keepalive = 0
	cfg.Audio.TempDir = t.TempDir()
	cfg.Audio.Gap = 0
	cfg.Notify.Desktop = true
	return cfg
}

func startListener(t *testing.T, l *Listener) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("listener did not stop")
			return nil
		}
	}
}

func waitSubscribe(t *testing.T, a *appServer) string {
	t.Helper()
	select {
	case frame := <-a.subscribes:
		return frame
	case <-time.After(5 * time.Second):
		t.Fatal("client never subscribed")
		return ""
	}
}

func TestListener_SubscribesAndPlays(t *testing.T) {
	app := newAppServer(t,
		`42["PlayAudioEvent","private-audio.Kitchen",{"audio":"`+b64("ID3 kitchen")+`"}]`,
		`42["PlayAudioEvent","private-audio.Lobby",{"data":{"audio":"`+b64("ID3 lobby")+`"}}]`,
	)
	cfg := listenerConfig(t, app.srv.URL)

	stale := filepath.Join(cfg.Audio.TempDir, "audq_stale.mp3")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0600))

	player := newRecordingPlayer()
	sender := &recordingSender{}
	l, err := New(cfg, Options{
		LockPath: filepath.Join(t.TempDir(), "listen.lock"),
		Player:   player,
		Sender:   sender,
	}, nil)
	require.NoError(t, err)

	stop := startListener(t, l)

	sub := waitSubscribe(t, app)
	assert.True(t, strings.HasPrefix(sub, `42["subscribe",`), sub)
	assert.Contains(t, sub, `"channel":"private-audio.Lobby"`)
	assert.Contains(t, sub, `"Authorization":"Bearer tok-1"`)
	assert.Contains(t, sub, `"X-Requested-With":"XMLHttpRequest"`)

	select {
	case p := <-player.ch:
		assert.Equal(t, "ID3 lobby", p.data)
		assert.Equal(t, "hw:1,0", p.device)
	case <-time.After(5 * time.Second):
		t.Fatal("nothing played")
	}

	require.NoError(t, stop())

	assert.Len(t, player.history(), 1)
	assert.Contains(t, sender.sent(), "Listener Connected")
	assert.NoFileExists(t, stale)

	leftovers, err := filepath.Glob(filepath.Join(cfg.Audio.TempDir, cfg.Audio.Prefix+"*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestListener_RefreshesRejectedToken(t *testing.T) {
	app := newAppServer(t)
	app.rejectToken = "tok-1"
	cfg := listenerConfig(t, app.srv.URL)

	l, err := New(cfg, Options{
		LockPath: filepath.Join(t.TempDir(), "listen.lock"),
		Player:   newRecordingPlayer(),
		Sender:   &recordingSender{},
	}, nil)
	require.NoError(t, err)

	stop := startListener(t, l)
	sub := waitSubscribe(t, app)
	require.NoError(t, stop())

	assert.Contains(t, sub, `"Authorization":"Bearer tok-2"`)
	assert.Equal(t, int32(2), app.logins.Load())
}

func TestListener_LoginFailure(t *testing.T) {
	app := newAppServer(t)
	app.loginBody = `{"status":0,"message":"bad password"}`
	cfg := listenerConfig(t, app.srv.URL)

	sender := &recordingSender{}
	l, err := New(cfg, Options{
		LockPath: filepath.Join(t.TempDir(), "listen.lock"),
		Player:   newRecordingPlayer(),
		Sender:   sender,
	}, nil)
	require.NoError(t, err)

	err = l.Run(context.Background())
	require.Error(t, err)

	var le *login.LoginError
	assert.True(t, errors.As(err, &le))
	assert.Contains(t, sender.sent(), "Login Failed")
}

func TestListener_AlreadyRunning(t *testing.T) {
	app := newAppServer(t)
	lockPath := filepath.Join(t.TempDir(), "listen.lock")

	held := flock.New(lockPath)
	locked, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer func() { _ = held.Unlock() }()

	l, err := New(listenerConfig(t, app.srv.URL), Options{LockPath: lockPath, Player: newRecordingPlayer()}, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, l.Run(context.Background()), ErrAlreadyRunning)
	assert.Zero(t, app.logins.Load())
}

func TestNew_RequiresServerSettings(t *testing.T) {
	_, err := New(config.DefaultConfig(), Options{}, nil)
	assert.ErrorContains(t, err, "missing server settings")
}

func TestListener_ApplyConfig(t *testing.T) {
	app := newAppServer(t)
	cfg := listenerConfig(t, app.srv.URL)
	sender := &recordingSender{}
	l, err := New(cfg, Options{Player: newRecordingPlayer(), Sender: sender}, nil)
	require.NoError(t, err)

	q := &fakeEnqueuer{}
	l.handler = NewHandler(cfg, q, nil)

	next := listenerConfig(t, app.srv.URL)
	next.Routing.Channels = map[string]string{lobby: "hw:2,0"}
	l.applyConfig(next, nil)
	require.True(t, l.notifier.Flush(time.Second))

	assert.Same(t, next, l.Config())
	assert.Contains(t, sender.sent(), "Configuration Reloaded")

	_, err = l.handler.Handle(lobby, map[string]any{"audio": b64("x")})
	require.NoError(t, err)
	assert.Equal(t, "hw:2,0", q.queued()[0].Device)
}

func TestListener_ReloadKeepsSubscribedChannel(t *testing.T) {
	app := newAppServer(t)
	cfg := listenerConfig(t, app.srv.URL)
	l, err := New(cfg, Options{Player: newRecordingPlayer(), Sender: &recordingSender{}}, nil)
	require.NoError(t, err)

	q := &fakeEnqueuer{}
	l.handler = NewHandler(l.handlerConfig(cfg), q, nil)

	next := listenerConfig(t, app.srv.URL)
	next.Server.Channel = "private-audio.Room1"
	next.Routing.Channels = map[string]string{lobby: "hw:2,0"}
	l.applyConfig(next, nil)

	// The socket is still subscribed to the lobby until a restart.
	n, err := l.handler.Handle(lobby, map[string]any{"audio": b64("x")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "hw:2,0", q.queued()[0].Device)

	n, err = l.handler.Handle("private-audio.Room1", map[string]any{"audio": b64("y")})
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, "private-audio.Room1", l.Config().Server.Channel)
	assert.Equal(t, lobby, l.server.Channel)
}

func TestListener_ConnectFailedMarksRefresh(t *testing.T) {
	app := newAppServer(t)
	l, err := New(listenerConfig(t, app.srv.URL), Options{Player: newRecordingPlayer()}, nil)
	require.NoError(t, err)

	l.connectFailed(errors.New("connection refused"))
	assert.False(t, l.refresh.Load())

	l.connectFailed(errors.Join(&socketio.DialError{URL: "ws://x", Status: http.StatusForbidden, Err: errors.New("forbidden")}))
	assert.True(t, l.refresh.Load())
}
