package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// AppName identifies notifications sent by the listener.
const AppName = "echolistener"

// DefaultMinInterval is how long a notification key stays quiet after firing.
const DefaultMinInterval = 5 * time.Second

// Level indicates the urgency of a notification.
type Level int

const (
	// LevelInfo is for informational messages (low urgency).
	LevelInfo Level = iota
	// LevelWarning is for warnings (normal urgency).
	LevelWarning
	// LevelError is for errors (critical urgency).
	LevelError
)

func (l Level) urgency() byte {
	switch l {
	case LevelInfo:
		return 0
	case LevelError:
		return 2
	default:
		return 1
	}
}

func (l Level) icon() string {
	switch l {
	case LevelInfo:
		return "dialog-information"
	case LevelError:
		return "dialog-error"
	default:
		return "dialog-warning"
	}
}

// Notifier sends rate-limited desktop notifications. Notifications sharing a
// key are not repeated within the minimum interval. Delivery runs in the
// background so a slow notification server never holds up the caller.
type Notifier struct {
	mu     sync.Mutex
	logger *slog.Logger
	sender Sender
	now    func() time.Time

	lastNotifyTime map[string]time.Time
	minInterval    time.Duration

	enabled bool

	// deliveries in flight; drained is closed when the count returns to 0
	inflight int
	drained  chan struct{}
}

// NewNotifier creates a notifier delivering through sender. A nil sender
// leaves the notifier inert until SetSender.
func NewNotifier(sender Sender, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		logger:         logger,
		sender:         sender,
		now:            time.Now,
		lastNotifyTime: make(map[string]time.Time),
		minInterval:    DefaultMinInterval,
		enabled:        true,
	}
}

// SetSender replaces the delivery backend.
func (n *Notifier) SetSender(sender Sender) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sender = sender
}

// SetEnabled enables or disables notifications.
func (n *Notifier) SetEnabled(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled = enabled
}

// Enabled reports whether notifications are sent.
func (n *Notifier) Enabled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.enabled
}

// SetMinInterval sets the minimum interval between notifications sharing a key.
func (n *Notifier) SetMinInterval(interval time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.minInterval = interval
}

// Notify sends a notification unless disabled or rate-limited. It returns
// without waiting for delivery and reports whether the notification was
// handed to the sender.
func (n *Notifier) Notify(key, summary, body string, level Level) bool {
	n.mu.Lock()
	if !n.enabled {
		n.mu.Unlock()
		return false
	}
	sender := n.sender
	if sender == nil {
		n.mu.Unlock()
		n.logger.Debug("notification skipped: no sender", "summary", summary)
		return false
	}

	now := n.now()
	if last, ok := n.lastNotifyTime[key]; ok && now.Sub(last) < n.minInterval {
		n.mu.Unlock()
		n.logger.Debug("notification rate-limited", "key", key, "summary", summary)
		return false
	}
	n.lastNotifyTime[key] = now
	if n.inflight == 0 {
		n.drained = make(chan struct{})
	}
	n.inflight++
	n.mu.Unlock()

	notification := &Notification{
		AppName: AppName,
		AppIcon: level.icon(),
		Summary: summary,
		Body:    body,
		Hints: map[string]dbus.Variant{
			"urgency":       dbus.MakeVariant(level.urgency()),
			"category":      dbus.MakeVariant("network"),
			"transient":     dbus.MakeVariant(true),
			"desktop-entry": dbus.MakeVariant(AppName),
		},
		ExpireTimeout: 5000,
	}

	n.logger.Debug("sending notification", "key", key, "summary", summary, "level", level)
	go n.deliver(sender, key, notification)
	return true
}

func (n *Notifier) deliver(sender Sender, key string, notification *Notification) {
	defer func() {
		n.mu.Lock()
		n.inflight--
		if n.inflight == 0 {
			close(n.drained)
		}
		n.mu.Unlock()
	}()

	if _, err := sender.Send(notification); err != nil {
		n.logger.Warn("failed to send notification", "key", key, "error", err)
	}
}

// Flush waits up to timeout for notifications in flight to be delivered and
// reports whether they all were.
func (n *Notifier) Flush(timeout time.Duration) bool {
	n.mu.Lock()
	if n.inflight == 0 {
		n.mu.Unlock()
		return true
	}
	drained := n.drained
	n.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-drained:
		return true
	case <-timer.C:
		return false
	}
}

// NotifyConnected reports an established (or re-established) connection.
func (n *Notifier) NotifyConnected(channel string) {
	n.Notify("connection", "Listener Connected", "Subscribed to "+channel+".", LevelInfo)
}

// NotifyDisconnected reports a dropped connection.
func (n *Notifier) NotifyDisconnected(err error) {
	body := "Connection to the server was lost; reconnecting."
	if err != nil {
		body = "Connection to the server was lost: " + err.Error()
	}
	n.Notify("connection", "Listener Disconnected", body, LevelWarning)
}

// NotifyLoginError reports a failed login.
func (n *Notifier) NotifyLoginError(err error) {
	n.Notify("login-error", "Login Failed", err.Error(), LevelError)
}

// NotifyPlaybackError reports a failed playback.
func (n *Notifier) NotifyPlaybackError(device string, err error) {
	if device == "" {
		device = "default device"
	}
	n.Notify("playback-error:"+device, "Audio Error", "Failed to play on "+device+": "+err.Error(), LevelWarning)
}

// NotifyConfigReloaded reports a successful config reload.
func (n *Notifier) NotifyConfigReloaded() {
	n.Notify("config-reload", "Configuration Reloaded", "echolistener configuration has been reloaded.", LevelInfo)
}

// NotifyConfigError reports a config file that failed to load.
func (n *Notifier) NotifyConfigError(err error) {
	n.Notify("config-error", "Configuration Error", "Failed to reload configuration: "+err.Error(), LevelWarning)
}
