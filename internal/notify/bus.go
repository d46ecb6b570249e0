package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	// BusInterface is the notification interface name.
	BusInterface = "org.freedesktop.Notifications"
	// BusPath is the notification object path.
	BusPath = "/org/freedesktop/Notifications"
	// BusName is the well-known name of the notification server.
	BusName = "org.freedesktop.Notifications"
)

// Notification holds the arguments of a Notify call.
type Notification struct {
	AppName       string
	ReplacesID    uint32
	AppIcon       string
	Summary       string
	Body          string
	Actions       []string // alternating key, label pairs
	Hints         map[string]dbus.Variant
	ExpireTimeout int32 // -1 = server default, 0 = never expire
}

// Sender delivers a notification and returns the server-assigned id.
type Sender interface {
	Send(n *Notification) (uint32, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(n *Notification) (uint32, error)

func (f SenderFunc) Send(n *Notification) (uint32, error) {
	return f(n)
}

// DefaultSendTimeout bounds a Notify call to an unresponsive server.
const DefaultSendTimeout = 5 * time.Second

// BusSender calls Notify on the session bus. The connection is opened on
// first use and shared afterwards.
type BusSender struct {
	mu      sync.Mutex
	conn    *dbus.Conn
	timeout time.Duration
}

// NewBusSender returns a sender for the session bus.
func NewBusSender() *BusSender {
	return &BusSender{timeout: DefaultSendTimeout}
}

func (s *BusSender) connect() (*dbus.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && s.conn.Connected() {
		return s.conn, nil
	}
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	s.conn = conn
	return conn, nil
}

// Send implements Sender.
// D-Bus method: Notify(susssasa{sv}i) -> u
func (s *BusSender) Send(n *Notification) (uint32, error) {
	conn, err := s.connect()
	if err != nil {
		return 0, err
	}

	actions := n.Actions
	if actions == nil {
		actions = []string{}
	}
	hints := n.Hints
	if hints == nil {
		hints = map[string]dbus.Variant{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	obj := conn.Object(BusName, BusPath)
	call := obj.CallWithContext(ctx, BusInterface+".Notify", 0,
		n.AppName, n.ReplacesID, n.AppIcon, n.Summary, n.Body, actions, hints, n.ExpireTimeout)
	if call.Err != nil {
		return 0, fmt.Errorf("notify: %w", call.Err)
	}

	var id uint32
	if err := call.Store(&id); err != nil {
		return 0, fmt.Errorf("notify: %w", err)
	}
	return id, nil
}
