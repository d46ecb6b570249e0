package audio

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pilebones/go-udev/netlink"
)

// DefaultHotplugDebounce coalesces the burst of uevents a single sound card
// produces when it is plugged in.
const DefaultHotplugDebounce = 500 * time.Millisecond

// HotplugWatcher listens for sound-subsystem udev events and reloads the
// device list when cards appear or disappear.
type HotplugWatcher struct {
	mu     sync.Mutex
	logger *slog.Logger

	reload   func() ([]Device, error)
	onChange func([]Device)
	debounce time.Duration

	conn *netlink.UEventConn

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewHotplugWatcher creates a watcher that reloads enum on hotplug events.
func NewHotplugWatcher(enum *Enumerator, logger *slog.Logger) *HotplugWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &HotplugWatcher{
		logger:   logger,
		debounce: DefaultHotplugDebounce,
	}
	if enum != nil {
		w.reload = enum.Reload
	}
	return w
}

// SetChangeCallback sets the function called with the reloaded device list.
func (w *HotplugWatcher) SetChangeCallback(fn func([]Device)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = fn
}

// SetDebounce sets how long to wait for further events before reloading.
func (w *HotplugWatcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Start connects to the kernel uevent socket. A failure to connect is logged
// and not returned; playback keeps working with the device list as it was.
func (w *HotplugWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		w.logger.Warn("failed to connect to netlink socket, device hotplug disabled", "error", err)
		return nil
	}

	w.conn = conn
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.running = true

	go w.watchLoop(ctx, conn, w.stopCh, w.doneCh)

	w.logger.Debug("hotplug watcher started")
	return nil
}

// Stop disconnects and waits for the watch loop to exit.
func (w *HotplugWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	done := w.doneCh
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()

	<-done
	_ = conn.Close()
	w.logger.Debug("hotplug watcher stopped")
}

// IsRunning returns whether the watcher is connected.
func (w *HotplugWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *HotplugWatcher) watchLoop(ctx context.Context, conn *netlink.UEventConn, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(queue, errs, soundMatcher())
	defer close(monitorQuit)

	w.mu.Lock()
	debounce := w.debounce
	w.mu.Unlock()

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case ev := <-queue:
			w.logger.Debug("sound device event", "action", string(ev.Action), "kobj", ev.KObj)
			timer.Reset(debounce)
		case err := <-errs:
			w.logger.Warn("netlink monitor error", "error", err)
		case <-timer.C:
			w.handleChange()
		}
	}
}

// handleChange reloads the device list and notifies the callback.
func (w *HotplugWatcher) handleChange() {
	w.mu.Lock()
	reload := w.reload
	onChange := w.onChange
	w.mu.Unlock()

	if reload == nil {
		return
	}

	devices, err := reload()
	if err != nil {
		w.logger.Warn("failed to reload audio devices", "error", err)
		return
	}
	if onChange != nil {
		onChange(devices)
	}
}

// soundMatcher matches card add and remove events.
func soundMatcher() netlink.Matcher {
	action := "add|remove"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "sound",
		},
	})
	return rules
}
