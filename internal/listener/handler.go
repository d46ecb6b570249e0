package listener

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/jmylchreest/echolistener/internal/config"
	"github.com/jmylchreest/echolistener/internal/payload"
)

// Enqueuer accepts decoded fragments for playback.
type Enqueuer interface {
	EnqueueFragments(frags []payload.Fragment) (int, error)
}

// Handler turns play-audio events into queued fragments. It filters events
// for other channels and routes each accepted event to the device
// configured for its channel.
type Handler struct {
	mu     sync.RWMutex
	logger *slog.Logger
	cfg    *config.Config
	queue  Enqueuer
}

// NewHandler creates a handler feeding queue.
func NewHandler(cfg *config.Config, queue Enqueuer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, cfg: cfg, queue: queue}
}

// UpdateConfig swaps the configuration used for channel filtering and routing.
func (h *Handler) UpdateConfig(cfg *config.Config) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg = cfg
}

// Handle processes one event. Arguments are either (channel, payload) or
// (payload). Errors are logged and returned; they never propagate into the
// connection.
func (h *Handler) Handle(args ...any) (int, error) {
	channel, body := splitArgs(args)

	h.mu.RLock()
	cfg := h.cfg
	h.mu.RUnlock()

	if channel != "" && channel != cfg.Server.Channel {
		h.logger.Debug("ignoring event for other channel", "channel", channel)
		return 0, nil
	}
	if channel == "" {
		channel = cfg.Server.Channel
	}

	h.logger.Info("audio event",
		"channel", channel,
		"data", payload.Redact(body, payload.DefaultRedactLimit),
	)

	device := cfg.DeviceFor(channel)
	frags, err := payload.Normalize(body, device)
	if err != nil {
		if errors.Is(err, payload.ErrMalformedPayload) {
			h.logger.Debug("event carries no audio", "channel", channel)
		} else {
			h.logger.Error("handler-error", "channel", channel, "error", err)
		}
		return 0, err
	}

	n, err := h.queue.EnqueueFragments(frags)
	if err != nil {
		h.logger.Error("handler-error", "channel", channel, "queued", n, "error", err)
		return n, err
	}
	h.logger.Debug("queued audio", "channel", channel, "device", device, "fragments", n)
	return n, nil
}

// splitArgs extracts the optional channel name and the payload object.
func splitArgs(args []any) (string, map[string]any) {
	var channel string
	var body map[string]any

	if len(args) > 0 {
		switch v := args[0].(type) {
		case string:
			channel = v
		case map[string]any:
			body = v
		}
	}
	if len(args) > 1 && body == nil {
		if m, ok := args[1].(map[string]any); ok {
			body = m
		}
	}
	if body == nil {
		body = map[string]any{}
	}
	return channel, body
}
