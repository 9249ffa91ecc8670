package webhooks

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-multibank/inbound"
)

type BurstMode string

const (
	BurstModeNone     BurstMode = "none"
	BurstModeCoalesce BurstMode = "coalesce"
	BurstModeDebounce BurstMode = "debounce"
)

type BurstDecision struct {
	Allow    bool
	Metadata map[string]any
}

type BurstController interface {
	Allow(ctx context.Context, req inbound.Request) (BurstDecision, error)
}

type BurstKeyExtractor func(req inbound.Request) (string, bool)

type BurstOptions struct {
	Mode       BurstMode
	Window     time.Duration
	MaxEntries int
	ExtractKey BurstKeyExtractor
	Now        func() time.Time
}

type DefaultBurstController struct {
	mode       BurstMode
	window     time.Duration
	maxEntries int
	extractKey BurstKeyExtractor
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time
}

func NewBurstController(opts BurstOptions) *DefaultBurstController {
	window := opts.Window
	if window <= 0 {
		window = 2 * time.Second
	}
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	extractKey := opts.ExtractKey
	if extractKey == nil {
		extractKey = DefaultBurstKeyExtractor
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &DefaultBurstController{
		mode:       normalizeBurstMode(opts.Mode),
		window:     window,
		maxEntries: maxEntries,
		extractKey: extractKey,
		now:        now,
		entries:    map[string]time.Time{},
	}
}

func (c *DefaultBurstController) Allow(_ context.Context, req inbound.Request) (BurstDecision, error) {
	if c == nil || c.mode == BurstModeNone {
		return BurstDecision{Allow: true}, nil
	}
	key, ok := c.extractKey(req)
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return BurstDecision{Allow: true}, nil
	}

	now := c.now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()

	lastSeen, exists := c.entries[key]
	c.entries[key] = now
	c.cleanup(now)
	if !exists || now.Sub(lastSeen) >= c.window {
		return BurstDecision{Allow: true}, nil
	}

	metadata := map[string]any{
		"burst_mode":      string(c.mode),
		"burst_key":       key,
		"burst_window_ms": c.window.Milliseconds(),
	}
	switch c.mode {
	case BurstModeCoalesce:
		metadata["coalesced"] = true
	case BurstModeDebounce:
		metadata["debounced"] = true
	default:
		return BurstDecision{Allow: true}, nil
	}
	return BurstDecision{Allow: false, Metadata: metadata}, nil
}

func (c *DefaultBurstController) cleanup(now time.Time) {
	if len(c.entries) <= c.maxEntries {
		for key, seenAt := range c.entries {
			if now.Sub(seenAt) > c.window*4 {
				delete(c.entries, key)
			}
		}
		return
	}
	for key, seenAt := range c.entries {
		if now.Sub(seenAt) > c.window {
			delete(c.entries, key)
		}
		if len(c.entries) <= c.maxEntries {
			break
		}
	}
}

// DefaultBurstKeyExtractor keys callbacks by institution and consent id.
// Callbacks that do not name a consent outside the signed body are never
// suppressed.
func DefaultBurstKeyExtractor(req inbound.Request) (string, bool) {
	institutionID := normalizeID(req.InstitutionID)
	if institutionID == "" {
		return "", false
	}
	if req.Metadata != nil {
		for _, key := range []string{"burst_key", "consent_id"} {
			value := strings.TrimSpace(fmt.Sprint(req.Metadata[key]))
			if value != "" && value != "<nil>" {
				return institutionID + ":" + strings.ToLower(value), true
			}
		}
	}
	for _, key := range []string{"x-consent-id", "x-resource-id"} {
		if value := headerValue(req.Headers, key); value != "" {
			return institutionID + ":" + strings.ToLower(value), true
		}
	}
	return "", false
}

func normalizeBurstMode(mode BurstMode) BurstMode {
	switch strings.ToLower(strings.TrimSpace(string(mode))) {
	case string(BurstModeCoalesce):
		return BurstModeCoalesce
	case string(BurstModeDebounce):
		return BurstModeDebounce
	default:
		return BurstModeNone
	}
}

type burstHandler struct {
	next       inbound.Handler
	controller BurstController
}

// Coalesce wraps handler so callbacks suppressed by controller are
// accepted without reaching it.
func Coalesce(handler inbound.Handler, controller BurstController) inbound.Handler {
	if controller == nil {
		return handler
	}
	return &burstHandler{next: handler, controller: controller}
}

func (h *burstHandler) Kind() string {
	return h.next.Kind()
}

func (h *burstHandler) Handle(ctx context.Context, req inbound.Request) (inbound.Result, error) {
	decision, err := h.controller.Allow(ctx, req)
	if err != nil {
		return inbound.Result{}, err
	}
	if !decision.Allow {
		return inbound.Result{
			Accepted:   true,
			StatusCode: http.StatusAccepted,
			Metadata:   decision.Metadata,
		}, nil
	}
	return h.next.Handle(ctx, req)
}

var (
	_ BurstController = (*DefaultBurstController)(nil)
	_ inbound.Handler = (*burstHandler)(nil)
)
