// Package extension is the notification-service side of the SDK: it runs in
// its own process, applies one push to the shared inbox and reports delivery.
package extension

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vanso/rtcp/internal/inbox"
	"github.com/vanso/rtcp/internal/notification"
	"github.com/vanso/rtcp/internal/push"
	"github.com/vanso/rtcp/internal/rtcpapi"
	"github.com/vanso/rtcp/internal/storage"
)

type Logger interface {
	Printf(format string, args ...any)
}

// ReporterFactory builds the client used for delivery receipts from the
// settings the main app stored.
type ReporterFactory func(baseURL, appID string) inbox.StatusReporter

type Options struct {
	Namespace  string
	HTTPClient *http.Client
	Reporter   ReporterFactory
	Logger     Logger
	Now        func() time.Time
}

type Result struct {
	Event    notification.Event
	Outcome  inbox.Outcome
	MediaURL string
	// Badge is the unread count; BadgeSet is false when badges are disabled
	// or the inbox has not been initialized by the main app.
	Badge       int
	BadgeSet    bool
	ReceiptSent bool
}

type Processor struct {
	store     storage.Store
	bridge    *inbox.Bridge
	namespace string
	reporter  ReporterFactory
	logger    Logger
	now       func() time.Time
}

func NewProcessor(store storage.Store, opts Options) (*Processor, error) {
	if strings.TrimSpace(opts.Namespace) == "" {
		return nil, fmt.Errorf("namespace is required")
	}
	bridge, err := inbox.NewBridge(store, opts.Logger)
	if err != nil {
		return nil, err
	}
	reporter := opts.Reporter
	if reporter == nil {
		httpClient := opts.HTTPClient
		reporter = func(baseURL, appID string) inbox.StatusReporter {
			return rtcpapi.NewClient(baseURL, appID, httpClient)
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Processor{
		store:     store,
		bridge:    bridge,
		namespace: opts.Namespace,
		reporter:  reporter,
		logger:    opts.Logger,
		now:       now,
	}, nil
}

// Process applies raw to the stored inbox. A store without an inbox is left
// untouched: the main app has not initialized it yet.
func (p *Processor) Process(ctx context.Context, raw map[string]any) (Result, error) {
	payload, err := push.NormalizePayload(raw)
	if err != nil {
		return Result{}, err
	}
	result := Result{Event: payload.Event, MediaURL: payload.MediaURL}

	snap, ok, err := p.bridge.Load(ctx, p.namespace)
	if err != nil {
		return result, err
	}
	if ok {
		size := p.inboxSize(ctx)
		next, outcome := inbox.Apply(snap.Inbox, payload.Event, size, p.now())
		result.Outcome = outcome
		if outcome.Changed() {
			if err := p.bridge.Save(ctx, p.namespace, next, snap.LastSync); err != nil {
				return result, err
			}
		} else if outcome != inbox.Ignored {
			p.logf("[DEBUG] push %s: %s", payload.Event.PushID, outcome)
		}
		if p.flag(ctx, inbox.KeyEnableBadge) {
			result.Badge = notification.UnreadCount(next)
			result.BadgeSet = true
		}
	}

	result.ReceiptSent = p.sendReceipt(ctx, payload.Event.PushID)
	return result, nil
}

func (p *Processor) sendReceipt(ctx context.Context, pushID string) bool {
	if pushID == "" {
		return false
	}
	baseURL := p.value(ctx, inbox.KeyBaseURL)
	appID := p.value(ctx, inbox.KeyAppID)
	hardwareID := p.value(ctx, inbox.KeyHardwareID)
	if baseURL == "" || appID == "" || hardwareID == "" {
		p.logf("[WARN] delivery receipt skipped: app settings not stored yet")
		return false
	}
	reporter := p.reporter(baseURL, appID)
	if err := reporter.UpdateNotificationRemoteStatus(ctx, hardwareID, []string{pushID}, notification.StatusReceived); err != nil {
		p.logf("[WARN] delivery receipt for %s failed: %v", pushID, err)
		return false
	}
	return true
}

func (p *Processor) inboxSize(ctx context.Context) int {
	n, err := strconv.Atoi(p.value(ctx, inbox.KeyInboxSize))
	if err != nil || n <= 0 {
		return inbox.DefaultSize
	}
	return n
}

func (p *Processor) flag(ctx context.Context, key string) bool {
	return p.value(ctx, key) == "true"
}

func (p *Processor) value(ctx context.Context, key string) string {
	v, ok, err := p.store.Get(ctx, p.namespace, key)
	if err != nil {
		p.logf("[WARN] read %s: %v", key, err)
		return ""
	}
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

func (p *Processor) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}
