package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type Logger interface {
	Printf(format string, args ...any)
}

type FeedOptions struct {
	URL        string
	AppID      string
	HardwareID string
	Logger     Logger
	MinBackoff time.Duration
	MaxBackoff time.Duration
	HTTPClient *http.Client
}

// Feed subscribes to a websocket that relays push payloads, for hosts that
// receive pushes outside of the platform push service.
type Feed struct {
	url        string
	appID      string
	hardwareID string
	logger     Logger
	minBackoff time.Duration
	maxBackoff time.Duration
	httpClient *http.Client
}

func NewFeed(opts FeedOptions) (*Feed, error) {
	raw := strings.TrimSpace(opts.URL)
	if raw == "" {
		return nil, fmt.Errorf("feed url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse feed url: %w", err)
	}
	if opts.HardwareID != "" {
		q := u.Query()
		q.Set("hardware_id", opts.HardwareID)
		u.RawQuery = q.Encode()
	}
	minBackoff := opts.MinBackoff
	if minBackoff <= 0 {
		minBackoff = 500 * time.Millisecond
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff < minBackoff {
		maxBackoff = 30 * time.Second
	}
	return &Feed{
		url:        u.String(),
		appID:      opts.AppID,
		hardwareID: opts.HardwareID,
		logger:     opts.Logger,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		httpClient: opts.HTTPClient,
	}, nil
}

// Run delivers every payload to handle until ctx is done, reconnecting with
// capped exponential backoff after connection failures.
func (f *Feed) Run(ctx context.Context, handle func(ctx context.Context, raw map[string]any)) error {
	backoff := f.minBackoff
	for {
		delivered, err := f.session(ctx, handle)
		if ctx.Err() != nil {
			return nil
		}
		if delivered {
			backoff = f.minBackoff
		}
		f.logf("[WARN] push feed disconnected: %v; reconnecting in %s", err, backoff)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff *= 2
		if backoff > f.maxBackoff {
			backoff = f.maxBackoff
		}
	}
}

func (f *Feed) session(ctx context.Context, handle func(ctx context.Context, raw map[string]any)) (bool, error) {
	header := http.Header{}
	if f.appID != "" {
		header.Set("AUTH-APP-ID", f.appID)
	}
	conn, _, err := websocket.Dial(ctx, f.url, &websocket.DialOptions{
		HTTPClient: f.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	f.logf("[INFO] push feed connected to %s", f.url)

	delivered := false
	for {
		var raw map[string]any
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			var closeErr websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.StatusNormalClosure {
				return delivered, fmt.Errorf("closed by server")
			}
			return delivered, err
		}
		if raw == nil {
			continue
		}
		delivered = true
		handle(ctx, raw)
	}
}

func (f *Feed) logf(format string, args ...any) {
	if f.logger == nil {
		return
	}
	f.logger.Printf(format, args...)
}
