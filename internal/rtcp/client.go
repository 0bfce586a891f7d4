// Package rtcp is the SDK entry point: it wires device registration, the
// notification inbox and ads for a host application.
package rtcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vanso/rtcp/internal/inbox"
	"github.com/vanso/rtcp/internal/notification"
	"github.com/vanso/rtcp/internal/push"
	"github.com/vanso/rtcp/internal/rtcpapi"
	"github.com/vanso/rtcp/internal/storage"
)

var (
	ErrMissingAppID  = errors.New("rtcp: app id is required")
	ErrMissingPushID = errors.New("rtcp: push payload has no push_id")
)

const readyWait = 100 * time.Millisecond

// API is the remote surface the client needs; *rtcpapi.Client implements it.
type API interface {
	inbox.Remote
	RegisterDevice(ctx context.Context, device notification.Device) error
	UnregisterDevice(ctx context.Context, device notification.Device) error
	GetAdImageData(ctx context.Context, zoneID string) (rtcpapi.Ad, error)
	GetAllAdImageData(ctx context.Context, zoneID string) ([]rtcpapi.Ad, error)
}

// Badger receives the unread count whenever the inbox changes.
type Badger interface {
	SetBadge(count int)
}

type Logger interface {
	Printf(format string, args ...any)
}

type AppState string

const (
	AppStateActive     AppState = "active"
	AppStateInactive   AppState = "inactive"
	AppStateBackground AppState = "background"
)

type Options struct {
	AppID string
	// AppGroup is shared with the notification-service extension.
	AppGroup   string
	Production bool
	BaseURL    string
	HardwareID string
	Platform   notification.Platform

	DisableDeliveryReceipt bool
	DisableBadge           bool
	InboxSize              int
	SyncOnAppstart         bool
	ReceiptDelay           time.Duration

	// Store defaults to an in-memory store.
	Store      storage.Store
	API        API
	HTTPClient *http.Client
	Badger     Badger
	Logger     Logger
	Now        func() time.Time
}

type Client struct {
	appID           string
	baseURL         string
	hardwareID      string
	namespace       string
	platform        notification.Platform
	deliveryReceipt bool
	badge           bool

	api    API
	store  storage.Store
	engine *inbox.Engine
	syncer *inbox.Syncer
	logger Logger

	tokenMu    sync.Mutex
	unsubBadge func()
	inflight   sync.WaitGroup
	closeOnce  sync.Once
}

func New(ctx context.Context, opts Options) (*Client, error) {
	appID := strings.TrimSpace(opts.AppID)
	if appID == "" {
		return nil, ErrMissingAppID
	}
	platform := opts.Platform
	if platform == "" {
		platform = notification.PlatformAndroid
	}
	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		baseURL = rtcpapi.BaseURLFor(opts.Production)
	}
	size := opts.InboxSize
	if size <= 0 {
		size = inbox.DefaultSize
	}
	store := opts.Store
	if store == nil {
		store = storage.NewMemoryStore()
	}
	api := opts.API
	if api == nil {
		httpAPI := rtcpapi.NewClient(baseURL, appID, opts.HTTPClient)
		baseURL = httpAPI.BaseURL()
		api = httpAPI
	}

	c := &Client{
		appID:           appID,
		baseURL:         baseURL,
		namespace:       inbox.Namespace(opts.AppGroup, appID),
		platform:        platform,
		deliveryReceipt: !opts.DisableDeliveryReceipt,
		badge:           !opts.DisableBadge,
		api:             api,
		store:           store,
		logger:          opts.Logger,
	}
	logf(c.logger, "[INFO] initializing rtcp for app %s (namespace %s)", appID, c.namespace)

	hardwareID, err := c.resolveHardwareID(ctx, opts.HardwareID)
	if err != nil {
		return nil, err
	}
	c.hardwareID = hardwareID

	if platform.HasExternalWriter() {
		if err := c.storeExtensionParams(ctx, size); err != nil {
			return nil, err
		}
	}

	c.engine, err = inbox.NewEngine(api, inbox.EngineOptions{
		HardwareID:   hardwareID,
		Size:         size,
		ReceiptDelay: opts.ReceiptDelay,
		Logger:       opts.Logger,
		Now:          opts.Now,
	})
	if err != nil {
		return nil, err
	}
	bridge, err := inbox.NewBridge(store, opts.Logger)
	if err != nil {
		return nil, err
	}
	c.syncer, err = inbox.NewSyncer(c.engine, api, bridge, inbox.SyncerOptions{
		HardwareID:     hardwareID,
		Namespace:      c.namespace,
		SyncOnAppstart: opts.SyncOnAppstart,
		ExternalWriter: platform.HasExternalWriter(),
		Logger:         opts.Logger,
		Now:            opts.Now,
	})
	if err != nil {
		return nil, err
	}
	if c.badge && opts.Badger != nil {
		badger := opts.Badger
		c.unsubBadge = c.engine.OnInboxUpdate(func(update inbox.InboxUpdate) {
			badger.SetBadge(notification.UnreadCount(update.Inbox))
		})
	}
	return c, nil
}

func (c *Client) resolveHardwareID(ctx context.Context, configured string) (string, error) {
	if id := strings.TrimSpace(configured); id != "" {
		return id, nil
	}
	stored, ok, err := c.store.Get(ctx, c.namespace, inbox.KeyHardwareID)
	if err != nil {
		return "", fmt.Errorf("read hardware id: %w", err)
	}
	if ok && strings.TrimSpace(stored) != "" {
		return strings.TrimSpace(stored), nil
	}
	id := uuid.NewString()
	if err := c.store.Set(ctx, c.namespace, inbox.KeyHardwareID, id); err != nil {
		return "", fmt.Errorf("store hardware id: %w", err)
	}
	return id, nil
}

// storeExtensionParams leaves what the extension process needs in the shared store.
func (c *Client) storeExtensionParams(ctx context.Context, size int) error {
	params := map[string]string{
		inbox.KeyBaseURL:     c.baseURL,
		inbox.KeyAppID:       c.appID,
		inbox.KeyHardwareID:  c.hardwareID,
		inbox.KeyInboxSize:   strconv.Itoa(size),
		inbox.KeyEnableBadge: strconv.FormatBool(c.badge),
	}
	for key, value := range params {
		if err := c.store.Set(ctx, c.namespace, key, value); err != nil {
			return fmt.Errorf("store %s: %w", key, err)
		}
	}
	logf(c.logger, "[DEBUG] stored extension parameters in %s", c.namespace)
	return nil
}

// Start loads the inbox according to the launch policy.
func (c *Client) Start(ctx context.Context) error {
	return c.syncer.Start(ctx)
}

// SetAppState reacts to lifecycle changes: returning to the foreground may
// reload or sync the inbox, leaving it sends pending read receipts.
func (c *Client) SetAppState(ctx context.Context, state AppState) error {
	switch state {
	case AppStateActive:
		return c.syncer.Foreground(ctx)
	case AppStateInactive, AppStateBackground:
		select {
		case <-c.engine.Receipts().Flush():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		return fmt.Errorf("unknown app state %q", state)
	}
}

// RegisterToken registers the device unless token is the one registered last.
func (c *Client) RegisterToken(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("push token is required")
	}
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	stored, ok, err := c.store.Get(ctx, c.namespace, inbox.KeyPushToken)
	if err != nil {
		return fmt.Errorf("read push token: %w", err)
	}
	if ok && stored == token {
		logf(c.logger, "[DEBUG] push token unchanged; not registering again")
		return nil
	}
	device := notification.NewDevice(c.hardwareID, token, c.platform)
	if err := c.api.RegisterDevice(ctx, device); err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	if err := c.store.Set(ctx, c.namespace, inbox.KeyPushToken, token); err != nil {
		return fmt.Errorf("store push token: %w", err)
	}
	logf(c.logger, "[INFO] registered device %s", c.hardwareID)
	return nil
}

// Unregister removes the device registration and forgets the cached token.
func (c *Client) Unregister(ctx context.Context) error {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	token, _, err := c.store.Get(ctx, c.namespace, inbox.KeyPushToken)
	if err != nil {
		return fmt.Errorf("read push token: %w", err)
	}
	if err := c.api.UnregisterDevice(ctx, notification.NewDevice(c.hardwareID, token, c.platform)); err != nil {
		return fmt.Errorf("unregister device: %w", err)
	}
	return c.store.Delete(ctx, c.namespace, inbox.KeyPushToken)
}

// HandlePush processes one delivered payload. foreground reports whether the
// app was in the foreground when it arrived.
func (c *Client) HandlePush(ctx context.Context, raw map[string]any, foreground bool) (notification.Event, error) {
	ev, err := push.Normalize(raw)
	if err != nil {
		logf(c.logger, "[WARN] invalid push payload: %v", err)
		return ev, err
	}
	if ev.PushID == "" {
		logf(c.logger, "[WARN] received a push without push_id")
		return ev, ErrMissingPushID
	}
	if ev.AppID != "" && ev.AppID != c.appID {
		logf(c.logger, "[DEBUG] push %s belongs to app %s; ignored", ev.PushID, ev.AppID)
		return ev, nil
	}
	logf(c.logger, "[DEBUG] received push %s", ev.PushID)

	if c.deliveryReceipt {
		c.report(ev.PushID, notification.StatusReceived)
	}

	if !c.platform.HasExternalWriter() {
		if !c.syncer.Ready() {
			c.syncer.WaitReady(ctx, readyWait)
		}
		c.engine.ApplyEvent(ev)
		return ev, nil
	}
	if foreground {
		if err := c.syncer.LoadFromStorage(ctx); err != nil {
			return ev, err
		}
	}
	return ev, nil
}

// HandleTap reports that the user opened the notification.
func (c *Client) HandleTap(ctx context.Context, pushID string) error {
	if strings.TrimSpace(pushID) == "" {
		return ErrMissingPushID
	}
	return c.api.UpdateNotificationRemoteStatus(ctx, c.hardwareID, []string{pushID}, notification.StatusTapped)
}

// Reload replaces the inbox with the stored snapshot, e.g. after another
// process changed the store.
func (c *Client) Reload(ctx context.Context) error {
	return c.syncer.LoadFromStorage(ctx)
}

func (c *Client) SyncInbox(ctx context.Context, force bool) error {
	return c.syncer.SyncInbox(ctx, force)
}

func (c *Client) Inbox() []notification.Item {
	return c.engine.Inbox()
}

func (c *Client) UnreadCount() int {
	return c.engine.UnreadCount()
}

func (c *Client) SetRead(index int) {
	c.engine.SetRead(index)
}

func (c *Client) Delete(index int) {
	c.engine.Delete(index)
}

func (c *Client) DeleteAll() {
	c.engine.DeleteAll()
}

func (c *Client) OnInboxUpdate(fn func(inbox.InboxUpdate)) func() {
	return c.engine.OnInboxUpdate(fn)
}

func (c *Client) LastSync() time.Time {
	return c.syncer.LastSync()
}

func (c *Client) Ready() bool {
	return c.syncer.Ready()
}

func (c *Client) HardwareID() string {
	return c.hardwareID
}

func (c *Client) Namespace() string {
	return c.namespace
}

func (c *Client) Store() storage.Store {
	return c.store
}

func (c *Client) Ads(ctx context.Context, zoneID string) (rtcpapi.Ad, error) {
	return c.api.GetAdImageData(ctx, zoneID)
}

func (c *Client) AllAds(ctx context.Context, zoneID string) ([]rtcpapi.Ad, error) {
	return c.api.GetAllAdImageData(ctx, zoneID)
}

// Close sends pending read receipts, waits for background calls and closes
// the store.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.syncer.Close()
		if c.unsubBadge != nil {
			c.unsubBadge()
		}
		<-c.engine.Receipts().Flush()
		c.engine.Receipts().Stop()
		c.engine.Wait()
		c.inflight.Wait()
		err = c.store.Close()
	})
	return err
}

func (c *Client) report(pushID string, status notification.Status) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.api.UpdateNotificationRemoteStatus(ctx, c.hardwareID, []string{pushID}, status); err != nil {
			logf(c.logger, "[WARN] %s receipt for %s failed: %v", status, pushID, err)
		}
	}()
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
