package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/vanso/rtcp/internal/notification"
	"github.com/vanso/rtcp/internal/storage"
)

// Keys shared between the main process and the notification-service extension.
const (
	KeyInbox       = "rtcp_inbox"
	KeyLastSync    = "rtcp_last_inbox_sync"
	KeyInboxSize   = "rtcp_inbox_size"
	KeyEnableBadge = "rtcp_enable_badge"
	KeyBaseURL     = "rtcp_base_url"
	KeyAppID       = "rtcp_app_id"
	KeyHardwareID  = "rtcp_hardware_id"
	KeyPushToken   = "rtcp_push_token"
)

const (
	inboxSchemaURL    = "https://rtcp.vanso.com/schemas/inbox.json"
	inboxSchemaSource = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["push_id"],
    "properties": {
      "push_id": {"type": "string"},
      "time": {"type": "string"},
      "read": {"type": "boolean"},
      "title": {"type": "string"},
      "message": {"type": "string"},
      "url": {"type": "string"},
      "image": {"type": "string"},
      "app_id": {"type": "string"},
      "app_data": {"type": "object"}
    }
  }
}`
)

// Namespace is the store namespace shared by an app and its extension.
func Namespace(appGroup, appID string) string {
	appGroup = strings.Trim(strings.TrimSpace(appGroup), "/")
	appID = strings.TrimSpace(appID)
	if appGroup == "" {
		return appID
	}
	return appGroup + "/" + appID
}

// Snapshot is the persisted form of the inbox.
type Snapshot struct {
	Inbox    []notification.Item
	LastSync time.Time
}

// Bridge mirrors the inbox into a storage.Store.
type Bridge struct {
	store  storage.Store
	schema *jsonschema.Schema
	logger Logger
}

func NewBridge(store storage.Store, logger Logger) (*Bridge, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	schema, err := compileSchema(inboxSchemaURL, inboxSchemaSource)
	if err != nil {
		return nil, err
	}
	return &Bridge{store: store, schema: schema, logger: logger}, nil
}

func (b *Bridge) Store() storage.Store {
	return b.store
}

func (b *Bridge) Save(ctx context.Context, namespace string, items []notification.Item, lastSync time.Time) error {
	data, err := json.Marshal(notification.CloneItems(items))
	if err != nil {
		return err
	}
	if err := b.store.Set(ctx, namespace, KeyInbox, string(data)); err != nil {
		return fmt.Errorf("save inbox: %w", err)
	}
	if lastSync.IsZero() {
		return nil
	}
	if err := b.store.Set(ctx, namespace, KeyLastSync, lastSync.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("save last sync: %w", err)
	}
	return nil
}

// Load reads the persisted inbox. A missing, malformed or invalid snapshot is
// reported as absent; only store failures are returned as errors.
func (b *Bridge) Load(ctx context.Context, namespace string) (Snapshot, bool, error) {
	raw, ok, err := b.store.Get(ctx, namespace, KeyInbox)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load inbox: %w", err)
	}
	if !ok {
		return Snapshot{}, false, nil
	}
	items, err := b.DecodeInbox(raw)
	if err != nil {
		logf(b.logger, "[WARN] stored inbox ignored: %v", err)
		return Snapshot{}, false, nil
	}
	snap := Snapshot{Inbox: items}

	rawSync, ok, err := b.store.Get(ctx, namespace, KeyLastSync)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load last sync: %w", err)
	}
	if ok {
		if ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(rawSync)); err == nil {
			snap.LastSync = ts
		} else {
			logf(b.logger, "[WARN] stored last sync ignored: %v", err)
		}
	}
	return snap, true, nil
}

// DecodeInbox validates and decodes a stored inbox document.
func (b *Bridge) DecodeInbox(raw string) ([]notification.Item, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode inbox: %w", err)
	}
	if err := b.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("validate inbox: %w", err)
	}
	var items []notification.Item
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("decode inbox: %w", err)
	}
	return notification.CloneItems(items), nil
}

func compileSchema(url, source string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}
