package notification

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidStatus = errors.New("invalid remote status")

// Item is one entry of the inbox as persisted locally and returned by the server.
type Item struct {
	PushID  string         `json:"push_id"`
	Time    time.Time      `json:"time"`
	Read    bool           `json:"read"`
	Title   string         `json:"title,omitempty"`
	Message string         `json:"message,omitempty"`
	URL     string         `json:"url,omitempty"`
	Image   string         `json:"image,omitempty"`
	AppID   string         `json:"app_id,omitempty"`
	AppData map[string]any `json:"app_data,omitempty"`
}

// Event is a normalized inbound push. Replace, Revoke and NotInInbox are control
// fields and never end up in the inbox.
type Event struct {
	PushID     string         `json:"push_id,omitempty"`
	Replace    string         `json:"replace,omitempty"`
	Revoke     string         `json:"revoke,omitempty"`
	Title      string         `json:"title,omitempty"`
	Message    string         `json:"message,omitempty"`
	URL        string         `json:"url,omitempty"`
	Image      string         `json:"image,omitempty"`
	Time       *time.Time     `json:"time,omitempty"`
	NotInInbox bool           `json:"not_in_inbox,omitempty"`
	AppID      string         `json:"app_id,omitempty"`
	AppData    map[string]any `json:"app_data,omitempty"`
}

// ToItem builds an unread inbox item from the event. A missing time defaults to now.
func (e Event) ToItem(now time.Time) Item {
	t := now.UTC()
	if e.Time != nil && !e.Time.IsZero() {
		t = e.Time.UTC()
	}
	return Item{
		PushID:  e.PushID,
		Time:    t,
		Read:    false,
		Title:   e.Title,
		Message: e.Message,
		URL:     e.URL,
		Image:   e.Image,
		AppID:   e.AppID,
		AppData: copyAppData(e.AppData),
	}
}

// Status is the remote status reported for a notification.
type Status string

const (
	StatusReceived Status = "received"
	StatusRead     Status = "read"
	StatusTapped   Status = "tapped"
)

func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusReceived:
		return StatusReceived, nil
	case StatusRead:
		return StatusRead, nil
	case StatusTapped:
		return StatusTapped, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

func (s Status) Valid() bool {
	_, err := ParseStatus(string(s))
	return err == nil
}

type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// PlatformType is the value the server expects in device registrations.
func (p Platform) PlatformType() string {
	if p == PlatformIOS {
		return "IosPlatform"
	}
	return "AndroidPlatform"
}

// HasExternalWriter reports whether a notification-service extension writes
// the shared store independently of the main process on this platform.
func (p Platform) HasExternalWriter() bool {
	return p == PlatformIOS
}

func ParsePlatform(raw string) (Platform, error) {
	switch Platform(strings.ToLower(strings.TrimSpace(raw))) {
	case PlatformIOS:
		return PlatformIOS, nil
	case PlatformAndroid, "":
		return PlatformAndroid, nil
	default:
		return "", fmt.Errorf("unsupported platform: %s", raw)
	}
}

const APIVersion = "2"

// Device is the registration record sent to the server.
type Device struct {
	HardwareID   string `json:"hardware_id"`
	PushToken    string `json:"push_token,omitempty"`
	PlatformType string `json:"platform_type,omitempty"`
	DeviceType   string `json:"device_type,omitempty"`
	APIVersion   string `json:"api_version,omitempty"`
}

func NewDevice(hardwareID, pushToken string, platform Platform) Device {
	return Device{
		HardwareID:   hardwareID,
		PushToken:    pushToken,
		PlatformType: platform.PlatformType(),
		DeviceType:   "phone",
		APIVersion:   APIVersion,
	}
}

// CloneItems returns a deep copy of items, safe to hand to subscribers.
func CloneItems(items []Item) []Item {
	if items == nil {
		return []Item{}
	}
	out := make([]Item, len(items))
	for i, item := range items {
		item.AppData = copyAppData(item.AppData)
		out[i] = item
	}
	return out
}

// UnreadCount counts items not yet marked read.
func UnreadCount(items []Item) int {
	n := 0
	for _, item := range items {
		if !item.Read {
			n++
		}
	}
	return n
}

func copyAppData(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
