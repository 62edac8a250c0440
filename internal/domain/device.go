package domain

import (
	"encoding/json"
	"math"
	"sort"
	"sync"
)

type DeviceKind string

const (
	DeviceKindSwitch      DeviceKind = "switch"
	DeviceKindCover       DeviceKind = "cover"
	DeviceKindCharger     DeviceKind = "charger"
	DeviceKindUnsupported DeviceKind = "unsupported"
)

// HasChannels reports whether devices of this kind expose named switch channels.
func (k DeviceKind) HasChannels() bool {
	return k == DeviceKindSwitch || k == DeviceKindCharger
}

const (
	StatusIdentifier  = "status"
	StatusOnline      = "ONLINE"
	StatusOffline     = "OFFLINE"
	StatusOnlineCode  = 1
	StatusOfflineCode = 3
	ChargerIdentifier = "ChargerSwitch"
	CoverControl      = "curtainConrtol"
	CoverPosition     = "curtainPosition"
)

// Observer is notified after a device value changed. It is expected to re-read
// the device state rather than receive the new value.
type Observer func()

// Device is one physical unit in the vendor cloud, keyed by IotID. Property
// values are guarded by the device's own lock because the push path writes them
// while callers read.
type Device struct {
	IotID           string
	GlobalProductID int
	Kind            DeviceKind
	Room            string

	mu              sync.RWMutex
	productName     string
	modelName       string
	firmwareVersion string
	name            string
	values          map[string]any
	channelNames    map[string]string
	observers       map[string]Observer
}

func NewDevice(iotID string, productID int, kind DeviceKind, room string) *Device {
	return &Device{
		IotID:           iotID,
		GlobalProductID: productID,
		Kind:            kind,
		Room:            room,
		values:          make(map[string]any),
		channelNames:    make(map[string]string),
		observers:       make(map[string]Observer),
	}
}

func (d *Device) SetInfo(productName, modelName, firmwareVersion string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.productName = productName
	d.modelName = modelName
	d.firmwareVersion = firmwareVersion
}

func (d *Device) ProductName() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.productName
}

func (d *Device) ModelName() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.modelName
}

func (d *Device) FirmwareVersion() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.firmwareVersion
}

// SetName sets the single display name of a cover.
func (d *Device) SetName(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.name = name
}

func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

// DisplayName is the cover name, else the first channel label, else the iot id.
func (d *Device) DisplayName() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.name != "" {
		return d.name
	}
	ids := make([]string, 0, len(d.channelNames))
	for id := range d.channelNames {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if label := d.channelNames[id]; label != "" {
			return label
		}
	}
	return d.IotID
}

// SetChannel records the label of one switch channel.
func (d *Device) SetChannel(identifier, label string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channelNames[identifier] = label
}

func (d *Device) ChannelNames() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.channelNames))
	for k, v := range d.channelNames {
		out[k] = v
	}
	return out
}

// Channels returns the channel identifiers in stable order.
func (d *Device) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.channelNames))
	for id := range d.channelNames {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SeedValue stores a value without notifying observers. Used during discovery.
func (d *Device) SeedValue(identifier string, value any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values[identifier] = NormalizeValue(value)
}

// UpdateValue stores the value and then synchronously invokes the observers
// registered for it, outside the lock. A status change concerns every channel.
func (d *Device) UpdateValue(identifier string, value any) {
	d.mu.Lock()
	d.values[identifier] = NormalizeValue(value)
	observers := d.observersFor(identifier)
	d.mu.Unlock()

	for _, obs := range observers {
		obs()
	}
}

func (d *Device) observersFor(identifier string) []Observer {
	if !d.Kind.HasChannels() {
		if obs, ok := d.observers[""]; ok {
			return []Observer{obs}
		}
		return nil
	}
	if identifier != StatusIdentifier {
		if obs, ok := d.observers[identifier]; ok {
			return []Observer{obs}
		}
		return nil
	}
	out := make([]Observer, 0, len(d.observers))
	for _, obs := range d.observers {
		out = append(out, obs)
	}
	return out
}

// Observe registers the observer for a channel. Covers and unsupported devices
// hold a single observer, so channel is ignored for them.
func (d *Device) Observe(channel string, o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.Kind.HasChannels() {
		channel = ""
	}
	if o == nil {
		delete(d.observers, channel)
		return
	}
	d.observers[channel] = o
}

func (d *Device) Value(identifier string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.values[identifier]
	return v, ok
}

func (d *Device) Values() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]any, len(d.values))
	for k, v := range d.values {
		out[k] = v
	}
	return out
}

// Available reports whether the status value is an online sentinel. Discovery
// reports "ONLINE"/"OFFLINE" while push updates report 1 (online) or 3 (offline).
func (d *Device) Available() bool {
	v, ok := d.Value(StatusIdentifier)
	if !ok {
		return false
	}
	return IsOnline(v)
}

func IsOnline(v any) bool {
	switch s := v.(type) {
	case string:
		return s == StatusOnline
	case int:
		return s == StatusOnlineCode
	case int64:
		return s == StatusOnlineCode
	case float64:
		return s == StatusOnlineCode
	}
	return false
}

// NormalizeValue converts decoded JSON scalars to int64, float64 or string.
func NormalizeValue(v any) any {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return int64(n)
		}
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case bool:
		if n {
			return int64(1)
		}
		return int64(0)
	}
	return v
}

// Snapshot is a point-in-time copy of a device, safe to serialize.
type Snapshot struct {
	IotID           string            `json:"iot_id"`
	GlobalProductID int               `json:"global_product_id"`
	Kind            DeviceKind        `json:"kind"`
	Name            string            `json:"name,omitempty"`
	Room            string            `json:"room"`
	ProductName     string            `json:"product_name"`
	ModelName       string            `json:"model_name"`
	FirmwareVersion string            `json:"firmware_version"`
	Available       bool              `json:"available"`
	Channels        map[string]string `json:"channels,omitempty"`
	Values          map[string]any    `json:"values"`
}

func (d *Device) Snapshot() Snapshot {
	s := Snapshot{
		IotID:           d.IotID,
		GlobalProductID: d.GlobalProductID,
		Kind:            d.Kind,
		Room:            d.Room,
		Values:          d.Values(),
		Available:       d.Available(),
	}

	d.mu.RLock()
	s.Name = d.name
	s.ProductName = d.productName
	s.ModelName = d.modelName
	s.FirmwareVersion = d.firmwareVersion
	d.mu.RUnlock()

	if d.Kind.HasChannels() {
		s.Channels = d.ChannelNames()
	}
	return s
}
