package bull

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"bull-bridge/internal/domain"
)

// ListingRow is one entry of a device listing. A multi-gang device appears
// once per channel, each row naming the channel in ElementIdentifier.
type ListingRow struct {
	IotID   string `json:"iotId"`
	Product struct {
		GlobalProductID int `json:"globalProductId"`
	} `json:"product"`
	RoomName          string      `json:"roomName"`
	NickName          string      `json:"nickName"`
	ElementIdentifier string      `json:"elementIdentifier"`
	Property          PropertySet `json:"property"`
}

type ListingProperty struct {
	Identifier string `json:"identifier"`
	Value      any    `json:"value"`
}

// PropertySet accepts the listing's property entries either keyed by
// identifier or as a plain array.
type PropertySet []ListingProperty

func (p *PropertySet) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*p = nil
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	if b[0] == '[' {
		var list []ListingProperty
		if err := dec.Decode(&list); err != nil {
			return err
		}
		*p = list
		return nil
	}

	var keyed map[string]ListingProperty
	if err := dec.Decode(&keyed); err != nil {
		return err
	}
	keys := make([]string, 0, len(keyed))
	for k := range keyed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(PropertySet, 0, len(keyed))
	for _, k := range keys {
		prop := keyed[k]
		if prop.Identifier == "" {
			prop.Identifier = k
		}
		out = append(out, prop)
	}
	*p = out
	return nil
}

type DeviceInfo struct {
	ProductName     string `json:"productName"`
	ModelName       string `json:"modelName"`
	FirmwareVersion string `json:"firmwareVersion"`
}

type InfoFetcher interface {
	DeviceInfo(ctx context.Context, iotID string) (DeviceInfo, error)
}

// Registry holds exactly one Device per iot id. Discovery adds and merges;
// the push path only updates values on devices already present.
type Registry struct {
	catalog ProductCatalog
	logger  *slog.Logger

	mu      sync.RWMutex
	devices map[string]*domain.Device
}

func NewRegistry(catalog ProductCatalog, logger *slog.Logger) *Registry {
	return &Registry{
		catalog: catalog,
		logger:  logger,
		devices: make(map[string]*domain.Device),
	}
}

// ParseListing merges the rows into the registry, fetching metadata once for
// every device seen for the first time.
func (r *Registry) ParseListing(ctx context.Context, rows []ListingRow, fetch InfoFetcher) error {
	for _, row := range rows {
		if row.IotID == "" {
			r.logger.Warn("skipping listing row without iotId", "room", row.RoomName, "nickname", row.NickName)
			continue
		}
		if err := r.parseRow(ctx, row, fetch); err != nil {
			return fmt.Errorf("parsing device %s: %w", row.IotID, err)
		}
	}

	r.logger.Info("device listing parsed", "rows", len(rows), "devices", r.Len())
	return nil
}

func (r *Registry) parseRow(ctx context.Context, row ListingRow, fetch InfoFetcher) error {
	kind := r.catalog.Classify(row.Product.GlobalProductID)

	device, isNew := r.lookupOrCreate(row, kind)
	if isNew {
		if err := r.registerNewDevice(ctx, device, row, fetch); err != nil {
			r.forget(device)
			return err
		}
	}

	switch device.Kind {
	case domain.DeviceKindSwitch, domain.DeviceKindCharger:
		if !isNew {
			seedValues(device, row)
		}
		if row.ElementIdentifier != "" {
			device.SetChannel(row.ElementIdentifier, row.RoomName+row.NickName)
		}
	case domain.DeviceKindCover:
		device.SetName(row.RoomName + row.NickName)
	default:
		r.logger.Warn("unsupported device",
			"iot_id", device.IotID,
			"product_id", device.GlobalProductID,
			"product", device.ProductName(),
			"model", device.ModelName(),
		)
	}
	return nil
}

func (r *Registry) lookupOrCreate(row ListingRow, kind domain.DeviceKind) (*domain.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.devices[row.IotID]; ok {
		return d, false
	}
	d := domain.NewDevice(row.IotID, row.Product.GlobalProductID, kind, row.RoomName)
	r.devices[row.IotID] = d
	return d, true
}

// forget drops a device whose registration failed so the next discovery
// registers it again.
func (r *Registry) forget(d *domain.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.devices[d.IotID] == d {
		delete(r.devices, d.IotID)
	}
}

// registerNewDevice seeds values from the first row of a device and loads its
// product metadata. It runs once per iot id.
func (r *Registry) registerNewDevice(ctx context.Context, device *domain.Device, row ListingRow, fetch InfoFetcher) error {
	seedValues(device, row)

	if fetch == nil {
		return nil
	}

	info, err := fetch.DeviceInfo(ctx, device.IotID)
	if err != nil {
		if _, vendor := VendorCode(err); vendor {
			r.logger.Warn("device info unavailable", "iot_id", device.IotID, "error", err)
			return nil
		}
		return fmt.Errorf("fetching device info: %w", err)
	}
	device.SetInfo(info.ProductName, info.ModelName, info.FirmwareVersion)

	r.logger.Debug("registered device",
		"iot_id", device.IotID,
		"kind", device.Kind,
		"product", info.ProductName,
		"model", info.ModelName,
	)
	return nil
}

func seedValues(device *domain.Device, row ListingRow) {
	for _, prop := range row.Property {
		if prop.Identifier == "" {
			continue
		}
		device.SeedValue(prop.Identifier, prop.Value)
	}
}

// ApplyUpdate sets one value and notifies the device observer. Updates for
// unknown devices are dropped; they may belong to a family outside the
// selected scope or arrive before discovery finished.
func (r *Registry) ApplyUpdate(iotID, identifier string, value any) bool {
	device, ok := r.Device(iotID)
	if !ok {
		r.logger.Debug("update for unknown device", "iot_id", iotID, "identifier", identifier)
		return false
	}
	device.UpdateValue(identifier, value)
	r.logger.Debug("device property updated", "iot_id", iotID, "identifier", identifier, "value", value)
	return true
}

func (r *Registry) Device(iotID string) (*domain.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[iotID]
	return d, ok
}

// Devices returns a copy of the iot id to device mapping.
func (r *Registry) Devices() map[string]*domain.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*domain.Device, len(r.devices))
	for k, v := range r.devices {
		out[k] = v
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Reset drops every device. Called when the owning session is torn down.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = make(map[string]*domain.Device)
}
