package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"bull-bridge/internal/domain"
)

const notifyTimeout = 10 * time.Second

var ErrNoCredentials = errors.New("no credentials configured")

// Bridge wires the cloud session, the push channel and the credentials store
// into the setup/teardown lifecycle and the command path used by the host.
type Bridge struct {
	session  CloudSession
	push     PushChannel
	store    CredentialStore
	notifier Notifier
	logger   *slog.Logger

	mu    sync.Mutex
	ready bool

	watchMu      sync.Mutex
	availability map[string]bool
}

// NewBridge builds a Bridge. push may be nil when push delivery is disabled.
func NewBridge(
	session CloudSession,
	push PushChannel,
	store CredentialStore,
	notifier Notifier,
	logger *slog.Logger,
) *Bridge {
	if notifier == nil {
		notifier = &NoopNotifier{}
	}
	return &Bridge{
		session:      session,
		push:         push,
		store:        store,
		notifier:     notifier,
		logger:       logger,
		availability: make(map[string]bool),
	}
}

// Run sets the bridge up and keeps it running until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.Setup(ctx); err != nil {
		return err
	}
	defer b.Teardown()

	b.logger.Info("bridge ready", "devices", len(b.session.Devices()))
	<-ctx.Done()
	return nil
}

// Setup logs in with the stored credentials, discovers devices, persists the
// resulting snapshot and starts push delivery.
func (b *Bridge) Setup(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.setup(ctx)
}

func (b *Bridge) setup(ctx context.Context) error {
	creds := b.session.Credentials()
	if creds.Empty() {
		return ErrNoCredentials
	}

	b.logger.Info("logging in", "username", creds.Username)
	if err := b.session.Login(ctx, creds.Username, creds.Password); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	if err := b.session.DiscoverAllDevices(ctx); err != nil {
		return fmt.Errorf("discovering devices: %w", err)
	}

	b.saveSnapshot()
	b.watchDevices()

	if b.push != nil {
		if err := b.push.Start(ctx); err != nil {
			return fmt.Errorf("starting push: %w", err)
		}
	}

	b.ready = true
	return nil
}

// Teardown stops push delivery before the session and its registry are
// dropped.
func (b *Bridge) Teardown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.teardown()
}

func (b *Bridge) teardown() {
	if b.push != nil {
		b.push.Stop()
	}
	b.session.Teardown()

	b.watchMu.Lock()
	b.availability = make(map[string]bool)
	b.watchMu.Unlock()

	b.ready = false
	b.logger.Info("bridge torn down")
}

// Reload tears everything down and sets it up again from the stored
// credentials.
func (b *Bridge) Reload(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.logger.Info("reloading bridge")
	b.teardown()
	return b.setup(ctx)
}

func (b *Bridge) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// Execute dispatches an action to a discovered device.
func (b *Bridge) Execute(ctx context.Context, cmd domain.Command) error {
	device, ok := b.session.Device(cmd.IotID)
	if !ok {
		return domain.DeviceNotFound(cmd.IotID)
	}

	write, err := domain.ResolveCommand(device, cmd)
	if err != nil {
		return err
	}

	b.logger.Info("executing action",
		"iot_id", write.IotID,
		"action", cmd.Action,
		"identifier", write.Identifier,
		"value", write.Value,
	)

	if err := b.session.SetDeviceProperty(ctx, write.IotID, write.Identifier, write.Value); err != nil {
		return fmt.Errorf("%s on %s: %w", cmd.Action, write.IotID, err)
	}
	return nil
}

// SetProperty writes a raw property. The device does not need to be known.
func (b *Bridge) SetProperty(ctx context.Context, iotID, identifier string, value any) error {
	return b.session.SetDeviceProperty(ctx, iotID, identifier, value)
}

// Devices returns snapshots of every device ordered by iot id.
func (b *Bridge) Devices() []domain.Snapshot {
	devices := b.session.Devices()
	out := make([]domain.Snapshot, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IotID < out[j].IotID })
	return out
}

func (b *Bridge) Device(iotID string) (domain.Snapshot, error) {
	d, ok := b.session.Device(iotID)
	if !ok {
		return domain.Snapshot{}, domain.DeviceNotFound(iotID)
	}
	return d.Snapshot(), nil
}

func (b *Bridge) Families(ctx context.Context) ([]domain.Family, error) {
	return b.session.Families(ctx)
}

// SelectFamilies narrows discovery to ids and persists the choice. It takes
// effect on the next setup or reload.
func (b *Bridge) SelectFamilies(ids []int) error {
	b.session.SelectFamilies(ids)
	if b.store == nil {
		return nil
	}
	if err := b.store.Save(b.session.Credentials()); err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}
	return nil
}

func (b *Bridge) PushState() domain.PushState {
	if b.push == nil {
		return domain.PushDisconnected
	}
	return b.push.State()
}

func (b *Bridge) saveSnapshot() {
	if b.store == nil {
		return
	}
	if err := b.store.Save(b.session.Credentials()); err != nil {
		b.logger.Error("saving credentials snapshot", "error", err)
	}
}

// watchDevices observes every device so availability flips reach the
// notifier.
func (b *Bridge) watchDevices() {
	b.watchMu.Lock()
	defer b.watchMu.Unlock()

	for id, d := range b.session.Devices() {
		b.availability[id] = d.Available()

		device := d
		observer := func() { b.onDeviceChanged(device) }
		if device.Kind.HasChannels() {
			for _, channel := range device.Channels() {
				device.Observe(channel, observer)
			}
			continue
		}
		device.Observe("", observer)
	}
}

func (b *Bridge) onDeviceChanged(d *domain.Device) {
	available := d.Available()

	b.watchMu.Lock()
	prev, known := b.availability[d.IotID]
	b.availability[d.IotID] = available
	b.watchMu.Unlock()

	if !known || prev == available {
		return
	}

	alert := domain.AvailabilityAlert(d, available)
	b.logger.Info("device availability changed", "iot_id", d.IotID, "online", available)

	// The observer runs on the push delivery path; notifying must not block it.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := b.notifier.Notify(ctx, alert); err != nil {
			b.logger.Error("notifying availability change", "iot_id", alert.IotID, "error", err)
		}
	}()
}
