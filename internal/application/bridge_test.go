package application_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"bull-bridge/internal/application"
	"bull-bridge/internal/domain"
)

type write struct {
	iotID      string
	identifier string
	value      any
}

type mockSession struct {
	mu        sync.Mutex
	creds     domain.Credentials
	devices   map[string]*domain.Device
	families  []domain.Family
	loginErr  error
	writeErr  error
	events    []string
	writes    []write
	discovery func(*mockSession)
}

func newMockSession(creds domain.Credentials) *mockSession {
	return &mockSession{creds: creds, devices: make(map[string]*domain.Device)}
}

func (m *mockSession) record(event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *mockSession) Login(_ context.Context, _, _ string) error {
	m.record("login")
	return m.loginErr
}

func (m *mockSession) DiscoverAllDevices(_ context.Context) error {
	m.record("discover")
	if m.discovery != nil {
		m.discovery(m)
	}
	return nil
}

func (m *mockSession) Families(_ context.Context) ([]domain.Family, error) {
	return m.families, nil
}

func (m *mockSession) SelectFamilies(ids []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds.SelectedFamilies = ids
}

func (m *mockSession) SetDeviceProperty(_ context.Context, iotID, identifier string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, write{iotID, identifier, value})
	return m.writeErr
}

func (m *mockSession) Devices() map[string]*domain.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*domain.Device, len(m.devices))
	for k, v := range m.devices {
		out[k] = v
	}
	return out
}

func (m *mockSession) Device(iotID string) (*domain.Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[iotID]
	return d, ok
}

func (m *mockSession) Credentials() domain.Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds.Clone()
}

func (m *mockSession) Teardown() {
	m.record("session teardown")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = make(map[string]*domain.Device)
}

type mockPush struct {
	session *mockSession
	state   domain.PushState
}

func (p *mockPush) Start(_ context.Context) error {
	p.session.record("push start")
	p.state = domain.PushBound
	return nil
}

func (p *mockPush) Stop() {
	p.session.record("push stop")
	p.state = domain.PushDisconnected
}

func (p *mockPush) State() domain.PushState { return p.state }

type mockStore struct {
	mu    sync.Mutex
	saved []domain.Credentials
}

func (s *mockStore) Load() (domain.Credentials, bool, error) { return domain.Credentials{}, false, nil }

func (s *mockStore) Save(c domain.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, c)
	return nil
}

type mockNotifier struct {
	messages chan string
}

func (n *mockNotifier) Notify(_ context.Context, alert domain.Alert) error {
	n.messages <- alert.Message
	return nil
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var creds = domain.Credentials{Username: "u", Password: "p", SelectedFamilies: []int{}}

func seedDevices(m *mockSession) {
	sw := domain.NewDevice("sw-1", 6, domain.DeviceKindSwitch, "Hall")
	sw.SetChannel("PowerSwitch_1", "HallLeft")
	sw.SetChannel("PowerSwitch_2", "HallRight")
	sw.SeedValue(domain.StatusIdentifier, "ONLINE")

	cv := domain.NewDevice("cv-1", 31, domain.DeviceKindCover, "Study")
	cv.SetName("StudyBlind")
	cv.SeedValue(domain.StatusIdentifier, "ONLINE")

	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices["sw-1"] = sw
	m.devices["cv-1"] = cv
}

func newTestBridge(t *testing.T) (*application.Bridge, *mockSession, *mockPush, *mockStore, *mockNotifier) {
	t.Helper()
	session := newMockSession(creds)
	session.discovery = seedDevices
	push := &mockPush{session: session, state: domain.PushDisconnected}
	store := &mockStore{}
	notifier := &mockNotifier{messages: make(chan string, 4)}
	return application.NewBridge(session, push, store, notifier, silentLogger()), session, push, store, notifier
}

func TestBridge_SetupOrder(t *testing.T) {
	bridge, session, push, store, _ := newTestBridge(t)

	if err := bridge.Setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}

	want := []string{"login", "discover", "push start"}
	if !reflect.DeepEqual(session.events, want) {
		t.Errorf("events: got %v, want %v", session.events, want)
	}
	if len(store.saved) != 1 {
		t.Errorf("expected snapshot saved once, got %d", len(store.saved))
	}
	if push.State() != domain.PushBound || !bridge.Ready() {
		t.Error("bridge not ready after setup")
	}
}

func TestBridge_SetupWithoutCredentials(t *testing.T) {
	session := newMockSession(domain.Credentials{})
	bridge := application.NewBridge(session, nil, nil, nil, silentLogger())

	if err := bridge.Setup(context.Background()); !errors.Is(err, application.ErrNoCredentials) {
		t.Errorf("expected ErrNoCredentials, got %v", err)
	}
	if len(session.events) != 0 {
		t.Errorf("nothing should be called, got %v", session.events)
	}
}

func TestBridge_SetupLoginFailure(t *testing.T) {
	bridge, session, _, store, _ := newTestBridge(t)
	session.loginErr = errors.New("wrong password")

	if err := bridge.Setup(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if len(store.saved) != 0 {
		t.Error("snapshot saved after failed login")
	}
	if bridge.Ready() {
		t.Error("bridge ready after failed login")
	}
}

func TestBridge_TeardownStopsPushFirst(t *testing.T) {
	bridge, session, _, _, _ := newTestBridge(t)
	if err := bridge.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}
	session.events = nil

	bridge.Teardown()

	want := []string{"push stop", "session teardown"}
	if !reflect.DeepEqual(session.events, want) {
		t.Errorf("events: got %v, want %v", session.events, want)
	}
}

func TestBridge_Reload(t *testing.T) {
	bridge, session, _, _, _ := newTestBridge(t)
	if err := bridge.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}
	session.events = nil

	if err := bridge.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}

	want := []string{"push stop", "session teardown", "login", "discover", "push start"}
	if !reflect.DeepEqual(session.events, want) {
		t.Errorf("events: got %v, want %v", session.events, want)
	}
	if len(bridge.Devices()) != 2 {
		t.Errorf("devices not rediscovered")
	}
}

func TestBridge_Execute(t *testing.T) {
	bridge, session, _, _, _ := newTestBridge(t)
	if err := bridge.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}

	err := bridge.Execute(context.Background(), domain.Command{Action: domain.ActionTurnOn, IotID: "sw-1", Channel: "PowerSwitch_2"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	err = bridge.Execute(context.Background(), domain.Command{Action: domain.ActionStopCover, IotID: "cv-1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	want := []write{
		{"sw-1", "PowerSwitch_2", 1},
		{"cv-1", "curtainConrtol", 2},
	}
	if !reflect.DeepEqual(session.writes, want) {
		t.Errorf("writes: got %v, want %v", session.writes, want)
	}
}

func TestBridge_ExecuteErrors(t *testing.T) {
	bridge, session, _, _, _ := newTestBridge(t)
	if err := bridge.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		cmd  domain.Command
		code string
	}{
		{"unknown device", domain.Command{Action: domain.ActionTurnOn, IotID: "nope"}, domain.CodeDeviceNotFound},
		{"ambiguous channel", domain.Command{Action: domain.ActionTurnOn, IotID: "sw-1"}, domain.CodeUnsupportedAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := bridge.Execute(context.Background(), tt.cmd)
			var rich *goerrors.Error
			if !goerrors.As(err, &rich) || rich.TextCode != tt.code {
				t.Errorf("expected %s, got %v", tt.code, err)
			}
		})
	}
	if len(session.writes) != 0 {
		t.Errorf("failed commands reached the cloud: %v", session.writes)
	}
}

func TestBridge_SetPropertyUnknownDevice(t *testing.T) {
	bridge, session, _, _, _ := newTestBridge(t)

	if err := bridge.SetProperty(context.Background(), "never-seen", "PowerSwitch", 0); err != nil {
		t.Fatalf("set property: %v", err)
	}
	if len(session.writes) != 1 || session.writes[0].iotID != "never-seen" {
		t.Errorf("write not issued: %v", session.writes)
	}
}

func TestBridge_SelectFamiliesPersists(t *testing.T) {
	bridge, session, _, store, _ := newTestBridge(t)

	if err := bridge.SelectFamilies([]int{4, 5}); err != nil {
		t.Fatalf("select: %v", err)
	}
	if got := session.Credentials().SelectedFamilies; !reflect.DeepEqual(got, []int{4, 5}) {
		t.Errorf("scope not applied: %v", got)
	}
	if len(store.saved) != 1 || !reflect.DeepEqual(store.saved[0].SelectedFamilies, []int{4, 5}) {
		t.Errorf("scope not persisted: %v", store.saved)
	}
}

func TestBridge_DevicesSorted(t *testing.T) {
	bridge, _, _, _, _ := newTestBridge(t)
	if err := bridge.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}

	devices := bridge.Devices()
	if len(devices) != 2 || devices[0].IotID != "cv-1" || devices[1].IotID != "sw-1" {
		t.Errorf("unexpected order %v", devices)
	}

	if _, err := bridge.Device("missing"); err == nil {
		t.Error("expected not found")
	}
}

func TestBridge_AvailabilityNotification(t *testing.T) {
	bridge, session, _, _, notifier := newTestBridge(t)
	if err := bridge.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}

	sw, _ := session.Device("sw-1")
	sw.UpdateValue(domain.StatusIdentifier, domain.StatusOfflineCode)

	select {
	case msg := <-notifier.messages:
		if msg != "HallLeft is offline" {
			t.Errorf("unexpected message %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}

	sw.UpdateValue("PowerSwitch_1", 1)
	sw.UpdateValue(domain.StatusIdentifier, domain.StatusOfflineCode)
	select {
	case msg := <-notifier.messages:
		t.Errorf("unexpected notification %q", msg)
	case <-time.After(50 * time.Millisecond):
	}
}
