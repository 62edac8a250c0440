package httpapi_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	goerrors "github.com/goliatone/go-errors"

	"bull-bridge/internal/domain"
	"bull-bridge/internal/infra/httpapi"
)

type property struct {
	iotID      string
	identifier string
	value      any
}

type fakeController struct {
	devices    []domain.Snapshot
	commands   []domain.Command
	properties []property
	selected   []int
	reloads    int
	execErr    error
}

func (f *fakeController) Devices() []domain.Snapshot { return f.devices }

func (f *fakeController) Device(iotID string) (domain.Snapshot, error) {
	for _, d := range f.devices {
		if d.IotID == iotID {
			return d, nil
		}
	}
	return domain.Snapshot{}, domain.DeviceNotFound(iotID)
}

func (f *fakeController) Execute(_ context.Context, cmd domain.Command) error {
	f.commands = append(f.commands, cmd)
	return f.execErr
}

func (f *fakeController) SetProperty(_ context.Context, iotID, identifier string, value any) error {
	f.properties = append(f.properties, property{iotID, identifier, value})
	return nil
}

func (f *fakeController) Families(_ context.Context) ([]domain.Family, error) {
	return []domain.Family{{ID: 7, Name: "Home"}}, nil
}

func (f *fakeController) SelectFamilies(ids []int) error {
	f.selected = ids
	return nil
}

func (f *fakeController) Reload(_ context.Context) error {
	f.reloads++
	return nil
}

func (f *fakeController) PushState() domain.PushState { return domain.PushBound }

func newServer(token string) (*httpapi.Server, *fakeController) {
	ctrl := &fakeController{
		devices: []domain.Snapshot{{IotID: "sw-1", Kind: domain.DeviceKindSwitch}},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return httpapi.NewServer(":0", token, ctrl, logger), ctrl
}

func serve(s *httpapi.Server, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return body.Error
}

func TestServer_Health(t *testing.T) {
	s, _ := newServer("")
	rec := serve(s, http.MethodGet, "/health", "", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status code: got %d, want %d", rec.Code, http.StatusOK)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["push"] != "bound" || body["devices"] != float64(1) {
		t.Errorf("unexpected health body %v", body)
	}
}

func TestServer_Device(t *testing.T) {
	s, _ := newServer("")

	rec := serve(s, http.MethodGet, "/devices/sw-1", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status code: got %d, want %d", rec.Code, http.StatusOK)
	}

	rec = serve(s, http.MethodGet, "/devices/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status code: got %d, want %d", rec.Code, http.StatusNotFound)
	}
	if code := decodeError(t, rec); code != domain.CodeDeviceNotFound {
		t.Errorf("error code: got %q", code)
	}
}

func TestServer_Action(t *testing.T) {
	s, ctrl := newServer("")

	rec := serve(s, http.MethodPost, "/devices/sw-1/actions/turn_on?channel=PowerSwitch_2", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code: got %d, want %d", rec.Code, http.StatusOK)
	}

	want := []domain.Command{{Action: domain.ActionTurnOn, IotID: "sw-1", Channel: "PowerSwitch_2"}}
	if !reflect.DeepEqual(ctrl.commands, want) {
		t.Errorf("commands: got %v, want %v", ctrl.commands, want)
	}
}

func TestServer_ActionErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unsupported", domain.UnsupportedAction("open", domain.DeviceKindSwitch, ""), http.StatusBadRequest, domain.CodeUnsupportedAction},
		{"vendor", goerrors.New("device offline", goerrors.CategoryExternal).WithTextCode("vendor_error"), http.StatusBadGateway, "vendor_error"},
		{"plain", io.ErrUnexpectedEOF, http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ctrl := newServer("")
			ctrl.execErr = tt.err

			rec := serve(s, http.MethodPost, "/devices/sw-1/actions/open", "", nil)
			if rec.Code != tt.status {
				t.Errorf("status code: got %d, want %d", rec.Code, tt.status)
			}
			if code := decodeError(t, rec); code != tt.code {
				t.Errorf("error code: got %q, want %q", code, tt.code)
			}
		})
	}
}

func TestServer_SetProperty(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		value  any
	}{
		{"integer", `{"value": 1}`, http.StatusOK, int64(1)},
		{"float", `{"value": 42.5}`, http.StatusOK, 42.5},
		{"string", `{"value": "ON"}`, http.StatusOK, "ON"},
		{"true", `{"value": true}`, http.StatusOK, int64(1)},
		{"false", `{"value": false}`, http.StatusOK, int64(0)},
		{"missing", `{}`, http.StatusBadRequest, nil},
		{"object", `{"value": {"a": 1}}`, http.StatusBadRequest, nil},
		{"invalid json", `{`, http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ctrl := newServer("")

			rec := serve(s, http.MethodPut, "/devices/any/properties/PowerSwitch_1", tt.body, nil)
			if rec.Code != tt.status {
				t.Fatalf("status code: got %d, want %d", rec.Code, tt.status)
			}
			if tt.status != http.StatusOK {
				if len(ctrl.properties) != 0 {
					t.Errorf("property written on bad request")
				}
				return
			}
			want := []property{{"any", "PowerSwitch_1", tt.value}}
			if !reflect.DeepEqual(ctrl.properties, want) {
				t.Errorf("properties: got %#v, want %#v", ctrl.properties, want)
			}
		})
	}
}

func TestServer_SelectFamilies(t *testing.T) {
	s, ctrl := newServer("")

	rec := serve(s, http.MethodPut, "/families", `{"families": [3, 9]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code: got %d, want %d", rec.Code, http.StatusOK)
	}
	if !reflect.DeepEqual(ctrl.selected, []int{3, 9}) {
		t.Errorf("selected: got %v", ctrl.selected)
	}

	rec = serve(s, http.MethodPut, "/families", `{}`, nil)
	if rec.Code != http.StatusOK || ctrl.selected == nil || len(ctrl.selected) != 0 {
		t.Errorf("empty selection should mean all families, got %v", ctrl.selected)
	}
}

func TestServer_TokenAuth(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header map[string]string
		status int
	}{
		{"header", "/reload", map[string]string{"X-Auth-Token": "secret"}, http.StatusOK},
		{"query", "/reload?token=secret", nil, http.StatusOK},
		{"invalid", "/reload", map[string]string{"X-Auth-Token": "wrong"}, http.StatusUnauthorized},
		{"missing", "/reload", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ctrl := newServer("secret")

			rec := serve(s, http.MethodPost, tt.target, "", tt.header)
			if rec.Code != tt.status {
				t.Errorf("status code: got %d, want %d", rec.Code, tt.status)
			}
			if tt.status == http.StatusOK && ctrl.reloads != 1 {
				t.Errorf("reload not called")
			}
			if tt.status != http.StatusOK && ctrl.reloads != 0 {
				t.Errorf("reload called without auth")
			}
		})
	}
}

func TestServer_ReadsNeedNoToken(t *testing.T) {
	s, _ := newServer("secret")

	rec := serve(s, http.MethodGet, "/devices", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status code: got %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestServer_RateLimited(t *testing.T) {
	s, ctrl := newServer("")

	var rec *httptest.ResponseRecorder
	for i := 0; i < 31; i++ {
		rec = serve(s, http.MethodPost, "/reload", "", nil)
	}

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status code: got %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if code := decodeError(t, rec); code != "rate_limited" {
		t.Errorf("error code: got %q", code)
	}
	if ctrl.reloads != 30 {
		t.Errorf("reloads: got %d, want 30", ctrl.reloads)
	}

	rec = serve(s, http.MethodPost, "/reload", "", map[string]string{"X-Forwarded-For": "10.0.0.9, 10.0.0.1"})
	if rec.Code != http.StatusOK {
		t.Errorf("other client limited: %d", rec.Code)
	}
}
