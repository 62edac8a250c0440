package bull

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"bull-bridge/internal/domain"
	"bull-bridge/internal/infra"
)

// Session is the token set issued by a login. It is replaced wholesale.
type Session struct {
	AccessToken  string
	RefreshToken string
	OpenID       string
}

type tokenResult struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	OpenID       json.RawMessage `json:"openid"`
}

// SessionManager owns credentials and tokens and drives every authenticated
// call. Login and refresh are serialized; requests read the token only once
// no login or refresh is in flight.
type SessionManager struct {
	client   *Client
	registry *Registry
	logger   *slog.Logger
	flavor   Flavor

	mu       sync.RWMutex
	creds    domain.Credentials
	session  Session
	families []domain.Family

	repairMu   sync.RWMutex
	discoverMu sync.Mutex
}

type SessionOption func(*SessionManager)

func WithFlavor(f Flavor) SessionOption {
	return func(s *SessionManager) {
		if f != "" {
			s.flavor = f
		}
	}
}

func NewSessionManager(client *Client, registry *Registry, creds domain.Credentials, logger *slog.Logger, opts ...SessionOption) *SessionManager {
	s := &SessionManager{
		client:   client,
		registry: registry,
		logger:   logger,
		flavor:   FlavorBull,
		creds:    creds.Clone(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login performs the username/password grant and stores the new session.
func (s *SessionManager) Login(ctx context.Context, username, password string) error {
	s.repairMu.Lock()
	defer s.repairMu.Unlock()

	return s.transportPolicy().Do(ctx, func(ctx context.Context) error {
		return s.login(ctx, username, password)
	})
}

func (s *SessionManager) login(ctx context.Context, username, password string) error {
	path := "/v1/auth/form"
	secret := password
	if s.flavor == FlavorMos {
		path = "/mos/uic/v1/auth/form"
		secret = mosPasswordHash(password)
	}

	env, err := s.client.Execute(ctx, Request{
		Method:      http.MethodPost,
		Path:        path,
		ContentType: ContentTypeForm,
		Header:      map[string]string{"Login_parameter": "APP_PWD"},
		Body:        "password=" + secret + "&username=" + username,
	})
	if err != nil {
		return err
	}
	if !env.Success {
		return loginFailed(env)
	}

	var res tokenResult
	if err := env.Decode(&res); err != nil {
		return invalidResponse(path, err)
	}

	s.mu.Lock()
	s.creds.Username = username
	s.creds.Password = password
	s.session = Session{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		OpenID:       rawString(res.OpenID),
	}
	s.mu.Unlock()

	s.logger.Info("logged in", "username", username, "openid", s.OpenID())
	return nil
}

// RefreshAccessToken exchanges the refresh token for a new session.
func (s *SessionManager) RefreshAccessToken(ctx context.Context) error {
	s.repairMu.Lock()
	defer s.repairMu.Unlock()

	return s.transportPolicy().Do(ctx, s.refresh)
}

func (s *SessionManager) refresh(ctx context.Context) error {
	const path = "/v1/auth/token"

	s.mu.RLock()
	refreshToken := s.session.RefreshToken
	s.mu.RUnlock()

	env, err := s.client.Execute(ctx, Request{
		Method:      http.MethodPost,
		Path:        path,
		ContentType: "application/x-www-form-urlencoded",
		Body: "client_id=" + refreshClientID +
			"&client_secret=" + refreshClientSecret +
			"&grant_type=refresh_token" +
			"&refresh_token=" + refreshToken,
	})
	if err != nil {
		return err
	}
	if !env.Success {
		return vendorError("refresh access token", env)
	}

	var res tokenResult
	if err := env.Decode(&res); err != nil {
		return invalidResponse(path, err)
	}

	s.mu.Lock()
	s.session.AccessToken = res.AccessToken
	s.session.RefreshToken = res.RefreshToken
	if openID := rawString(res.OpenID); openID != "" {
		s.session.OpenID = openID
	}
	s.mu.Unlock()

	s.logger.Info("access token refreshed")
	return nil
}

// refreshIfStale refreshes unless another caller already replaced the token
// that failed.
func (s *SessionManager) refreshIfStale(ctx context.Context, failed string) error {
	s.repairMu.Lock()
	defer s.repairMu.Unlock()

	if s.AccessToken() != failed {
		return nil
	}
	return s.transportPolicy().Do(ctx, s.refresh)
}

func (s *SessionManager) reloginIfStale(ctx context.Context, failed string) error {
	s.repairMu.Lock()
	defer s.repairMu.Unlock()

	if s.AccessToken() != failed {
		return nil
	}
	creds := s.Credentials()
	return s.transportPolicy().Do(ctx, func(ctx context.Context) error {
		return s.login(ctx, creds.Username, creds.Password)
	})
}

// transportPolicy only repeats calls that failed at the transport level.
func (s *SessionManager) transportPolicy() *infra.RetryPolicy {
	p := infra.NewRetryPolicy(infra.RecoveryRule{Name: "retry", Match: IsConnectionFailed})
	p.OnRecover = s.logRecovery
	return p
}

// sessionPolicy repairs the session once for the two recoverable signals and
// repeats transport failures once. failed points at the token used by the
// last attempt.
func (s *SessionManager) sessionPolicy(failed *string) *infra.RetryPolicy {
	p := infra.NewRetryPolicy(
		infra.RecoveryRule{
			Name:  "refresh access token",
			Match: IsInvalidToken,
			Repair: func(ctx context.Context) error {
				return s.refreshIfStale(ctx, *failed)
			},
		},
		infra.RecoveryRule{
			Name:  "login",
			Match: IsLoginRequired,
			Repair: func(ctx context.Context) error {
				return s.reloginIfStale(ctx, *failed)
			},
		},
		infra.RecoveryRule{Name: "retry", Match: IsConnectionFailed},
	)
	p.OnRecover = s.logRecovery
	return p
}

func (s *SessionManager) logRecovery(rule string, cause error) {
	s.logger.Warn("recovering from request failure", "action", rule, "error", cause)
}

// authorized executes req with the current bearer token under the session
// policy. Unsuccessful envelopes become vendor errors named after op.
func (s *SessionManager) authorized(ctx context.Context, op string, req Request) (*Envelope, error) {
	var used string
	return infra.Retry(ctx, s.sessionPolicy(&used), func(ctx context.Context) (*Envelope, error) {
		used = s.settledToken()

		call := req
		call.Header = map[string]string{"Authorization": "Bearer " + used}
		for k, v := range req.Header {
			call.Header[k] = v
		}

		env, err := s.client.Execute(ctx, call)
		if err != nil {
			return nil, err
		}
		if !env.Success {
			return nil, vendorError(op, env)
		}
		return env, nil
	})
}

// settledToken waits out a login or refresh in flight and returns the token
// it produced.
func (s *SessionManager) settledToken() string {
	s.repairMu.RLock()
	defer s.repairMu.RUnlock()
	return s.AccessToken()
}

// Families fetches the families visible to the session.
func (s *SessionManager) Families(ctx context.Context) ([]domain.Family, error) {
	env, err := s.authorized(ctx, "get families", Request{
		Method:      http.MethodGet,
		Path:        "/v2/families",
		ContentType: ContentTypeJSON,
	})
	if err != nil {
		return nil, err
	}

	var families []domain.Family
	if err := env.Decode(&families); err != nil {
		return nil, invalidResponse("/v2/families", err)
	}

	s.mu.Lock()
	s.families = families
	s.mu.Unlock()

	return families, nil
}

// SelectFamilies sets the families discovery loads. Empty means all.
func (s *SessionManager) SelectFamilies(ids []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds.SelectedFamilies = append([]int{}, ids...)
}

func (s *SessionManager) SelectedFamilies() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int{}, s.creds.SelectedFamilies...)
}

// SwitchFamily makes a family the active one; the listing endpoint only
// returns devices of the active family.
func (s *SessionManager) SwitchFamily(ctx context.Context, familyID int) error {
	_, err := s.authorized(ctx, "switch family", Request{
		Method:      http.MethodPost,
		Path:        fmt.Sprintf("/v1/families/%d/switch", familyID),
		ContentType: ContentTypeJSON,
		Body:        "{}",
	})
	return err
}

// ListDevices loads the active family's devices into the registry.
func (s *SessionManager) ListDevices(ctx context.Context) error {
	rows, err := s.fetchListing(ctx)
	if err != nil {
		return err
	}
	return s.registry.ParseListing(ctx, rows, s)
}

func (s *SessionManager) fetchListing(ctx context.Context) ([]ListingRow, error) {
	path := "/v2/home/devices"
	if s.flavor == FlavorMos {
		path = "/mos/home/v2/rooms"
	}

	env, err := s.authorized(ctx, "list devices", Request{
		Method:      http.MethodGet,
		Path:        path,
		ContentType: ContentTypeJSON,
	})
	if err != nil {
		return nil, err
	}

	if s.flavor == FlavorMos {
		var rooms struct {
			Devices []struct {
				DeviceList []ListingRow `json:"deviceList"`
			} `json:"devices"`
		}
		if err := env.Decode(&rooms); err != nil {
			return nil, invalidResponse(path, err)
		}
		if len(rooms.Devices) == 0 {
			return nil, nil
		}
		return rooms.Devices[0].DeviceList, nil
	}

	var rows []ListingRow
	if err := env.Decode(&rows); err != nil {
		return nil, invalidResponse(path, err)
	}
	return rows, nil
}

// DiscoverAllDevices switches to each selected family in turn and merges its
// listing. With no selection, every visible family is adopted first.
func (s *SessionManager) DiscoverAllDevices(ctx context.Context) error {
	s.discoverMu.Lock()
	defer s.discoverMu.Unlock()

	scope := s.SelectedFamilies()
	if len(scope) == 0 {
		families, err := s.Families(ctx)
		if err != nil {
			return fmt.Errorf("fetching families: %w", err)
		}
		scope = domain.FamilyIDs(families)
		s.SelectFamilies(scope)
		s.logger.Info("adopted all families", "families", scope)
	}

	for _, id := range scope {
		if err := s.SwitchFamily(ctx, id); err != nil {
			return fmt.Errorf("switching to family %d: %w", id, err)
		}
		if err := s.ListDevices(ctx); err != nil {
			return fmt.Errorf("listing devices of family %d: %w", id, err)
		}
	}

	s.logger.Info("discovery complete", "families", len(scope), "devices", s.registry.Len())
	return nil
}

// DeviceInfo fetches product metadata for one device.
func (s *SessionManager) DeviceInfo(ctx context.Context, iotID string) (DeviceInfo, error) {
	path := fmt.Sprintf("/mos/device/v1/deviceInfo/%s/get", iotID)
	env, err := s.authorized(ctx, "get device info", Request{
		Method:      http.MethodGet,
		Path:        path,
		ContentType: ContentTypeJSON,
	})
	if err != nil {
		return DeviceInfo{}, err
	}

	var info DeviceInfo
	if err := env.Decode(&info); err != nil {
		return DeviceInfo{}, invalidResponse(path, err)
	}
	return info, nil
}

type propertyWrite struct {
	Value      any    `json:"value"`
	Identifier string `json:"identifier"`
}

// SetDeviceProperty writes one property. The registry is not consulted; the
// write goes out even for devices this session has not discovered.
func (s *SessionManager) SetDeviceProperty(ctx context.Context, iotID, identifier string, value any) error {
	body, err := json.Marshal([]propertyWrite{{Value: value, Identifier: identifier}})
	if err != nil {
		return fmt.Errorf("encoding property write: %w", err)
	}

	_, err = s.authorized(ctx, "set device property", Request{
		Method:      http.MethodPut,
		Path:        "/v1/dc/setDeviceProperty/" + iotID,
		ContentType: ContentTypeJSON,
		Body:        string(body),
	})
	if err != nil {
		return err
	}

	s.logger.Debug("device property written", "iot_id", iotID, "identifier", identifier, "value", value)
	return nil
}

func (s *SessionManager) Devices() map[string]*domain.Device {
	return s.registry.Devices()
}

func (s *SessionManager) Device(iotID string) (*domain.Device, bool) {
	return s.registry.Device(iotID)
}

func (s *SessionManager) Credentials() domain.Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.Clone()
}

func (s *SessionManager) Serialize() map[string]any {
	return s.Credentials().Serialize()
}

func (s *SessionManager) Deserialize(data map[string]any) error {
	creds, err := domain.DeserializeCredentials(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()
	return nil
}

func (s *SessionManager) Session() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

func (s *SessionManager) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.AccessToken
}

func (s *SessionManager) OpenID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.OpenID
}

// Teardown invalidates the session and drops the device registry.
func (s *SessionManager) Teardown() {
	s.mu.Lock()
	s.session = Session{}
	s.families = nil
	s.mu.Unlock()

	s.registry.Reset()
}

func mosPasswordHash(password string) string {
	return sha256Hex(sha256Hex(password) + sha256Hex(mosPasswordSalt))
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// rawString renders a JSON scalar that may be a number or a string.
func rawString(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "null" {
		return ""
	}
	return strings.Trim(s, `"`)
}
