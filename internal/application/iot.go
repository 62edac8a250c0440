package application

import (
	"context"

	"bull-bridge/internal/domain"
)

// CloudSession is the authenticated vendor session together with the device
// registry it owns.
type CloudSession interface {
	Login(ctx context.Context, username, password string) error
	DiscoverAllDevices(ctx context.Context) error
	Families(ctx context.Context) ([]domain.Family, error)
	SelectFamilies(ids []int)
	SetDeviceProperty(ctx context.Context, iotID, identifier string, value any) error
	Devices() map[string]*domain.Device
	Device(iotID string) (*domain.Device, bool)
	Credentials() domain.Credentials
	Teardown()
}

// PushChannel delivers asynchronous device updates into the session's
// registry.
type PushChannel interface {
	Start(ctx context.Context) error
	Stop()
	State() domain.PushState
}

// CredentialStore persists the credentials snapshot between runs.
type CredentialStore interface {
	Load() (domain.Credentials, bool, error)
	Save(creds domain.Credentials) error
}
