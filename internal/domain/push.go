package domain

// PushState is the lifecycle of the push connection.
type PushState string

const (
	PushDisconnected PushState = "disconnected"
	PushConnecting   PushState = "connecting"
	PushBound        PushState = "bound"
)
