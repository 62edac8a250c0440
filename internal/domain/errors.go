package domain

import (
	"fmt"

	goerrors "github.com/goliatone/go-errors"
)

const (
	CodeDeviceNotFound    = "device_not_found"
	CodeUnsupportedAction = "unsupported_action"
)

func DeviceNotFound(iotID string) error {
	return goerrors.New("device "+iotID+" not found", goerrors.CategoryNotFound).
		WithTextCode(CodeDeviceNotFound)
}

func UnsupportedAction(action Action, kind DeviceKind, reason string) error {
	msg := fmt.Sprintf("action %s not supported by %s device", action, kind)
	if reason != "" {
		msg += ": " + reason
	}
	return goerrors.New(msg, goerrors.CategoryBadInput).
		WithTextCode(CodeUnsupportedAction)
}
