package domain

import "fmt"

type Action string

const (
	ActionTurnOn     Action = "turn_on"
	ActionTurnOff    Action = "turn_off"
	ActionOpenCover  Action = "open"
	ActionCloseCover Action = "close"
	ActionStopCover  Action = "stop"
)

// Command asks for one action on a device. Channel selects the switch gang on
// multi-channel devices and is ignored elsewhere.
type Command struct {
	Action  Action
	IotID   string
	Channel string
}

// PropertyWrite is a single data point write as sent to the cloud.
type PropertyWrite struct {
	IotID      string
	Identifier string
	Value      any
}

// ResolveCommand maps an action onto the property write the device expects.
func ResolveCommand(d *Device, cmd Command) (PropertyWrite, error) {
	w := PropertyWrite{IotID: d.IotID}

	switch d.Kind {
	case DeviceKindSwitch:
		channel, err := resolveChannel(d, cmd)
		if err != nil {
			return w, err
		}
		w.Identifier = channel
		return w, setOnOff(&w, d, cmd)

	case DeviceKindCharger:
		w.Identifier = ChargerIdentifier
		return w, setOnOff(&w, d, cmd)

	case DeviceKindCover:
		w.Identifier = CoverControl
		switch cmd.Action {
		case ActionOpenCover:
			w.Value = 1
		case ActionCloseCover:
			w.Value = 0
		case ActionStopCover:
			w.Value = 2
		default:
			return w, UnsupportedAction(cmd.Action, d.Kind, "")
		}
		return w, nil
	}

	return w, UnsupportedAction(cmd.Action, d.Kind, "")
}

func setOnOff(w *PropertyWrite, d *Device, cmd Command) error {
	switch cmd.Action {
	case ActionTurnOn:
		w.Value = 1
	case ActionTurnOff:
		w.Value = 0
	default:
		return UnsupportedAction(cmd.Action, d.Kind, "")
	}
	return nil
}

// resolveChannel picks the switch gang; it may be omitted on single-gang units.
func resolveChannel(d *Device, cmd Command) (string, error) {
	channels := d.Channels()
	if cmd.Channel == "" {
		if len(channels) == 1 {
			return channels[0], nil
		}
		return "", UnsupportedAction(cmd.Action, d.Kind, fmt.Sprintf("channel required, one of %v", channels))
	}
	for _, c := range channels {
		if c == cmd.Channel {
			return c, nil
		}
	}
	return "", UnsupportedAction(cmd.Action, d.Kind, "unknown channel "+cmd.Channel)
}
