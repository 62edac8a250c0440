package domain

// Alert is a device availability change worth telling a person about.
type Alert struct {
	IotID   string
	Device  string
	Online  bool
	Message string
}

func AvailabilityAlert(d *Device, online bool) Alert {
	name := d.DisplayName()
	state := "offline"
	if online {
		state = "online"
	}
	return Alert{
		IotID:   d.IotID,
		Device:  name,
		Online:  online,
		Message: name + " is " + state,
	}
}
