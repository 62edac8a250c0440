package domain

// Family is the vendor's household account grouping devices.
type Family struct {
	ID          int    `json:"familyId"`
	Name        string `json:"familyName"`
	DeviceCount int    `json:"deviceCount"`
}

func FamilyIDs(families []Family) []int {
	ids := make([]int, 0, len(families))
	for _, f := range families {
		ids = append(ids, f.ID)
	}
	return ids
}
