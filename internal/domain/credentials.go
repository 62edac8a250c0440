package domain

import (
	"fmt"
	"math"
	"strconv"
)

const (
	SnapshotUsername         = "username"
	SnapshotPassword         = "password"
	SnapshotSelectedFamilies = "selected_families"
)

// Credentials is the durable part of a session. An empty SelectedFamilies
// means every family visible to the account is loaded.
type Credentials struct {
	Username         string
	Password         string
	SelectedFamilies []int
}

func (c Credentials) Empty() bool {
	return c.Username == "" && c.Password == ""
}

func (c Credentials) Clone() Credentials {
	out := c
	if c.SelectedFamilies != nil {
		out.SelectedFamilies = append([]int(nil), c.SelectedFamilies...)
	}
	return out
}

// Serialize flattens the credentials into the key/value snapshot handed to
// the host's store.
func (c Credentials) Serialize() map[string]any {
	families := make([]int, len(c.SelectedFamilies))
	copy(families, c.SelectedFamilies)
	return map[string]any{
		SnapshotUsername:         c.Username,
		SnapshotPassword:         c.Password,
		SnapshotSelectedFamilies: families,
	}
}

// DeserializeCredentials rebuilds credentials from a snapshot. It accepts the
// numeric shapes produced by JSON and YAML decoders.
func DeserializeCredentials(data map[string]any) (Credentials, error) {
	var c Credentials
	if data == nil {
		return c, nil
	}

	if v, ok := data[SnapshotUsername]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return c, fmt.Errorf("snapshot field %s: want string, got %T", SnapshotUsername, v)
		}
		c.Username = s
	}
	if v, ok := data[SnapshotPassword]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return c, fmt.Errorf("snapshot field %s: want string, got %T", SnapshotPassword, v)
		}
		c.Password = s
	}

	raw, ok := data[SnapshotSelectedFamilies]
	if !ok || raw == nil {
		c.SelectedFamilies = []int{}
		return c, nil
	}

	switch list := raw.(type) {
	case []int:
		c.SelectedFamilies = append([]int{}, list...)
	case []any:
		c.SelectedFamilies = make([]int, 0, len(list))
		for _, item := range list {
			id, err := toFamilyID(item)
			if err != nil {
				return c, fmt.Errorf("snapshot field %s: %w", SnapshotSelectedFamilies, err)
			}
			c.SelectedFamilies = append(c.SelectedFamilies, id)
		}
	default:
		return c, fmt.Errorf("snapshot field %s: want list, got %T", SnapshotSelectedFamilies, raw)
	}

	return c, nil
}

func toFamilyID(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("family id %v is not an integer", n)
		}
		return int(n), nil
	case string:
		// Multi-select forms hand ids back as strings.
		id, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("family id %q: %w", n, err)
		}
		return id, nil
	}
	return 0, fmt.Errorf("family id has unsupported type %T", v)
}
