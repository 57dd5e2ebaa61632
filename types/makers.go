package types

import "strings"

// Designation says who may act at a node. It is one of DesignateNone,
// DesignateAllUsers, DesignateUsers or DesignateRoles.
type Designation interface {
	designation()
}

type DesignateNone struct{}

type DesignateAllUsers struct{}

type DesignateUsers struct {
	UserIDs []string
}

type DesignateRoles struct {
	RoleIDs []string
}

func (DesignateNone) designation()     {}
func (DesignateAllUsers) designation() {}
func (DesignateUsers) designation()    {}
func (DesignateRoles) designation()    {}

const (
	allUsersMarker = "AllUser"
	makerSeparator = ","
)

// MakerList is the ordered set of actors still expected to act at the
// current node. Everyone marks a node open to all users.
type MakerList struct {
	Everyone bool
	IDs      []string
}

// NewMakerList builds a list from ids, dropping blanks and duplicates.
func NewMakerList(ids ...string) MakerList {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		return MakerList{}
	}
	return MakerList{IDs: out}
}

// EveryoneList is the maker list of a node open to all users.
func EveryoneList() MakerList {
	return MakerList{Everyone: true}
}

func (m MakerList) Empty() bool {
	return !m.Everyone && len(m.IDs) == 0
}

func (m MakerList) Len() int {
	return len(m.IDs)
}

func (m MakerList) Contains(userID string) bool {
	if m.Everyone {
		return true
	}
	for _, id := range m.IDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Without returns a copy of the list with userID removed.
func (m MakerList) Without(userID string) MakerList {
	out := MakerList{Everyone: m.Everyone}
	for _, id := range m.IDs {
		if id != userID {
			out.IDs = append(out.IDs, id)
		}
	}
	return out
}

// String renders the storage form: ids joined by commas with a trailing comma.
func (m MakerList) String() string {
	if m.Everyone {
		return allUsersMarker + makerSeparator
	}
	if len(m.IDs) == 0 {
		return ""
	}
	return strings.Join(m.IDs, makerSeparator) + makerSeparator
}

// ParseMakerList reads the storage form produced by String.
func ParseMakerList(s string) MakerList {
	parts := strings.Split(s, makerSeparator)
	for _, p := range parts {
		if strings.TrimSpace(p) == allUsersMarker {
			return EveryoneList()
		}
	}
	return NewMakerList(parts...)
}

func (m MakerList) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *MakerList) UnmarshalText(text []byte) error {
	*m = ParseMakerList(string(text))
	return nil
}
