package maker

import (
	"context"
	"errors"
	"fmt"

	"github.com/songzhibin97/approval-engine/types"
)

// ErrNoDirectory is returned when a node designates roles but no
// directory was configured to expand them.
var ErrNoDirectory = errors.New("role designation requires a directory")

// Directory expands role ids into the user ids holding them.
type Directory interface {
	UserIDsForRoles(ctx context.Context, roleIDs []string) ([]string, error)
}

// Kind is the shape of a resolution.
type Kind int

const (
	KindNone Kind = iota
	KindAllUsers
	KindUsers
)

// Resolution is the set of actors eligible at a node.
type Resolution struct {
	Kind    Kind
	UserIDs []string
}

// Makers renders the resolution as an instance maker list.
func (r Resolution) Makers() types.MakerList {
	switch r.Kind {
	case KindAllUsers:
		return types.EveryoneList()
	case KindUsers:
		return types.NewMakerList(r.UserIDs...)
	default:
		return types.MakerList{}
	}
}

// Allows reports whether userID is eligible.
func (r Resolution) Allows(userID string) bool {
	return r.Makers().Contains(userID)
}

// Resolver turns node designations into eligible actors.
type Resolver struct {
	dir Directory
}

func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve returns the actors eligible at node. Roles are expanded with a
// single directory call; an empty role membership yields Users with no ids.
func (r *Resolver) Resolve(ctx context.Context, node types.FlowNode) (Resolution, error) {
	switch d := node.Designation.(type) {
	case types.DesignateAllUsers:
		return Resolution{Kind: KindAllUsers}, nil
	case types.DesignateUsers:
		return Resolution{Kind: KindUsers, UserIDs: types.NewMakerList(d.UserIDs...).IDs}, nil
	case types.DesignateRoles:
		if r.dir == nil {
			return Resolution{}, ErrNoDirectory
		}
		ids, err := r.dir.UserIDsForRoles(ctx, d.RoleIDs)
		if err != nil {
			return Resolution{}, fmt.Errorf("resolve roles of node %s: %w", node.ID, err)
		}
		return Resolution{Kind: KindUsers, UserIDs: types.NewMakerList(ids...).IDs}, nil
	default:
		return Resolution{Kind: KindNone}, nil
	}
}
