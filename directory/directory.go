package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"
)

const roleKey = "role"

// Static is an in-memory role membership table.
type Static struct {
	mu    sync.RWMutex
	roles map[string][]string
}

func NewStatic(roles map[string][]string) *Static {
	s := &Static{roles: make(map[string][]string, len(roles))}
	for role, users := range roles {
		s.roles[role] = append([]string(nil), users...)
	}
	return s
}

// SetRole replaces the members of role.
func (s *Static) SetRole(role string, users ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[role] = append([]string(nil), users...)
}

// UserIDsForRoles returns the members of every role, in role order.
func (s *Static) UserIDsForRoles(ctx context.Context, roleIDs []string) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0)
	for _, role := range roleIDs {
		out = append(out, s.roles[role]...)
	}
	return out, nil
}

// RedisDirectory reads role membership from Redis sets stored at
// "<namespace>:role:<roleId>".
type RedisDirectory struct {
	client    *redis.Client
	namespace string
}

func NewRedisDirectory(client *redis.Client, namespace string) *RedisDirectory {
	return &RedisDirectory{client: client, namespace: namespace}
}

func (d *RedisDirectory) key(args ...string) string {
	return fmt.Sprintf("%s:%s", d.namespace, strings.Join(args, ":"))
}

// AddRoleMembers adds users to role.
func (d *RedisDirectory) AddRoleMembers(ctx context.Context, role string, users ...string) error {
	if len(users) == 0 {
		return nil
	}
	members := make([]interface{}, len(users))
	for i, u := range users {
		members[i] = u
	}
	if err := d.client.SAdd(ctx, d.key(roleKey, role), members...).Err(); err != nil {
		return fmt.Errorf("failed to add members to role %s: %v", role, err)
	}
	return nil
}

// UserIDsForRoles fetches every role in one pipeline round trip. Members of
// a role are returned sorted since Redis sets carry no order.
func (d *RedisDirectory) UserIDsForRoles(ctx context.Context, roleIDs []string) ([]string, error) {
	out := make([]string, 0)
	if len(roleIDs) == 0 {
		return out, nil
	}
	pipe := d.client.Pipeline()
	cmds := make([]*redis.StringSliceCmd, len(roleIDs))
	for i, role := range roleIDs {
		cmds[i] = pipe.SMembers(ctx, d.key(roleKey, role))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read role members: %v", err)
	}
	for _, cmd := range cmds {
		members, err := cmd.Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("failed to read role members: %v", err)
		}
		sort.Strings(members)
		out = append(out, members...)
	}
	return out, nil
}
