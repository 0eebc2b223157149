package rbac

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	_ "github.com/feedlane/feedlane/testing"
)

type fakeDirectory struct {
	mu      sync.Mutex
	roles   map[string]Role
	err     error
	panics  bool
	lookups atomic.Int64
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{roles: map[string]Role{}}
}

func (d *fakeDirectory) set(userID, orgID string, role Role) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roles[userID+"|"+orgID] = role
}

func (d *fakeDirectory) Lookup(_ context.Context, userID, orgID string) (*RoleAssignment, error) {
	d.lookups.Add(1)
	if d.panics {
		panic("directory exploded")
	}
	if d.err != nil {
		return nil, d.err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	role, ok := d.roles[userID+"|"+orgID]
	if !ok {
		return nil, ErrNotFound
	}
	return &RoleAssignment{UserID: userID, OrganizationID: orgID, Role: role}, nil
}

func (d *fakeDirectory) ListMembers(_ context.Context, orgID string) ([]RoleAssignment, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []RoleAssignment
	for k, role := range d.roles {
		for i := len(k) - 1; i >= 0; i-- {
			if k[i] == '|' {
				if k[i+1:] == orgID {
					out = append(out, RoleAssignment{UserID: k[:i], OrganizationID: orgID, Role: role})
				}
				break
			}
		}
	}
	return out, nil
}

type fakeResources struct {
	owners map[string]string
	panics bool
}

func (f *fakeResources) OwnerOf(_ context.Context, resourceType, resourceID string) (string, error) {
	if f.panics {
		panic("resources exploded")
	}
	owner, ok := f.owners[resourceType+"/"+resourceID]
	if !ok {
		return "", ErrNotFound
	}
	return owner, nil
}

type countingRecorder struct {
	mu        sync.Mutex
	cache     map[string]int
	decisions map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{cache: map[string]int{}, decisions: map[string]int{}}
}

func (c *countingRecorder) PermissionCacheResult(result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[result]++
}

func (c *countingRecorder) AuthzDecision(decision, scope string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decisions[decision+"/"+scope]++
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

type engineFixture struct {
	mr        *miniredis.Miniredis
	cache     *PermissionCache
	directory *fakeDirectory
	resources *fakeResources
	recorder  *countingRecorder
	engine    *Engine
}

func newEngineFixture(t *testing.T) engineFixture {
	t.Helper()
	mr, client := newTestRedis(t)
	f := engineFixture{
		mr:        mr,
		cache:     NewPermissionCache(client, 0, nil),
		directory: newFakeDirectory(),
		resources: &fakeResources{owners: map[string]string{}},
		recorder:  newCountingRecorder(),
	}
	f.engine = NewEngine(EngineConfig{
		Directory: f.directory,
		Resources: f.resources,
		Cache:     f.cache,
		Recorder:  f.recorder,
	})
	return f
}
