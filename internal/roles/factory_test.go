package roles

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyloom/internal/store"
	"storyloom/internal/types"
)

func newTestStore(t *testing.T) *store.LocalStore {
	t.Helper()
	st, err := store.NewLocalStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func namedConfig(name string) types.RoleConfig {
	return types.RoleConfig{
		Name:        name,
		Personality: "友善",
		Background:  "测试角色",
	}
}

// backdate pushes a role's activity time into the past so eviction ordering
// is deterministic.
func backdate(t *testing.T, st *store.LocalStore, roleID string, seconds int) {
	t.Helper()
	_, err := st.GetDB().Exec(
		`UPDATE roles SET last_active = datetime('now', ?) WHERE role_id = ?`,
		fmt.Sprintf("-%d seconds", seconds), roleID)
	require.NoError(t, err)
}

func TestGetOrCreateReturnsExistingByName(t *testing.T) {
	f := NewFactory(newTestStore(t), 5)

	first, err := f.GetOrCreate("world_1", namedConfig("小魔法师"))
	require.NoError(t, err)
	second, err := f.GetOrCreate("world_1", namedConfig("小魔法师"))
	require.NoError(t, err)

	assert.Equal(t, first.RoleID, second.RoleID)

	live, err := f.ListLive("world_1")
	require.NoError(t, err)
	assert.Len(t, live, 1)
}

func TestCapacityEvictsStalestIdleRole(t *testing.T) {
	st := newTestStore(t)
	f := NewFactory(st, 3)

	var ids []string
	for i := 0; i < 3; i++ {
		role, err := f.GetOrCreate("world_1", namedConfig(fmt.Sprintf("角色%d", i)))
		require.NoError(t, err)
		ids = append(ids, role.RoleID)
	}
	// 角色1 is the stalest idle role
	backdate(t, st, ids[0], 60)
	backdate(t, st, ids[1], 600)
	backdate(t, st, ids[2], 30)

	created, err := f.GetOrCreate("world_1", namedConfig("新角色"))
	require.NoError(t, err)

	live, err := f.ListLive("world_1")
	require.NoError(t, err)
	assert.Len(t, live, 3)

	names := make(map[string]bool)
	for _, r := range live {
		names[r.Config.Name] = true
	}
	assert.False(t, names["角色1"], "stalest idle role should be evicted")
	assert.True(t, names["新角色"])
	assert.Equal(t, types.RoleIdle, created.Status)
}

func TestActiveRolesNeverEvicted(t *testing.T) {
	st := newTestStore(t)
	f := NewFactory(st, 2)

	a, err := f.GetOrCreate("world_1", namedConfig("角色A"))
	require.NoError(t, err)
	b, err := f.GetOrCreate("world_1", namedConfig("角色B"))
	require.NoError(t, err)
	require.NoError(t, f.Activate(a.RoleID))
	require.NoError(t, f.Activate(b.RoleID))

	_, err = f.GetOrCreate("world_1", namedConfig("角色C"))
	assert.True(t, errors.Is(err, types.ErrRoleCapacityExceeded))

	// deactivating one frees a slot
	require.NoError(t, f.Deactivate(a.RoleID))
	_, err = f.GetOrCreate("world_1", namedConfig("角色C"))
	assert.NoError(t, err)
}

func TestWorldsAreIndependent(t *testing.T) {
	f := NewFactory(newTestStore(t), 1)

	_, err := f.GetOrCreate("world_1", namedConfig("角色A"))
	require.NoError(t, err)
	_, err = f.GetOrCreate("world_2", namedConfig("角色B"))
	assert.NoError(t, err)
}

func TestRetireRemovesFromLiveSet(t *testing.T) {
	f := NewFactory(newTestStore(t), 5)

	role, err := f.GetOrCreate("world_1", namedConfig("角色A"))
	require.NoError(t, err)
	require.NoError(t, f.Retire("world_1", role.RoleID))

	live, err := f.ListLive("world_1")
	require.NoError(t, err)
	assert.Empty(t, live)

	// the name can be reused afterwards
	again, err := f.GetOrCreate("world_1", namedConfig("角色A"))
	require.NoError(t, err)
	assert.NotEqual(t, role.RoleID, again.RoleID)
}

func TestSeedDefaults(t *testing.T) {
	f := NewFactory(newTestStore(t), 5)

	seeded, err := f.SeedDefaults("world_1")
	require.NoError(t, err)
	require.Len(t, seeded, 2)
	assert.Equal(t, "小魔法师", seeded[0].Config.Name)
	assert.Equal(t, "智慧老者", seeded[1].Config.Name)

	// seeding is idempotent
	again, err := f.SeedDefaults("world_1")
	require.NoError(t, err)
	assert.Equal(t, seeded[0].RoleID, again[0].RoleID)
}

func TestConcurrentGetOrCreateSameName(t *testing.T) {
	f := NewFactory(newTestStore(t), 5)

	const workers = 8
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			role, err := f.GetOrCreate("world_1", namedConfig("小魔法师"))
			assert.NoError(t, err)
			ids[i] = role.RoleID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
	live, err := f.ListLive("world_1")
	require.NoError(t, err)
	assert.Len(t, live, 1)
}

func TestGetOrCreateRejectsEmptyName(t *testing.T) {
	f := NewFactory(newTestStore(t), 5)
	_, err := f.GetOrCreate("world_1", types.RoleConfig{})
	assert.Error(t, err)
}
