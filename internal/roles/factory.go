// Package roles manages story role lifecycle and in-character response
// generation. Each world holds at most a fixed number of live roles; when
// the cap is hit, the factory retires the least recently active idle role
// to make room, and refuses creation when every slot is active.
package roles

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"storyloom/internal/logging"
	"storyloom/internal/store"
	"storyloom/internal/types"
)

// Factory creates and retires role instances for story worlds.
type Factory struct {
	store    *store.LocalStore
	maxRoles int

	mu         sync.Mutex
	worldLocks map[string]*sync.Mutex
}

// NewFactory creates a role factory. maxRoles caps live roles per world.
func NewFactory(st *store.LocalStore, maxRoles int) *Factory {
	if maxRoles <= 0 {
		maxRoles = 5
	}
	return &Factory{
		store:      st,
		maxRoles:   maxRoles,
		worldLocks: make(map[string]*sync.Mutex),
	}
}

// worldLock serializes lifecycle changes within one world. Different worlds
// proceed independently.
func (f *Factory) worldLock(worldID string) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	lock, ok := f.worldLocks[worldID]
	if !ok {
		lock = &sync.Mutex{}
		f.worldLocks[worldID] = lock
	}
	return lock
}

// GetOrCreate returns the live role with the config's name, creating it when
// absent. Creation at capacity evicts the least recently active idle role;
// when every live role is active it returns ErrRoleCapacityExceeded.
func (f *Factory) GetOrCreate(worldID string, config types.RoleConfig) (*types.RoleInstance, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("role config missing name")
	}

	lock := f.worldLock(worldID)
	lock.Lock()
	defer lock.Unlock()

	live, err := f.store.ListRoles(worldID)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}

	for _, role := range live {
		if role.Config.Name == config.Name {
			if err := f.store.TouchRole(role.RoleID); err != nil {
				return nil, fmt.Errorf("touch role: %w", err)
			}
			role.LastActive = time.Now()
			return role, nil
		}
	}

	if len(live) >= f.maxRoles {
		if err := f.evictIdleLocked(worldID, live); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	role := &types.RoleInstance{
		RoleID:     types.NewID("role", config.Name+"_"+shortID()),
		WorldID:    worldID,
		Config:     config,
		Status:     types.RoleIdle,
		CreatedAt:  now,
		LastActive: now,
	}
	if err := f.store.SaveRole(role); err != nil {
		return nil, fmt.Errorf("save role: %w", err)
	}

	logging.Roles("Created role %s (%s) in world %s", role.RoleID, config.Name, worldID)
	return role, nil
}

// evictIdleLocked retires the stalest idle role. Active roles are never
// evicted.
func (f *Factory) evictIdleLocked(worldID string, live []*types.RoleInstance) error {
	var victim *types.RoleInstance
	for _, role := range live {
		if role.Status != types.RoleIdle {
			continue
		}
		if victim == nil || role.LastActive.Before(victim.LastActive) {
			victim = role
		}
	}
	if victim == nil {
		logging.RolesWarn("World %s at capacity with no idle roles", worldID)
		return fmt.Errorf("world %s has %d active roles: %w", worldID, len(live), types.ErrRoleCapacityExceeded)
	}

	if err := f.store.UpdateRoleStatus(victim.RoleID, types.RoleRetired); err != nil {
		return fmt.Errorf("retire role: %w", err)
	}
	logging.Roles("Evicted idle role %s (%s) from world %s", victim.RoleID, victim.Config.Name, worldID)
	return nil
}

// Activate marks the role active and refreshes its activity time.
func (f *Factory) Activate(roleID string) error {
	return f.store.UpdateRoleStatus(roleID, types.RoleActive)
}

// Deactivate returns the role to the idle pool.
func (f *Factory) Deactivate(roleID string) error {
	return f.store.UpdateRoleStatus(roleID, types.RoleIdle)
}

// Retire permanently removes the role from its world's live set.
func (f *Factory) Retire(worldID, roleID string) error {
	lock := f.worldLock(worldID)
	lock.Lock()
	defer lock.Unlock()

	if err := f.store.UpdateRoleStatus(roleID, types.RoleRetired); err != nil {
		return err
	}
	logging.Roles("Retired role %s in world %s", roleID, worldID)
	return nil
}

// ListLive returns the world's non-retired roles in creation order.
func (f *Factory) ListLive(worldID string) ([]*types.RoleInstance, error) {
	return f.store.ListRoles(worldID)
}

// SeedDefaults creates the standard starter roles for a new world.
func (f *Factory) SeedDefaults(worldID string) ([]*types.RoleInstance, error) {
	var seeded []*types.RoleInstance
	for _, config := range DefaultConfigs() {
		role, err := f.GetOrCreate(worldID, config)
		if err != nil {
			logging.RolesWarn("Seeding default role %s failed: %v", config.Name, err)
			continue
		}
		seeded = append(seeded, role)
	}
	return seeded, nil
}

// DefaultConfigs are the starter roles every new world receives.
func DefaultConfigs() []types.RoleConfig {
	return []types.RoleConfig{
		{
			Name:        "小魔法师",
			Personality: "勇敢而好奇，喜欢帮助别人",
			Background:  "魔法学校的年轻学生，正在学习各种神奇的魔法",
			AgeGroup:    "7-12",
			Abilities:   []string{"简单魔法", "动物沟通"},
			SafetyRules: []string{"不使用攻击性魔法", "帮助他人"},
		},
		{
			Name:        "智慧老者",
			Personality: "慈祥而睿智，喜欢讲故事和给予指导",
			Background:  "在森林深处居住的老智者，拥有丰富的知识和经验",
			AgeGroup:    "所有年龄",
			Abilities:   []string{"讲故事", "解答问题"},
			SafetyRules: []string{"给出安全建议", "鼓励独立思考"},
		},
	}
}

func shortID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}
