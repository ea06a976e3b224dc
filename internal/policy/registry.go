package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

var globalRegistry = newRegistry()

type registry struct {
	mu       sync.RWMutex
	profiles map[Category]Profile
}

func newRegistry() *registry {
	return &registry{profiles: make(map[Category]Profile)}
}

// Register 将分类策略加入全局注册表，重复分类会返回错误。
func Register(profile Profile) error {
	return globalRegistry.register(profile)
}

// MustRegister 在注册失败时 panic，适合 init() 中调用。
func MustRegister(profile Profile) {
	if err := Register(profile); err != nil {
		panic(err)
	}
}

// Resolve 返回指定分类的策略。
func Resolve(category Category) (Profile, bool) {
	return globalRegistry.resolve(category)
}

// List 返回按分类名排序的策略列表。
func List() []Profile {
	return globalRegistry.list()
}

func normalizeCategory(category Category) Category {
	return Category(strings.ToLower(strings.TrimSpace(string(category))))
}

func (r *registry) register(profile Profile) error {
	key := normalizeCategory(profile.Category)
	if key == "" {
		return fmt.Errorf("category is required")
	}
	if profile.Strategy == "" {
		return fmt.Errorf("category %s: strategy is required", key)
	}
	if profile.Partition == "" {
		return fmt.Errorf("category %s: partition is required", key)
	}
	profile.Category = key

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.profiles[key]; exists {
		return fmt.Errorf("category %s already registered", key)
	}
	r.profiles[key] = profile
	return nil
}

func (r *registry) resolve(category Category) (Profile, bool) {
	key := normalizeCategory(category)
	if key == "" {
		return Profile{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	profile, ok := r.profiles[key]
	return profile, ok
}

func (r *registry) list() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.profiles) == 0 {
		return nil
	}

	keys := make([]string, 0, len(r.profiles))
	for key := range r.profiles {
		keys = append(keys, string(key))
	}
	sort.Strings(keys)

	result := make([]Profile, 0, len(keys))
	for _, key := range keys {
		result = append(result, r.profiles[Category(key)])
	}
	return result
}
