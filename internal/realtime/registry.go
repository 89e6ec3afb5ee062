package realtime

import (
	"slices"
	"sync"
)

// Registry はユーザーIDと接続中の接続IDの集合の対応表。
// 1つの接続IDは常に高々1人のユーザーに属する。
type Registry struct {
	mu sync.RWMutex
	// byUser はユーザーIDごとの接続ID集合。空の集合は保持しない。
	byUser map[int64]map[string]struct{}
	// owners は接続IDから所有ユーザーへの逆引き。
	owners map[string]int64
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[int64]map[string]struct{}),
		owners: make(map[string]int64),
	}
}

// Add は接続IDをユーザーの集合へ追加する。
// 別ユーザーに登録済みの接続IDは移し替える。
func (r *Registry) Add(userID int64, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.owners[connID]; ok {
		if prev == userID {
			return
		}
		r.removeLocked(prev, connID)
	}
	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[string]struct{})
		r.byUser[userID] = set
	}
	set[connID] = struct{}{}
	r.owners[connID] = userID
}

// Remove は接続IDを所有ユーザーの集合から取り除き、所有ユーザーを返す。
// 未登録の接続IDの場合はfalseを返す。
func (r *Registry) Remove(connID string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.owners[connID]
	if !ok {
		return 0, false
	}
	r.removeLocked(userID, connID)
	return userID, true
}

func (r *Registry) removeLocked(userID int64, connID string) {
	delete(r.owners, connID)
	set := r.byUser[userID]
	delete(set, connID)
	if len(set) == 0 {
		delete(r.byUser, userID)
	}
}

// Connections はユーザーの接続IDを昇順で返す。
func (r *Registry) Connections(userID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.byUser[userID])
}

// Owner は接続IDの所有ユーザーを返す。
func (r *Registry) Owner(connID string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.owners[connID]
	return userID, ok
}

// Snapshot は対応表の複製を返す。
func (r *Registry) Snapshot() map[int64][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[int64][]string, len(r.byUser))
	for userID, set := range r.byUser {
		out[userID] = sortedKeys(set)
	}
	return out
}

// UserCount は接続中のユーザー数を返す。
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// ConnectionCount は登録済みの接続数を返す。
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
