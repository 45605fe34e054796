// Package cache is an in-memory, namespace-sharded mirror of live store
// state. It is derived, never authoritative: the store wins on any conflict
// and the writer refreshes the cache, not the reverse.
package cache

import (
	"sort"
	"sync"

	"github.com/flintttan/hapi-sub000/internal/model"
)

// Cache shards entries by namespace. Every read goes through the caller's
// shard first, so a lookup for namespace A structurally cannot return an
// entry belonging to namespace B.
type Cache struct {
	mu     sync.RWMutex
	shards map[string]*shard
}

// A shard only answers list reads once a store-backed listing has populated
// it; point-read warming leaves the complete flags unset so a partially
// warmed shard never masquerades as the full namespace.
type shard struct {
	mu               sync.RWMutex
	sessions         map[string]model.Session
	machines         map[string]model.Machine
	sessionsComplete bool
	machinesComplete bool
}

func New() *Cache {
	return &Cache{shards: make(map[string]*shard)}
}

func (c *Cache) shardFor(namespace string, create bool) *shard {
	c.mu.RLock()
	sh := c.shards[namespace]
	c.mu.RUnlock()
	if sh != nil || !create {
		return sh
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if sh = c.shards[namespace]; sh == nil {
		sh = &shard{
			sessions: make(map[string]model.Session),
			machines: make(map[string]model.Machine),
		}
		c.shards[namespace] = sh
	}
	return sh
}

func (c *Cache) PutSession(sess model.Session) {
	sh := c.shardFor(sess.Namespace, true)
	sh.mu.Lock()
	sh.sessions[sess.ID] = sess
	sh.mu.Unlock()
}

func (c *Cache) Session(namespace, sessionID string) (model.Session, bool) {
	sh := c.shardFor(namespace, false)
	if sh == nil {
		return model.Session{}, false
	}
	sh.mu.RLock()
	sess, ok := sh.sessions[sessionID]
	sh.mu.RUnlock()
	return sess, ok
}

// PutSessions replaces the namespace's session mirror with a store-backed
// listing and marks it complete, so later list reads can be served from the
// cache alone.
func (c *Cache) PutSessions(namespace string, sessions []model.Session) {
	sh := c.shardFor(namespace, true)
	sh.mu.Lock()
	sh.sessions = make(map[string]model.Session, len(sessions))
	for _, sess := range sessions {
		sh.sessions[sess.ID] = sess
	}
	sh.sessionsComplete = true
	sh.mu.Unlock()
}

// Sessions returns the namespace's cached sessions, most recently updated
// first, matching the store's list order. ok reports whether the mirror holds
// the whole namespace; a shard warmed only by point reads answers false and
// the caller must list from the store.
func (c *Cache) Sessions(namespace string) ([]model.Session, bool) {
	sh := c.shardFor(namespace, false)
	if sh == nil {
		return nil, false
	}
	sh.mu.RLock()
	if !sh.sessionsComplete {
		sh.mu.RUnlock()
		return nil, false
	}
	result := make([]model.Session, 0, len(sh.sessions))
	for _, sess := range sh.sessions {
		result = append(result, sess)
	}
	sh.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt > result[j].UpdatedAt })
	return result, true
}

func (c *Cache) EvictSession(namespace, sessionID string) {
	sh := c.shardFor(namespace, false)
	if sh == nil {
		return
	}
	sh.mu.Lock()
	delete(sh.sessions, sessionID)
	sh.mu.Unlock()
}

func (c *Cache) PutMachine(m model.Machine) {
	sh := c.shardFor(m.Namespace, true)
	sh.mu.Lock()
	sh.machines[m.ID] = m
	sh.mu.Unlock()
}

func (c *Cache) Machine(namespace, machineID string) (model.Machine, bool) {
	sh := c.shardFor(namespace, false)
	if sh == nil {
		return model.Machine{}, false
	}
	sh.mu.RLock()
	m, ok := sh.machines[machineID]
	sh.mu.RUnlock()
	return m, ok
}

// PutMachines replaces the namespace's machine mirror with a store-backed
// listing and marks it complete.
func (c *Cache) PutMachines(namespace string, machines []model.Machine) {
	sh := c.shardFor(namespace, true)
	sh.mu.Lock()
	sh.machines = make(map[string]model.Machine, len(machines))
	for _, m := range machines {
		sh.machines[m.ID] = m
	}
	sh.machinesComplete = true
	sh.mu.Unlock()
}

func (c *Cache) Machines(namespace string) ([]model.Machine, bool) {
	sh := c.shardFor(namespace, false)
	if sh == nil {
		return nil, false
	}
	sh.mu.RLock()
	if !sh.machinesComplete {
		sh.mu.RUnlock()
		return nil, false
	}
	result := make([]model.Machine, 0, len(sh.machines))
	for _, m := range sh.machines {
		result = append(result, m)
	}
	sh.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt > result[j].UpdatedAt })
	return result, true
}

func (c *Cache) EvictMachine(namespace, machineID string) {
	sh := c.shardFor(namespace, false)
	if sh == nil {
		return
	}
	sh.mu.Lock()
	delete(sh.machines, machineID)
	sh.mu.Unlock()
}

// EvictNamespace drops every cached entry for a namespace, used when the
// owning user is deleted.
func (c *Cache) EvictNamespace(namespace string) {
	c.mu.Lock()
	delete(c.shards, namespace)
	c.mu.Unlock()
}
