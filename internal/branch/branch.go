// Package branch holds the process-wide current-branch selection. The value
// is persisted so restarts keep the operator's choice, local subscribers get
// change notifications, and changes broadcast to other instances over the
// realtime bus.
package branch

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/dannyaudian/IMOGI-POS-sub004/internal/domain"
	"github.com/dannyaudian/IMOGI-POS-sub004/internal/realtime"
	"github.com/dannyaudian/IMOGI-POS-sub004/internal/store"
)

const settingKey = "current_branch"

type Manager struct {
	repo store.Repository
	bus  realtime.Bus

	mu      sync.RWMutex
	current string
	subs    map[int]chan string
	nextID  int
}

// NewManager restores the persisted selection, falling back to the given
// default when none is stored yet.
func NewManager(ctx context.Context, repo store.Repository, bus realtime.Bus, fallback string) (*Manager, error) {
	m := &Manager{
		repo: repo,
		bus:  bus,
		subs: make(map[int]chan string),
	}

	stored, err := repo.GetSetting(ctx, settingKey)
	switch {
	case err == nil && strings.TrimSpace(stored) != "":
		m.current = stored
	case err == nil || errors.Is(err, store.ErrNotFound):
		m.current = fallback
	default:
		return nil, err
	}
	return m, nil
}

func (m *Manager) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Set persists and applies a new selection, notifies local subscribers, and
// broadcasts to other instances. Setting the already-current branch is a
// no-op.
func (m *Manager) Set(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.ErrInvalidInput
	}
	if !m.apply(name) {
		return nil
	}
	if err := m.repo.PutSetting(ctx, settingKey, name); err != nil {
		return err
	}
	if m.bus != nil {
		if err := m.bus.Publish(ctx, domain.EventBranchChanged, domain.Branch{Name: name}); err != nil {
			log.Printf("[branch] WARN: broadcast of branch change failed: %v", err)
		}
	}
	return nil
}

// Subscribe returns a channel receiving each new branch name. The returned
// cancel must be called when the subscriber goes away.
func (m *Manager) Subscribe() (<-chan string, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan string, 4)
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Run consumes branch-change broadcasts from other instances until ctx ends.
// Remote changes are applied without re-broadcasting.
func (m *Manager) Run(ctx context.Context) error {
	if m.bus == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	events, cancel, err := m.bus.Subscribe(ctx, domain.EventBranchChanged)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			var payload domain.Branch
			if err := json.Unmarshal(event.Payload, &payload); err != nil {
				log.Printf("[branch] WARN: bad branch change payload: %v", err)
				continue
			}
			m.apply(payload.Name)
		}
	}
}

// apply swaps the current value and fans out to local subscribers. Returns
// false when the value did not change.
func (m *Manager) apply(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	m.mu.Lock()
	if m.current == name {
		m.mu.Unlock()
		return false
	}
	m.current = name
	subs := make([]chan string, 0, len(m.subs))
	for _, ch := range m.subs {
		subs = append(subs, ch)
	}
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- name:
		default:
		}
	}
	return true
}
