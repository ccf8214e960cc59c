package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syncforge/ghbridge/internal/remote"
	"github.com/syncforge/ghbridge/internal/store"
)

// DocPerson is the store kind for materialized remote accounts.
const DocPerson = "person"

// AccountCache resolves remote logins to person document ids, creating the
// person document on first sight. The cache is a pure optimization: bounded,
// cleared on write pressure, always safe to drop and repopulate.
type AccountCache struct {
	mu      sync.Mutex
	max     int
	entries map[string]string
	order   []string
}

// NewAccountCache creates a cache bounded to max entries.
func NewAccountCache(max int) *AccountCache {
	if max < 1 {
		max = 1
	}
	return &AccountCache{
		max:     max,
		entries: make(map[string]string),
	}
}

// Resolve returns the person document id for a remote user. A nil user or
// empty login resolves to the engine actor.
func (c *AccountCache) Resolve(ctx context.Context, st store.Store, workspace string, user *remote.User) (string, error) {
	if user == nil || user.Login == "" {
		return EngineActor, nil
	}

	c.mu.Lock()
	if id, ok := c.entries[user.Login]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	doc, err := st.FindOne(ctx, store.Query{
		Workspace: workspace,
		Kind:      DocPerson,
		Fields:    map[string]any{"login": user.Login},
	})
	if err != nil {
		return "", fmt.Errorf("failed to look up person %s: %w", user.Login, err)
	}

	var id string
	if doc != nil {
		id = doc.ID
	} else {
		id = "person-" + uuid.NewString()
		err := st.Create(ctx, store.Doc{
			ID:        id,
			Workspace: workspace,
			Kind:      DocPerson,
			Fields: map[string]any{
				"login":      user.Login,
				"name":       user.Name,
				"avatar_url": user.AvatarURL,
				"html_url":   user.HTMLURL,
			},
		}, EngineActor, time.Now())
		if err != nil {
			return "", fmt.Errorf("failed to create person %s: %w", user.Login, err)
		}
	}

	c.put(user.Login, id)
	return id, nil
}

// Invalidate drops a login from the cache (after a person doc write).
func (c *AccountCache) Invalidate(login string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, login)
}

func (c *AccountCache) put(login, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[login]; !ok {
		c.order = append(c.order, login)
	}
	c.entries[login] = id
	for len(c.entries) > c.max && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}
