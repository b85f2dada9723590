// Package kb holds the catalog of known peripherals: the devices the daemon
// is configured to manage plus any peripheral a client connected to.
package kb

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/blecentral/internal/central"
	"github.com/signalsfoundry/blecentral/internal/policy"
	"github.com/signalsfoundry/blecentral/model"
)

// ErrNotFound is returned for peripherals the catalog does not know.
var ErrNotFound = errors.New("peripheral not in catalog")

// EventType indicates what kind of change happened in the catalog.
type EventType int

const (
	EventPeripheralAdded EventType = iota
	EventPeripheralUpdated
	EventPeripheralRemoved
)

// Event is emitted to subscribers when an entry changes.
type Event struct {
	Type  EventType
	Entry Entry
}

// Entry describes one known peripheral.
type Entry struct {
	ID   model.PeripheralID
	Name string
	Role model.Role
	// AutoConnect is the preferred first connect mode; nil defers to the
	// engine default.
	AutoConnect *bool
	// Policy names a built-in reconnect policy; empty keeps the role
	// default.
	Policy string
}

// Catalog is an in-memory, thread-safe set of known peripherals.
type Catalog struct {
	mu sync.RWMutex

	entries map[model.PeripheralID]Entry

	subs    map[int]func(Event)
	nextSub int
}

// NewCatalog constructs an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		entries: make(map[model.PeripheralID]Entry),
		subs:    make(map[int]func(Event)),
	}
}

// Add inserts a new entry. It returns an error if the address is invalid or
// already known.
func (c *Catalog) Add(e Entry) error {
	id, err := model.ParsePeripheralID(string(e.ID))
	if err != nil {
		return err
	}
	e.ID = id

	c.mu.Lock()
	if _, exists := c.entries[id]; exists {
		c.mu.Unlock()
		return fmt.Errorf("peripheral %s already in catalog", id)
	}
	c.entries[id] = e
	subs := c.subscribersLocked()
	c.mu.Unlock()

	notify(subs, Event{Type: EventPeripheralAdded, Entry: e})
	return nil
}

// Upsert inserts or replaces an entry and reports whether it was new.
func (c *Catalog) Upsert(e Entry) (bool, error) {
	id, err := model.ParsePeripheralID(string(e.ID))
	if err != nil {
		return false, err
	}
	e.ID = id

	c.mu.Lock()
	_, existed := c.entries[id]
	c.entries[id] = e
	subs := c.subscribersLocked()
	c.mu.Unlock()

	ev := Event{Type: EventPeripheralUpdated, Entry: e}
	if !existed {
		ev.Type = EventPeripheralAdded
	}
	notify(subs, ev)
	return !existed, nil
}

// Get returns the entry for id.
func (c *Catalog) Get(id model.PeripheralID) (Entry, bool) {
	id, err := model.ParsePeripheralID(string(id))
	if err != nil {
		return Entry{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return e, ok
}

// List returns a snapshot of all entries ordered by address.
func (c *Catalog) List() []Entry {
	c.mu.RLock()
	res := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		res = append(res, e)
	}
	c.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Remove forgets id and notifies subscribers.
func (c *Catalog) Remove(id model.PeripheralID) error {
	id, err := model.ParsePeripheralID(string(id))
	if err != nil {
		return err
	}
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(c.entries, id)
	subs := c.subscribersLocked()
	c.mu.Unlock()

	notify(subs, Event{Type: EventPeripheralRemoved, Entry: e})
	return nil
}

// Subscribe registers a callback for catalog events. It returns an
// unsubscribe function.
func (c *Catalog) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Catalog) subscribersLocked() []func(Event) {
	keys := make([]int, 0, len(c.subs))
	for k := range c.subs {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	subs := make([]func(Event), 0, len(keys))
	for _, k := range keys {
		subs = append(subs, c.subs[k])
	}
	return subs
}

// notify runs outside the lock so subscribers may call back into the
// catalog.
func notify(subs []func(Event), ev Event) {
	for _, sub := range subs {
		sub(ev)
	}
}

// RegisterOptions translates an entry into engine registration options.
// The named policy is built with cfg.
func (e Entry) RegisterOptions(cfg policy.Config) (central.RegisterOptions, error) {
	role := e.Role
	opts := central.RegisterOptions{Role: &role, AutoConnect: e.AutoConnect}
	if e.Policy != "" {
		p, err := policy.ByName(e.Policy, cfg)
		if err != nil {
			return central.RegisterOptions{}, fmt.Errorf("peripheral %s: %w", e.ID, err)
		}
		opts.Policy = p
	}
	return opts, nil
}
