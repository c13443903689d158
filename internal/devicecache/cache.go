// Package devicecache keeps the last known status and liveness of every
// device heard on the broker. It is a hint for callers, not a source of
// truth: nothing is persisted and Clear drops everything on disconnect.
package devicecache

import (
	"container/list"
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// State is the liveness of a device as seen by the bridge
type State int

const (
	StateOffline State = iota
	StateOnline
	StateStale
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateStale:
		return "stale"
	default:
		return "offline"
	}
}

// Entry is the cached status of one device
type Entry struct {
	DeviceID       string
	Status         map[string]interface{}
	Online         bool
	LastUpdate     time.Time
	LastHeartbeat  *time.Time
	Battery        *float64
	SignalStrength *float64
}

// Config bounds the cache. Zero values disable the matching behaviour.
type Config struct {
	// StaleAfter marks a device stale when nothing was heard from it for this long
	StaleAfter time.Duration
	// EvictAfter removes a device entirely after this long without traffic
	EvictAfter time.Duration
	// MaxEntries caps status entries and online-set members; the least
	// recently written are evicted first
	MaxEntries int
}

// Cache is safe for concurrent use; one mutex guards both the status
// entries and the online set.
type Cache struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element // values are *Entry
	order   *list.List               // front is the most recently written entry
	online  map[string]time.Time     // device id -> last heartbeat
}

// New creates an empty cache
func New(cfg Config, logger *slog.Logger) *Cache {
	return &Cache{
		cfg:     cfg,
		logger:  logger.With("component", "devicecache"),
		now:     time.Now,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		online:  make(map[string]time.Time),
	}
}

// RecordStatus replaces the cached entry of a device and marks it online
func (c *Cache) RecordStatus(deviceID string, status map[string]interface{}) {
	c.record(&Entry{DeviceID: deviceID, Status: copyStatus(status)})
}

// RecordStatusReport is RecordStatus plus the optional battery and signal readings
func (c *Cache) RecordStatusReport(deviceID string, status map[string]interface{}, battery, signal *float64) {
	c.record(&Entry{
		DeviceID:       deviceID,
		Status:         copyStatus(status),
		Battery:        copyFloat(battery),
		SignalStrength: copyFloat(signal),
	})
}

func (c *Cache) record(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.Online = true
	e.LastUpdate = c.now()

	if el, ok := c.entries[e.DeviceID]; ok {
		el.Value = e
		c.order.MoveToFront(el)
	} else {
		c.entries[e.DeviceID] = c.order.PushFront(e)
	}

	if c.cfg.MaxEntries > 0 {
		for c.order.Len() > c.cfg.MaxEntries {
			oldest := c.order.Back()
			evicted := c.order.Remove(oldest).(*Entry)
			delete(c.entries, evicted.DeviceID)
			c.logger.Debug("evicted status entry over capacity", "device_id", evicted.DeviceID)
		}
	}
}

// RecordHeartbeat adds the device to the online set and stamps the
// heartbeat on its status entry when one exists.
func (c *Cache) RecordHeartbeat(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, ok := c.online[deviceID]; !ok {
		c.logger.Info("device online", "device_id", deviceID)
	}
	c.online[deviceID] = now

	if el, ok := c.entries[deviceID]; ok {
		hb := now
		el.Value.(*Entry).LastHeartbeat = &hb
	}

	if c.cfg.MaxEntries > 0 && len(c.online) > c.cfg.MaxEntries {
		c.evictOldestOnlineLocked()
	}
}

func (c *Cache) evictOldestOnlineLocked() {
	var (
		oldestID string
		oldestAt time.Time
	)
	for id, at := range c.online {
		if oldestID == "" || at.Before(oldestAt) {
			oldestID, oldestAt = id, at
		}
	}
	delete(c.online, oldestID)
	c.logger.Debug("evicted online device over capacity", "device_id", oldestID)
}

// Status returns a copy of the cached entry of a device
func (c *Cache) Status(deviceID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[deviceID]
	if !ok {
		return Entry{}, false
	}
	return cloneEntry(el.Value.(*Entry)), true
}

// State reports whether a device is online, stale or offline
func (c *Cache) State(deviceID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked(deviceID, c.now())
}

func (c *Cache) stateLocked(deviceID string, now time.Time) State {
	last, ok := c.lastSeenLocked(deviceID)
	if !ok {
		return StateOffline
	}
	if c.cfg.StaleAfter > 0 && now.Sub(last) > c.cfg.StaleAfter {
		return StateStale
	}
	return StateOnline
}

func (c *Cache) lastSeenLocked(deviceID string) (time.Time, bool) {
	var (
		last time.Time
		seen bool
	)
	if hb, ok := c.online[deviceID]; ok {
		last, seen = hb, true
	}
	if el, ok := c.entries[deviceID]; ok {
		e := el.Value.(*Entry)
		if e.Online && (!seen || e.LastUpdate.After(last)) {
			last, seen = e.LastUpdate, true
		}
	}
	return last, seen
}

// ListOnline returns a sorted snapshot of the online set, stale members excluded
func (c *Cache) ListOnline() []string {
	return c.listByState(StateOnline)
}

// ListStale returns a sorted snapshot of online-set members gone quiet
func (c *Cache) ListStale() []string {
	return c.listByState(StateStale)
}

func (c *Cache) listByState(want State) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	ids := make([]string, 0, len(c.online))
	for id := range c.online {
		if c.stateLocked(id, now) == want {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// OnlineCount is the size of the online set, stale members included
func (c *Cache) OnlineCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.online)
}

// Clear drops every entry and empties the online set
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.online = make(map[string]time.Time)
}

// Sweep evicts devices silent for longer than EvictAfter and returns how
// many entries and online members were removed.
func (c *Cache) Sweep() int {
	if c.cfg.EvictAfter <= 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.cfg.EvictAfter)
	removed := 0

	for id, hb := range c.online {
		if hb.Before(cutoff) {
			delete(c.online, id)
			removed++
			c.logger.Info("device evicted after silence", "device_id", id, "last_heartbeat", hb)
		}
	}

	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*Entry)
		last := e.LastUpdate
		if e.LastHeartbeat != nil && e.LastHeartbeat.After(last) {
			last = *e.LastHeartbeat
		}
		if last.Before(cutoff) {
			c.order.Remove(el)
			delete(c.entries, e.DeviceID)
			removed++
		}
		el = prev
	}

	return removed
}

// Run sweeps the cache every interval until ctx is cancelled
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if c.cfg.EvictAfter <= 0 || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("cache sweep", "removed", n)
			}
		}
	}
}

func cloneEntry(e *Entry) Entry {
	out := *e
	out.Status = copyStatus(e.Status)
	if e.LastHeartbeat != nil {
		hb := *e.LastHeartbeat
		out.LastHeartbeat = &hb
	}
	out.Battery = copyFloat(e.Battery)
	out.SignalStrength = copyFloat(e.SignalStrength)
	return out
}

func copyStatus(status map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(status))
	for k, v := range status {
		out[k] = v
	}
	return out
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
