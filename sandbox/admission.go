package sandbox

import (
	"maps"
	"sync"
)

// Controller bounds how many executions run at once, globally and per host.
// The counters are the only mutable state shared between executions.
type Controller struct {
	mu         sync.Mutex
	maxGlobal  int
	maxPerHost int
	global     int
	perHost    map[string]int
	freeSlots  []int
}

// AdmissionToken is the right to run one execution. Release returns it.
type AdmissionToken struct {
	controller *Controller
	hostID     string
	slot       int
	once       sync.Once
}

// AdmissionStats is a snapshot of the controller.
type AdmissionStats struct {
	InFlight   int            `json:"in_flight"`
	MaxGlobal  int            `json:"max_global"`
	MaxPerHost int            `json:"max_per_host"`
	PerHost    map[string]int `json:"per_host"`
}

// NewController creates a controller with the given ceilings.
func NewController(maxGlobal, maxPerHost int) *Controller {
	c := &Controller{
		maxGlobal:  maxGlobal,
		maxPerHost: maxPerHost,
		perHost:    make(map[string]int),
		freeSlots:  make([]int, 0, maxGlobal),
	}
	// Popped from the end, so slot 0 goes out first.
	for slot := maxGlobal - 1; slot >= 0; slot-- {
		c.freeSlots = append(c.freeSlots, slot)
	}
	return c
}

// TryAdmit admits hostID if both the global and the host ceiling have room,
// and rejects immediately otherwise. It never blocks.
func (c *Controller) TryAdmit(hostID string) (*AdmissionToken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.global >= c.maxGlobal || len(c.freeSlots) == 0 {
		return nil, &AdmissionError{Scope: ScopeGlobal, Limit: c.maxGlobal}
	}
	if c.perHost[hostID] >= c.maxPerHost {
		return nil, &AdmissionError{Scope: ScopeHost, HostID: hostID, Limit: c.maxPerHost}
	}

	slot := c.freeSlots[len(c.freeSlots)-1]
	c.freeSlots = c.freeSlots[:len(c.freeSlots)-1]
	c.global++
	c.perHost[hostID]++

	return &AdmissionToken{controller: c, hostID: hostID, slot: slot}, nil
}

func (c *Controller) release(hostID string, slot int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.global--
	if c.perHost[hostID] <= 1 {
		delete(c.perHost, hostID)
	} else {
		c.perHost[hostID]--
	}
	c.freeSlots = append(c.freeSlots, slot)
}

// Stats returns the current in-flight counts.
func (c *Controller) Stats() AdmissionStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return AdmissionStats{
		InFlight:   c.global,
		MaxGlobal:  c.maxGlobal,
		MaxPerHost: c.maxPerHost,
		PerHost:    maps.Clone(c.perHost),
	}
}

// Release gives the token back. Only the first call has an effect.
func (t *AdmissionToken) Release() {
	t.once.Do(func() {
		t.controller.release(t.hostID, t.slot)
	})
}

// HostID returns the host the token was issued to.
func (t *AdmissionToken) HostID() string { return t.hostID }

// Slot is unique among live tokens and lies in [0, maxGlobal).
func (t *AdmissionToken) Slot() int { return t.slot }
