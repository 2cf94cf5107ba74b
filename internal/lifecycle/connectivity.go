package lifecycle

import (
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-cache-proxy/internal/events"
	"github.com/iTrooz/offline-cache-proxy/internal/metrics"
)

// Connectivity tracks whether the upstream network is reachable
type Connectivity struct {
	bus *events.Bus

	mu     sync.Mutex
	online bool
	subs   []func(online bool)
}

func NewConnectivity(bus *events.Bus, online bool) *Connectivity {
	metrics.SetOnline(online)
	return &Connectivity{bus: bus, online: online}
}

// Online reports the last known state
func (c *Connectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Report records an observation and returns true when it changed the state.
// Change subscribers run on the caller's goroutine.
func (c *Connectivity) Report(online bool) bool {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return false
	}
	c.online = online
	subs := append([]func(bool){}, c.subs...)
	c.mu.Unlock()

	metrics.SetOnline(online)
	logrus.WithField("online", online).Info("Connectivity changed")
	c.bus.Publish(events.ConnectivityChanged, strconv.FormatBool(online))

	for _, fn := range subs {
		fn(online)
	}
	return true
}

// OnChange registers fn for every state change
func (c *Connectivity) OnChange(fn func(online bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}
