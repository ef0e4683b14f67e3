package service

import (
	"log/slog"
	"sync"
)

// Connectivity tracks whether the broker and gateway are reachable. It is
// edge triggered: callbacks fire once per offline-to-online transition, so a
// burst of health reports while already online collapses into nothing.
type Connectivity struct {
	mu       sync.Mutex
	online   bool
	onOnline []func()
	logger   *slog.Logger
}

func NewConnectivity(logger *slog.Logger) *Connectivity {
	return &Connectivity{logger: logger}
}

// Online reports the last known reachability.
func (c *Connectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// OnOnline registers a callback for offline-to-online transitions.
func (c *Connectivity) OnOnline(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOnline = append(c.onOnline, fn)
}

// SetOnline records a reachability report and fires callbacks when the state
// flips from offline to online.
func (c *Connectivity) SetOnline(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	callbacks := make([]func(), len(c.onOnline))
	copy(callbacks, c.onOnline)
	c.mu.Unlock()

	if online {
		c.logger.Info("Connectivity restored")
		for _, fn := range callbacks {
			fn()
		}
	} else {
		c.logger.Warn("Connectivity lost")
	}
}
