// Package stats counts the codes exchanged with the transaction core.
//
// Counters are cheap per-process atomic tallies suitable for diagnostics.
// Collector mirrors the same events into Prometheus counters for a whole
// context.
package stats

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/joshuapare/binderkit/internal/protocol"
)

// Counters holds per-process tallies, indexed by command number.
type Counters struct {
	returns  [32]atomic.Uint64
	commands [32]atomic.Uint64
}

func index(code uint32) int { return int(code & 0xff) }

// IncReturn counts one return code.
func (c *Counters) IncReturn(code protocol.Return) {
	if i := index(uint32(code)); i < len(c.returns) {
		c.returns[i].Add(1)
	}
}

// IncCommand counts one command.
func (c *Counters) IncCommand(code protocol.Command) {
	if i := index(uint32(code)); i < len(c.commands) {
		c.commands[i].Add(1)
	}
}

// Returns returns how many times code was written.
func (c *Counters) Returns(code protocol.Return) uint64 {
	if i := index(uint32(code)); i < len(c.returns) {
		return c.returns[i].Load()
	}
	return 0
}

// Commands returns how many times code was processed.
func (c *Counters) Commands(code protocol.Command) uint64 {
	if i := index(uint32(code)); i < len(c.commands) {
		return c.commands[i].Load()
	}
	return 0
}

// Snapshot returns the non-zero tallies keyed by code name. Return codes that
// share a command number are reported under the first name.
func (c *Counters) Snapshot() map[string]uint64 {
	out := map[string]uint64{}
	var seen [32]bool
	for _, r := range protocol.ReturnCodes() {
		i := index(uint32(r))
		if seen[i] {
			continue
		}
		seen[i] = true
		if n := c.Returns(r); n > 0 {
			out[r.String()] = n
		}
	}
	for _, cmd := range protocol.CommandCodes() {
		if n := c.Commands(cmd); n > 0 {
			out[cmd.String()] = n
		}
	}
	return out
}

// Transaction kinds recorded by Collector.
const (
	KindSync   = "sync"
	KindOneway = "oneway"
	KindReply  = "reply"
)

// Collector exports counters to Prometheus. A nil *Collector discards
// everything.
type Collector struct {
	Returns      *prometheus.CounterVec
	Commands     *prometheus.CounterVec
	Transactions *prometheus.CounterVec
	OnewaySpam   prometheus.Counter
	FreezeEvents *prometheus.CounterVec
}

// NewCollector registers the binderkit metrics on reg. A nil reg leaves the
// metrics unregistered, which is what tests want.
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		Returns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "binder_returns_total",
				Help: "Return codes written to read buffers",
			},
			[]string{"code"},
		),
		Commands: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "binder_commands_total",
				Help: "Commands processed from write buffers",
			},
			[]string{"code"},
		),
		Transactions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "binder_transactions_total",
				Help: "Transactions submitted, by kind",
			},
			[]string{"kind"},
		),
		OnewaySpam: f.NewCounter(
			prometheus.CounterOpts{
				Name: "binder_oneway_spam_total",
				Help: "Oneway reservations flagged as spam",
			},
		),
		FreezeEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "binder_freeze_events_total",
				Help: "Freeze state changes, by outcome",
			},
			[]string{"event"},
		),
	}
}

// Return records a return code.
func (c *Collector) Return(code protocol.Return) {
	if c == nil {
		return
	}
	c.Returns.WithLabelValues(code.String()).Inc()
}

// Command records a processed command.
func (c *Collector) Command(code protocol.Command) {
	if c == nil {
		return
	}
	c.Commands.WithLabelValues(code.String()).Inc()
}

// Transaction records a submitted transaction of the given kind.
func (c *Collector) Transaction(kind string) {
	if c == nil {
		return
	}
	c.Transactions.WithLabelValues(kind).Inc()
}

// Spam records a reservation flagged as oneway spam.
func (c *Collector) Spam() {
	if c == nil {
		return
	}
	c.OnewaySpam.Inc()
}

// Freeze records a freeze state change such as "frozen", "thawed" or "timeout".
func (c *Collector) Freeze(event string) {
	if c == nil {
		return
	}
	c.FreezeEvents.WithLabelValues(event).Inc()
}
