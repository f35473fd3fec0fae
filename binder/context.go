package binder

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/joshuapare/binderkit/internal/config"
	"github.com/joshuapare/binderkit/internal/stats"
)

// Context is one binder domain: the processes registered with it, the
// context manager behind handle 0, and the debug id counter shared by every
// transaction and buffer in the domain.
type Context struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *stats.Collector

	debugIDs atomic.Uint64

	mu      sync.Mutex
	procs   map[int32]*Process
	manager *Node
}

// Option configures a Context.
type Option func(*Context)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *Context) {
		if l != nil {
			c.log = l
		}
	}
}

// WithCollector exports counters through m.
func WithCollector(m *stats.Collector) Option {
	return func(c *Context) { c.metrics = m }
}

// NewContext creates an empty domain. A nil cfg uses config.Default.
func NewContext(cfg *config.Config, opts ...Option) *Context {
	if cfg == nil {
		cfg = config.Default()
	}
	c := &Context{
		cfg:   cfg,
		log:   zap.NewNop(),
		procs: make(map[int32]*Process),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the settings the context was created with.
func (c *Context) Config() *config.Config { return c.cfg }

func (c *Context) nextDebugID() uint64 { return c.debugIDs.Add(1) }

// NewProcess registers a process. The pid must not already be registered.
func (c *Context) NewProcess(pid int32, euid uint32) (*Process, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.procs[pid]; ok {
		return nil, ErrProcessExists
	}
	p := newProcess(c, pid, euid)
	c.procs[pid] = p
	c.log.Debug("process registered", zap.Int32("pid", pid), zap.Uint32("euid", euid))
	return p, nil
}

// Process returns the registered process with the given pid.
func (c *Context) Process(pid int32) (*Process, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.procs[pid]
	return p, ok
}

// Processes returns the registered processes ordered by pid.
func (c *Context) Processes() []*Process {
	c.mu.Lock()
	out := make([]*Process, 0, len(c.procs))
	for _, p := range c.procs {
		out = append(out, p)
	}
	c.mu.Unlock()
	slices.SortFunc(out, func(a, b *Process) int { return cmp.Compare(a.pid, b.pid) })
	return out
}

func (c *Context) deregister(p *Process) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.procs[p.pid] == p {
		delete(c.procs, p.pid)
	}
	if c.manager != nil && c.manager.owner == p {
		c.manager = nil
	}
}

// SetContextManager makes n the node behind handle 0.
func (c *Context) SetContextManager(n *Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manager != nil {
		return ErrManagerSet
	}
	c.manager = n
	c.log.Info("context manager set", zap.Int32("pid", n.owner.pid), zap.Uint64("node", n.debugID))
	return nil
}

// ContextManager returns the node behind handle 0, or nil.
func (c *Context) ContextManager() *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manager
}
