package peers

import (
	"context"
	"io"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"voxelshard.ai/internal/protocol"
)

type TableOptions struct {
	// Learn adds unknown senders as peers with LearnRole.
	Learn     bool
	LearnRole Role

	// SilentTimeout is how long a learned peer may stay quiet before PruneSilent drops it.
	// Static peers are never pruned.
	SilentTimeout time.Duration

	// CheckIn is called by Table.CheckIn. Nil means check-ins always succeed.
	CheckIn func(ctx context.Context) error
}

type entry struct {
	Peer
	static bool
}

// Table is an in-memory Registry.
type Table struct {
	opts TableOptions
	log  *zap.SugaredLogger
	now  func() time.Time

	mu     sync.RWMutex
	byID   map[uuid.UUID]*entry
	byAddr map[string]uuid.UUID
}

var _ Registry = (*Table)(nil)

func NewTable(opts TableOptions, logger *zap.SugaredLogger) *Table {
	if opts.LearnRole == "" {
		opts.LearnRole = RoleAgent
	}
	return &Table{
		opts:   opts,
		log:    logger,
		now:    time.Now,
		byID:   map[uuid.UUID]*entry{},
		byAddr: map[string]uuid.UUID{},
	}
}

func addrKey(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.Network() + "|" + a.String()
}

// AddStatic registers a peer that stays in the table until removed. A nil ID gets a fresh one.
func (t *Table) AddStatic(p Peer) Peer {
	return t.add(p, true)
}

// Learn adds a peer that PruneSilent may drop once it goes quiet.
func (t *Table) Learn(p Peer) Peer {
	return t.add(p, false)
}

func (t *Table) add(p Peer, static bool) Peer {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.byID[p.ID]; ok {
		delete(t.byAddr, addrKey(old.Addr))
	}
	t.byID[p.ID] = &entry{Peer: p, static: static}
	if k := addrKey(p.Addr); k != "" {
		t.byAddr[k] = p.ID
	}
	return p
}

func (t *Table) Remove(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.byID[id]; ok {
		delete(t.byAddr, addrKey(e.Addr))
		delete(t.byID, id)
	}
}

// Observe records traffic from addr. Known peers get their reply path refreshed; unknown
// senders are learned when the table is configured to.
func (t *Table) Observe(addr net.Addr, conn protocol.Sender) (Peer, bool) {
	k := addrKey(addr)
	if k == "" {
		return Peer{}, false
	}
	t.mu.Lock()
	if id, ok := t.byAddr[k]; ok {
		e := t.byID[id]
		if conn != nil {
			e.Conn = conn
		}
		p := e.Peer
		t.mu.Unlock()
		return p, true
	}
	t.mu.Unlock()

	if !t.opts.Learn {
		return Peer{}, false
	}
	p := t.add(Peer{Addr: addr, Role: t.opts.LearnRole, Conn: conn, LastHeard: t.now()}, false)
	t.log.Infow("learned peer", "id", p.ID, "addr", addr.String(), "role", p.Role)
	return p, true
}

func (t *Table) PeerByAddr(addr net.Addr) (Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byAddr[addrKey(addr)]
	if !ok {
		return Peer{}, false
	}
	return t.byID[id].Peer, true
}

func (t *Table) PeerByID(id uuid.UUID) (Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byID[id]
	if !ok {
		return Peer{}, false
	}
	return e.Peer, true
}

func (t *Table) MarkHeard(id uuid.UUID, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.byID[id]; ok && at.After(e.LastHeard) {
		e.LastHeard = at
	}
}

// Rebind points an existing peer at a new address, e.g. when a client announces itself by
// id from a different port.
func (t *Table) Rebind(id uuid.UUID, addr net.Addr, conn protocol.Sender) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	if !ok || addr == nil {
		return false
	}
	delete(t.byAddr, addrKey(e.Addr))
	e.Addr = addr
	if conn != nil {
		e.Conn = conn
	}
	t.byAddr[addrKey(addr)] = id
	return true
}

func (t *Table) Broadcast(b []byte, roles ...Role) int {
	t.mu.RLock()
	targets := make([]Peer, 0, len(t.byID))
	for _, e := range t.byID {
		if e.Conn == nil || e.Addr == nil {
			continue
		}
		if len(roles) > 0 && !slices.Contains(roles, e.Role) {
			continue
		}
		targets = append(targets, e.Peer)
	}
	t.mu.RUnlock()

	sent := 0
	for _, p := range targets {
		if err := p.Conn.Send(p.Addr, b); err != nil {
			t.log.Debugw("broadcast send failed", "peer", p.ID, "addr", p.Addr.String(), "error", err)
			continue
		}
		sent++
	}
	return sent
}

func (t *Table) CheckIn(ctx context.Context) error {
	if t.opts.CheckIn == nil {
		return nil
	}
	return t.opts.CheckIn(ctx)
}

// PruneSilent drops learned peers not heard from within SilentTimeout and returns them.
func (t *Table) PruneSilent() []Peer {
	if t.opts.SilentTimeout <= 0 {
		return nil
	}
	cutoff := t.now().Add(-t.opts.SilentTimeout)
	t.mu.Lock()
	defer t.mu.Unlock()
	var pruned []Peer
	for id, e := range t.byID {
		if e.static || e.LastHeard.After(cutoff) {
			continue
		}
		delete(t.byAddr, addrKey(e.Addr))
		delete(t.byID, id)
		pruned = append(pruned, e.Peer)
	}
	return pruned
}

func (t *Table) Peers() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Peer, 0, len(t.byID))
	for _, e := range t.byID {
		out = append(out, e.Peer)
	}
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// HTTPCheckIn returns a check-in func that GETs url and treats any non-2xx answer as a miss.
func HTTPCheckIn(url string, client *http.Client) func(ctx context.Context) error {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return errors.Wrap(err, "check-in")
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return errors.Errorf("check-in: status %d", resp.StatusCode)
		}
		return nil
	}
}
