// Package clientregistry lazily constructs and caches one memoryservice.Service
// per client id (spec §3, C8), evicting idle clients in the background. The
// construct-once-under-lock and ticker-driven reaper shapes are grounded on
// the teacher's adapter/registry.AgentRegistry: a context.CancelFunc plus a
// done channel gates the background loop's lifecycle.
package clientregistry

import (
	"context"
	"log"
	"log/slog"
	"sync"
	"time"

	"github.com/engramhq/engram/embedding"
	"github.com/engramhq/engram/engram"
	"github.com/engramhq/engram/mailbox"
	"github.com/engramhq/engram/memoryservice"
	"github.com/engramhq/engram/observability"
)

const (
	// DefaultIdleTTL is how long a client's service may sit unused before the
	// reaper evicts it.
	DefaultIdleTTL = time.Hour
	// DefaultReapPeriod is how often the reaper checks for idle clients.
	DefaultReapPeriod = 5 * time.Minute
)

type entry struct {
	mu         sync.Mutex
	svc        *memoryservice.Service
	lastAccess time.Time
}

// Options configures a Registry and is forwarded to memoryservice.New for
// every client it constructs.
type Options struct {
	DataDir     string
	Embedder    embedding.Provider
	UseFallback bool
	SessionSize int
	IdleTTL     time.Duration
	ReapPeriod  time.Duration

	// Logger, if set, is scoped per client (observability.ClientLogger) and
	// used to log service construction and eviction. Defaults to
	// observability.GetLoggerWithTrace() when nil.
	Logger *slog.Logger
	// AuditLogger, if set, receives a ClientEvicted event every time the
	// idle reaper closes a client's service.
	AuditLogger *observability.AuditLogger
}

// Registry is the process-wide cache of per-client memory services. It
// implements mailbox.RecipientLister so the mailbox can fan broadcasts out
// to every currently known client.
type Registry struct {
	opts Options

	mu      sync.Mutex
	clients map[string]*entry

	reapCancel context.CancelFunc
	reapDone   chan struct{}
}

// New constructs a registry. Clients are created lazily on first Get.
func New(opts Options) *Registry {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultIdleTTL
	}
	if opts.ReapPeriod <= 0 {
		opts.ReapPeriod = DefaultReapPeriod
	}
	return &Registry{opts: opts, clients: make(map[string]*entry)}
}

// Start launches the background idle reaper.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reapCancel != nil {
		return
	}
	reapCtx, cancel := context.WithCancel(ctx)
	r.reapCancel = cancel
	r.reapDone = make(chan struct{})
	go r.reapLoop(reapCtx)
}

// Stop halts the reaper and closes every cached client's service.
func (r *Registry) Stop() {
	r.mu.Lock()
	if r.reapCancel != nil {
		r.reapCancel()
		<-r.reapDone
		r.reapCancel = nil
	}
	clients := r.clients
	r.clients = make(map[string]*entry)
	r.mu.Unlock()

	for id, e := range clients {
		e.mu.Lock()
		if err := e.svc.Close(); err != nil {
			log.Printf("clientregistry: close %s: %v", id, err)
		}
		e.mu.Unlock()
	}
}

// entryFor returns the cache slot for clientID, creating an empty one under
// the registry lock if absent. Construction of the underlying service itself
// happens outside this lock (in Get), so one client's slow construction
// never blocks lookups for other clients.
func (r *Registry) entryFor(clientID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[clientID]
	if !ok {
		e = &entry{}
		r.clients[clientID] = e
	}
	return e
}

// Get returns clientID's memory service, constructing it on first access.
// Concurrent Get calls for the same client id serialize on that client's own
// entry lock, so construction happens at most once (single-flight).
func (r *Registry) Get(clientID string) (*memoryservice.Service, error) {
	if clientID == "" {
		return nil, engram.NewError(engram.KindInvalidArgument, "client id must not be empty")
	}
	e := r.entryFor(clientID)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.svc == nil {
		svc, err := memoryservice.New(r.opts.DataDir, clientID, memoryservice.Options{
			Embedder:    r.opts.Embedder,
			UseFallback: r.opts.UseFallback,
			SessionSize: r.opts.SessionSize,
		})
		if err != nil {
			return nil, err
		}
		e.svc = svc
		observability.ClientLogger(r.opts.Logger, clientID).Info("client service constructed")
	}
	e.lastAccess = time.Now().UTC()
	return e.svc, nil
}

// List returns every currently cached client id.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	return ids
}

// KnownRecipients satisfies mailbox.RecipientLister.
func (r *Registry) KnownRecipients() []string { return r.List() }

// ReapIdle synchronously evicts and closes every client whose service has
// not been accessed within the registry's idle TTL, returning the count
// evicted. The background reaper calls the same logic on a timer; this
// entry point exists for callers (and tests) that want to trigger it
// on demand.
func (r *Registry) ReapIdle() int {
	return r.reapIdleAndClose()
}

func (r *Registry) reapLoop(ctx context.Context) {
	defer close(r.reapDone)
	ticker := time.NewTicker(r.opts.ReapPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.reapIdleAndClose(); n > 0 {
				log.Printf("clientregistry: reaped %d idle client(s)", n)
			}
		}
	}
}

// reapIdleAndClose finds idle clients, removes them from the cache, and
// closes their services outside the registry lock.
func (r *Registry) reapIdleAndClose() int {
	now := time.Now().UTC()

	r.mu.Lock()
	toClose := make(map[string]*entry)
	idleFor := make(map[string]time.Duration)
	for id, e := range r.clients {
		e.mu.Lock()
		idle := e.svc != nil && now.Sub(e.lastAccess) > r.opts.IdleTTL
		if idle {
			idleFor[id] = now.Sub(e.lastAccess)
		}
		e.mu.Unlock()
		if idle {
			toClose[id] = e
			delete(r.clients, id)
		}
	}
	r.mu.Unlock()

	for id, e := range toClose {
		e.mu.Lock()
		if err := e.svc.Close(); err != nil {
			log.Printf("clientregistry: close idle client %s: %v", id, err)
		}
		e.mu.Unlock()
		observability.ClientLogger(r.opts.Logger, id).Info("client service evicted", "idle", idleFor[id])
		if r.opts.AuditLogger != nil {
			r.opts.AuditLogger.LogClientEvicted(id, idleFor[id])
		}
	}
	return len(toClose)
}

// NamespaceRecordCounts reports the current record count of every namespace
// across every currently cached client, for the namespace-records gauge.
// Only clients already constructed are counted; it never itself constructs
// a client.
func (r *Registry) NamespaceRecordCounts() map[observability.NamespaceKey]int64 {
	r.mu.Lock()
	entries := make(map[string]*entry, len(r.clients))
	for id, e := range r.clients {
		entries[id] = e
	}
	r.mu.Unlock()

	out := make(map[observability.NamespaceKey]int64)
	for clientID, e := range entries {
		e.mu.Lock()
		svc := e.svc
		e.mu.Unlock()
		if svc == nil {
			continue
		}
		for ns, count := range svc.NamespaceRecordCounts() {
			out[observability.NamespaceKey{ClientID: clientID, Namespace: ns}] = count
		}
	}
	return out
}

// Mailbox returns a mailbox bound to this registry's client set, so
// broadcasts fan out to every client the registry currently knows about.
func Mailbox(dataDir string, r *Registry) *mailbox.Mailbox {
	return mailbox.Open(dataDir, r)
}
