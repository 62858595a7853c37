// Package mailbox implements the durable, priority-ordered inter-client
// message queue (spec §3, C7): one persistent queue per recipient, with
// TTL expiry, a pending→delivered→processed state machine, reply
// threading, and broadcast fan-out. The sweeper background task is a
// ticker loop stopped by closing a stop channel, with a done channel that
// StopSweeper waits on.
package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/engramhq/engram/engram"
)

// MessageType enumerates the kinds of inter-client messages.
type MessageType string

const (
	TypeRequest   MessageType = "request"
	TypeReply     MessageType = "reply"
	TypeInfo      MessageType = "info"
	TypeBroadcast MessageType = "broadcast"
)

// Status is a message delivery's place in the pending→delivered→processed
// state machine (or pending|delivered→expired).
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusProcessed Status = "processed"
	StatusExpired   Status = "expired"
)

// BroadcastRecipient is the literal recipient id for a fan-out send.
const BroadcastRecipient = "*"

const (
	DefaultPriority = 2
	DefaultTTL      = time.Hour
	// DefaultSweepPeriod matches the teacher's 60s stale-agent prune cadence.
	DefaultSweepPeriod = 60 * time.Second
)

// Message is one recipient's delivery record for a logical message. A
// broadcast produces one Message per recipient sharing the same ID.
type Message struct {
	ID          string                 `json:"message_id"`
	SenderID    string                 `json:"sender_id"`
	RecipientID string                 `json:"recipient_id"`
	ThreadID    string                 `json:"thread_id,omitempty"`
	ParentID    string                 `json:"parent_id,omitempty"`
	Type        MessageType            `json:"message_type"`
	Priority    int                    `json:"priority"`
	Content     json.RawMessage        `json:"content"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Status      Status                 `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
	ExpiresAt   time.Time              `json:"expires_at"`
	DeliveredAt *time.Time             `json:"delivered_at,omitempty"`
}

// RecipientLister supplies the set of recipients eligible for broadcast
// fan-out. C8's client registry implements this.
type RecipientLister interface {
	KnownRecipients() []string
}

type staticRecipients []string

func (s staticRecipients) KnownRecipients() []string { return s }

// StaticRecipients wraps a fixed recipient list as a RecipientLister, for
// callers that don't have a live registry (e.g. tests).
func StaticRecipients(ids ...string) RecipientLister { return staticRecipients(ids) }

type recipientQueue struct {
	mu       sync.Mutex
	messages map[string]*Message
	dirty    bool
}

// Mailbox is the process-wide singleton message queue, shared across every
// client's memory service.
type Mailbox struct {
	dataDir    string
	recipients RecipientLister
	notifier   Notifier // optional pub/sub wake-up hint, see SetNotifier

	mu     sync.Mutex // guards queues and byMessageID
	queues map[string]*recipientQueue
	// byMessageID maps a message id to every recipient queue holding a
	// delivery record for it, so reply() can resolve parents without a
	// linear scan of every queue.
	byMessageID map[string][]string

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// Open constructs a mailbox backed by dataDir/messages/. Queues are loaded
// lazily on first access per recipient.
func Open(dataDir string, recipients RecipientLister) *Mailbox {
	return &Mailbox{
		dataDir:     dataDir,
		recipients:  recipients,
		queues:      make(map[string]*recipientQueue),
		byMessageID: make(map[string][]string),
	}
}

func (m *Mailbox) queuePath(recipient string) string {
	return filepath.Join(m.dataDir, "messages", recipient+".json")
}

type queueFile struct {
	Messages []*Message `json:"messages"`
}

func (m *Mailbox) getQueue(recipient string) (*recipientQueue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[recipient]; ok {
		return q, nil
	}

	q := &recipientQueue{messages: make(map[string]*Message)}
	data, err := os.ReadFile(m.queuePath(recipient))
	switch {
	case err == nil:
		var f queueFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, engram.Wrap(engram.KindInternal, "corrupt message queue file", err)
		}
		for _, msg := range f.Messages {
			q.messages[msg.ID] = msg
			m.byMessageID[msg.ID] = append(m.byMessageID[msg.ID], recipient)
		}
	case os.IsNotExist(err):
		// fresh queue
	default:
		return nil, engram.Wrap(engram.KindStorageUnavailable, "read message queue file", err)
	}

	m.queues[recipient] = q
	return q, nil
}

func (m *Mailbox) persistQueue(recipient string, q *recipientQueue) error {
	q.mu.Lock()
	if !q.dirty {
		q.mu.Unlock()
		return nil
	}
	msgs := make([]*Message, 0, len(q.messages))
	for _, msg := range q.messages {
		msgs = append(msgs, msg)
	}
	q.mu.Unlock()

	data, err := json.MarshalIndent(queueFile{Messages: msgs}, "", "  ")
	if err != nil {
		return engram.Wrap(engram.KindInternal, "marshal message queue", err)
	}
	if err := engram.AtomicWriteFile(m.queuePath(recipient), data, 0o600); err != nil {
		return engram.Wrap(engram.KindStorageUnavailable, "persist message queue", err)
	}

	q.mu.Lock()
	q.dirty = false
	q.mu.Unlock()
	return nil
}

// SendOptions configures an outgoing send.
type SendOptions struct {
	Priority int           // 1..5, default 2
	TTL      time.Duration // default 1h
	ThreadID string
	ParentID string
	Metadata map[string]interface{}
}

func (o SendOptions) normalize() (SendOptions, error) {
	if o.Priority == 0 {
		o.Priority = DefaultPriority
	}
	if o.Priority < 1 || o.Priority > 5 {
		return o, engram.NewError(engram.KindInvalidArgument, "priority must be in [1,5]")
	}
	if o.TTL == 0 {
		o.TTL = DefaultTTL
	}
	if o.TTL <= 0 {
		return o, engram.NewError(engram.KindInvalidArgument, "ttl must be positive")
	}
	return o, nil
}

func (m *Mailbox) isKnownRecipient(recipient string) bool {
	for _, r := range m.recipients.KnownRecipients() {
		if r == recipient {
			return true
		}
	}
	return false
}

// Send enqueues content for recipient (or fans it out to every known
// recipient when recipient is BroadcastRecipient).
func (m *Mailbox) Send(ctx context.Context, sender, recipient string, msgType MessageType, content json.RawMessage, opts SendOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", engram.Wrap(engram.KindDeadlineExceeded, "send", err)
	}
	opts, err := opts.normalize()
	if err != nil {
		return "", err
	}

	id := engram.NewID()
	now := time.Now().UTC()
	expiresAt := now.Add(opts.TTL)

	recipients := []string{recipient}
	if recipient == BroadcastRecipient {
		recipients = m.recipients.KnownRecipients()
	} else if !m.isKnownRecipient(recipient) {
		return "", engram.NewError(engram.KindUnknownRecipient, fmt.Sprintf("unknown recipient %q", recipient))
	}

	for _, r := range recipients {
		msg := &Message{
			ID: id, SenderID: sender, RecipientID: r, ThreadID: opts.ThreadID,
			ParentID: opts.ParentID, Type: msgType, Priority: opts.Priority,
			Content: content, Metadata: opts.Metadata, Status: StatusPending,
			CreatedAt: now, ExpiresAt: expiresAt,
		}
		q, err := m.getQueue(r)
		if err != nil {
			return "", err
		}
		q.mu.Lock()
		q.messages[id] = msg
		q.dirty = true
		q.mu.Unlock()

		m.mu.Lock()
		m.byMessageID[id] = append(m.byMessageID[id], r)
		m.mu.Unlock()

		if err := m.persistQueue(r, q); err != nil {
			return "", err
		}
		if m.notifier != nil {
			m.notifier.Notify(ctx, r)
		}
	}
	return id, nil
}

// ReceiveOptions filters and paginates Receive.
type ReceiveOptions struct {
	IncludeProcessed  bool
	SkipMarkDelivered bool // spec default is mark_as_delivered=true; set this to opt out
	Since             *time.Time
	Limit             int
}

func (q *recipientQueue) expireDueLocked(now time.Time) {
	for _, msg := range q.messages {
		if (msg.Status == StatusPending || msg.Status == StatusDelivered) && !now.Before(msg.ExpiresAt) {
			msg.Status = StatusExpired
		}
	}
}

// Receive returns a recipient's visible messages ordered by descending
// priority, then ascending created_at, then message_id. Pending results are
// marked delivered unless SkipMarkDelivered is set.
func (m *Mailbox) Receive(recipient string, opts ReceiveOptions) ([]Message, error) {
	q, err := m.getQueue(recipient)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	q.mu.Lock()
	q.expireDueLocked(now)

	var visible []*Message
	for _, msg := range q.messages {
		if msg.Status == StatusExpired {
			continue
		}
		if msg.Status == StatusProcessed && !opts.IncludeProcessed {
			continue
		}
		if opts.Since != nil && msg.CreatedAt.Before(*opts.Since) {
			continue
		}
		visible = append(visible, msg)
	}

	sort.SliceStable(visible, func(i, j int) bool {
		if visible[i].Priority != visible[j].Priority {
			return visible[i].Priority > visible[j].Priority
		}
		if !visible[i].CreatedAt.Equal(visible[j].CreatedAt) {
			return visible[i].CreatedAt.Before(visible[j].CreatedAt)
		}
		return visible[i].ID < visible[j].ID
	})

	if opts.Limit > 0 && opts.Limit < len(visible) {
		visible = visible[:opts.Limit]
	}

	markDelivered := !opts.SkipMarkDelivered
	out := make([]Message, 0, len(visible))
	for _, msg := range visible {
		if markDelivered && msg.Status == StatusPending {
			msg.Status = StatusDelivered
			deliveredAt := now
			msg.DeliveredAt = &deliveredAt
			q.dirty = true
		}
		out = append(out, *msg)
	}
	q.mu.Unlock()

	if q.dirty {
		if err := m.persistQueue(recipient, q); err != nil {
			return out, err
		}
	}
	return out, nil
}

// Ack moves a delivered message to processed. It is idempotent against an
// already-processed message.
func (m *Mailbox) Ack(recipient, messageID string) error {
	q, err := m.getQueue(recipient)
	if err != nil {
		return err
	}
	q.mu.Lock()
	msg, ok := q.messages[messageID]
	if !ok {
		q.mu.Unlock()
		return engram.NewError(engram.KindNotFound, "no such message")
	}
	switch msg.Status {
	case StatusProcessed:
		q.mu.Unlock()
		return nil
	case StatusDelivered:
		msg.Status = StatusProcessed
		q.dirty = true
		q.mu.Unlock()
		return m.persistQueue(recipient, q)
	default:
		q.mu.Unlock()
		return engram.NewError(engram.KindInvalidArgument, "message is not in delivered state")
	}
}

// findParent locates a non-expired message by id across every queue that
// holds a delivery record for it.
func (m *Mailbox) findParent(parentID string) (*Message, error) {
	m.mu.Lock()
	recipients := append([]string(nil), m.byMessageID[parentID]...)
	m.mu.Unlock()

	for _, r := range recipients {
		q, err := m.getQueue(r)
		if err != nil {
			continue
		}
		q.mu.Lock()
		msg, ok := q.messages[parentID]
		if ok && msg.Status != StatusExpired {
			cp := *msg
			q.mu.Unlock()
			return &cp, nil
		}
		q.mu.Unlock()
	}
	return nil, engram.NewError(engram.KindNoSuchParent, fmt.Sprintf("no visible message %q", parentID))
}

// Reply sends content back to a parent message's sender, inheriting its
// thread (or starting one from the parent's id if it had none).
func (m *Mailbox) Reply(ctx context.Context, parentID, sender string, content json.RawMessage, metadata map[string]interface{}) (string, error) {
	parent, err := m.findParent(parentID)
	if err != nil {
		return "", err
	}
	threadID := parent.ThreadID
	if threadID == "" {
		threadID = parent.ID
	}
	return m.Send(ctx, sender, parent.SenderID, TypeReply, content, SendOptions{
		ThreadID: threadID, ParentID: parent.ID, Metadata: metadata,
	})
}

// Broadcast fans content out to every currently known recipient under one
// shared message id.
func (m *Mailbox) Broadcast(ctx context.Context, sender string, content json.RawMessage, priority int, ttl time.Duration) (string, error) {
	return m.Send(ctx, sender, BroadcastRecipient, TypeBroadcast, content, SendOptions{Priority: priority, TTL: ttl})
}

// ListThread returns every message sharing threadID across every recipient
// queue, ordered by created_at ascending.
func (m *Mailbox) ListThread(threadID string) []Message {
	m.mu.Lock()
	recipients := make([]string, 0, len(m.queues))
	for r := range m.queues {
		recipients = append(recipients, r)
	}
	m.mu.Unlock()

	seen := make(map[string]bool)
	var out []Message
	for _, r := range recipients {
		q, err := m.getQueue(r)
		if err != nil {
			continue
		}
		q.mu.Lock()
		for _, msg := range q.messages {
			if msg.ThreadID != threadID && msg.ID != threadID {
				continue
			}
			if seen[msg.ID] {
				continue
			}
			seen[msg.ID] = true
			out = append(out, *msg)
		}
		q.mu.Unlock()
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Cleanup scans every loaded queue for due expiries and returns the total
// count transitioned to expired.
func (m *Mailbox) Cleanup() int {
	m.mu.Lock()
	recipients := make([]string, 0, len(m.queues))
	for r := range m.queues {
		recipients = append(recipients, r)
	}
	m.mu.Unlock()

	now := time.Now().UTC()
	count := 0
	for _, r := range recipients {
		q, err := m.getQueue(r)
		if err != nil {
			continue
		}
		q.mu.Lock()
		before := 0
		for _, msg := range q.messages {
			if msg.Status == StatusExpired {
				before++
			}
		}
		q.expireDueLocked(now)
		after := 0
		for _, msg := range q.messages {
			if msg.Status == StatusExpired {
				after++
			}
		}
		if after > before {
			q.dirty = true
			count += after - before
		}
		q.mu.Unlock()
		_ = m.persistQueue(r, q)
	}
	return count
}

// Stats aggregates delivery counts across every loaded queue.
type Stats struct {
	Total                int
	Pending              int
	Delivered            int
	Processed            int
	Expired              int
	PriorityDistribution map[int]int
}

// Stats returns aggregate counts across every loaded recipient queue.
func (m *Mailbox) Stats() Stats {
	m.mu.Lock()
	recipients := make([]string, 0, len(m.queues))
	for r := range m.queues {
		recipients = append(recipients, r)
	}
	m.mu.Unlock()

	stats := Stats{PriorityDistribution: make(map[int]int)}
	for _, r := range recipients {
		q, err := m.getQueue(r)
		if err != nil {
			continue
		}
		q.mu.Lock()
		for _, msg := range q.messages {
			stats.Total++
			stats.PriorityDistribution[msg.Priority]++
			switch msg.Status {
			case StatusPending:
				stats.Pending++
			case StatusDelivered:
				stats.Delivered++
			case StatusProcessed:
				stats.Processed++
			case StatusExpired:
				stats.Expired++
			}
		}
		q.mu.Unlock()
	}
	return stats
}

// QueueDepths reports the pending+delivered message count of every loaded
// recipient queue, for the per-recipient mailbox queue-depth gauge.
func (m *Mailbox) QueueDepths() map[string]int64 {
	m.mu.Lock()
	recipients := make([]string, 0, len(m.queues))
	for r := range m.queues {
		recipients = append(recipients, r)
	}
	m.mu.Unlock()

	depths := make(map[string]int64, len(recipients))
	for _, r := range recipients {
		q, err := m.getQueue(r)
		if err != nil {
			continue
		}
		q.mu.Lock()
		var depth int64
		for _, msg := range q.messages {
			if msg.Status == StatusPending || msg.Status == StatusDelivered {
				depth++
			}
		}
		q.mu.Unlock()
		if depth > 0 {
			depths[r] = depth
		}
	}
	return depths
}

// StartSweeper launches the background expiry sweeper with the given
// period (DefaultSweepPeriod if zero). Stop it with StopSweeper.
func (m *Mailbox) StartSweeper(period time.Duration) {
	if period <= 0 {
		period = DefaultSweepPeriod
	}
	m.stopSweep = make(chan struct{})
	m.sweepDone = make(chan struct{})
	go m.sweepLoop(period)
}

func (m *Mailbox) sweepLoop(period time.Duration) {
	defer close(m.sweepDone)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Cleanup()
		case <-m.stopSweep:
			return
		}
	}
}

// StopSweeper stops the background sweeper started by StartSweeper.
func (m *Mailbox) StopSweeper() {
	if m.stopSweep == nil {
		return
	}
	close(m.stopSweep)
	<-m.sweepDone
}
