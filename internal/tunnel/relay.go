// Package tunnel is the live relay between a developer's local build
// server and their devices. Build servers long-poll for file requests
// and push change events; devices long-poll for those events and fetch
// file content through an invalidation-aware disk cache. All state is
// process-local, keyed by (username, app slug).
package tunnel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultPollTimeout bounds every long-poll park.
	DefaultPollTimeout = 25 * time.Second
	// DefaultContentTimeout bounds the wait for build-server content
	// after a file request is enqueued.
	DefaultContentTimeout = 10 * time.Second
	// DefaultIdleWindow is how long a mailbox can go unseen before its
	// disk cache is considered stale and wiped.
	DefaultIdleWindow = 80 * time.Second
	// DefaultBacklogCap bounds the per-mailbox event backlog.
	DefaultBacklogCap = 10

	requestQueueCap = 1024
)

// Key identifies one mailbox.
type Key struct {
	Username string
	AppSlug  string
}

// FileRequest asks the build server for a file or a directory listing.
// Exactly one of Path and Dir is set; Dir may legitimately be empty
// (listing of the root), so it is a pointer.
type FileRequest struct {
	Path string  `json:"path,omitempty"`
	Dir  *string `json:"dir,omitempty"`
	UUID string  `json:"uuid"`
}

// Event is one change notification. ID doubles as the catch-up cursor.
type Event struct {
	ID      string          `json:"id"`
	Message json.RawMessage `json:"message"`
}

type mailbox struct {
	requests chan FileRequest
	backlog  []Event
	waiters  []chan Event
	lastSeen time.Time
}

type RelayConfig struct {
	PollTimeout    time.Duration
	ContentTimeout time.Duration
	IdleWindow     time.Duration
	BacklogCap     int
}

// Relay owns every mailbox and rendezvous slot. All mutation happens
// under one mutex; waiter registration and backlog inspection share a
// single acquisition so a broadcast can never slot between them.
type Relay struct {
	cfg RelayConfig
	now func() time.Time

	mu        sync.Mutex
	mailboxes map[Key]*mailbox
	slots     map[string]chan []byte
}

func NewRelay(cfg RelayConfig) *Relay {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.ContentTimeout <= 0 {
		cfg.ContentTimeout = DefaultContentTimeout
	}
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = DefaultIdleWindow
	}
	if cfg.BacklogCap <= 0 {
		cfg.BacklogCap = DefaultBacklogCap
	}
	return &Relay{
		cfg:       cfg,
		now:       time.Now,
		mailboxes: map[Key]*mailbox{},
		slots:     map[string]chan []byte{},
	}
}

func (r *Relay) mailboxLocked(key Key) *mailbox {
	mb, ok := r.mailboxes[key]
	if !ok {
		mb = &mailbox{
			requests: make(chan FileRequest, requestQueueCap),
			lastSeen: r.now(),
		}
		r.mailboxes[key] = mb
	}
	return mb
}

// Seen marks a mailbox as active and reports whether it had gone unseen
// past the idle window. A mailbox seen for the first time is fresh.
func (r *Relay) Seen(key Key) (stale bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	mb, ok := r.mailboxes[key]
	if !ok {
		mb = r.mailboxLocked(key)
		mb.lastSeen = now
		return false
	}
	stale = now.Sub(mb.lastSeen) > r.cfg.IdleWindow
	mb.lastSeen = now
	return stale
}

// EnqueueRequest hands a file request to the mailbox's build server.
// Returns the correlation id the content will arrive under.
func (r *Relay) EnqueueRequest(key Key, req FileRequest) string {
	if req.UUID == "" {
		req.UUID = uuid.NewString()
	}
	r.mu.Lock()
	mb := r.mailboxLocked(key)
	r.mu.Unlock()
	select {
	case mb.requests <- req:
	default:
		// Queue full means the build server is gone; the consumer's
		// bounded wait will expire on its own.
	}
	return req.UUID
}

// DrainRequests empties the queued requests without blocking.
func (r *Relay) DrainRequests(key Key) []FileRequest {
	r.mu.Lock()
	mb := r.mailboxLocked(key)
	r.mu.Unlock()

	var files []FileRequest
	for {
		select {
		case req := <-mb.requests:
			files = append(files, req)
		default:
			return files
		}
	}
}

// WaitRequest blocks up to the poll timeout for one queued request.
func (r *Relay) WaitRequest(ctx context.Context, key Key) (FileRequest, bool) {
	r.mu.Lock()
	mb := r.mailboxLocked(key)
	r.mu.Unlock()

	timer := time.NewTimer(r.cfg.PollTimeout)
	defer timer.Stop()
	select {
	case req := <-mb.requests:
		return req, true
	case <-timer.C:
		return FileRequest{}, false
	case <-ctx.Done():
		return FileRequest{}, false
	}
}

// openSlot registers a rendezvous slot for a correlation id. The slot
// must be open before the request is enqueued, so a fast producer
// cannot deliver into nothing.
func (r *Relay) openSlot(id string) chan []byte {
	ch := make(chan []byte, 1)
	r.mu.Lock()
	r.slots[id] = ch
	r.mu.Unlock()
	return ch
}

func (r *Relay) closeSlot(id string) {
	r.mu.Lock()
	delete(r.slots, id)
	r.mu.Unlock()
}

// Deliver hands content to the consumer waiting on a correlation id,
// at most once per id. Content with no waiting consumer is dropped.
func (r *Relay) Deliver(id string, content []byte) bool {
	r.mu.Lock()
	ch, ok := r.slots[id]
	delete(r.slots, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- content
	return true
}

// WaitContent opens a slot, enqueues the request, and waits up to the
// content timeout for the build server's answer.
func (r *Relay) WaitContent(ctx context.Context, key Key, req FileRequest) ([]byte, bool) {
	if req.UUID == "" {
		req.UUID = uuid.NewString()
	}
	ch := r.openSlot(req.UUID)
	defer r.closeSlot(req.UUID)
	r.EnqueueRequest(key, req)

	timer := time.NewTimer(r.cfg.ContentTimeout)
	defer timer.Stop()
	select {
	case content := <-ch:
		return content, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// Publish appends an event to the mailbox backlog, evicting the oldest
// entry past capacity, and wakes every parked waiter exactly once. The
// waiter set is cleared; woken waiters must re-subscribe.
func (r *Relay) Publish(key Key, message json.RawMessage) Event {
	event := Event{ID: uuid.NewString(), Message: message}

	r.mu.Lock()
	mb := r.mailboxLocked(key)
	mb.backlog = append(mb.backlog, event)
	if len(mb.backlog) > r.cfg.BacklogCap {
		mb.backlog = append([]Event(nil), mb.backlog[len(mb.backlog)-r.cfg.BacklogCap:]...)
	}
	waiters := mb.waiters
	mb.waiters = nil
	r.mu.Unlock()

	for _, waiter := range waiters {
		select {
		case waiter <- event:
		default:
		}
	}
	return event
}

// Backlog returns a copy of the current backlog, oldest first.
func (r *Relay) Backlog(key Key) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	mb, ok := r.mailboxes[key]
	if !ok {
		return nil
	}
	return append([]Event(nil), mb.backlog...)
}

// Poll returns backlog entries strictly after the cursor if any exist;
// otherwise it parks until an event arrives or the timeout expires.
// Registration and the backlog check happen under one lock acquisition.
func (r *Relay) Poll(ctx context.Context, key Key, cursor string) []Event {
	r.mu.Lock()
	mb := r.mailboxLocked(key)
	if cursor != "" {
		seen := false
		var after []Event
		for _, event := range mb.backlog {
			if seen {
				after = append(after, event)
			} else if event.ID == cursor {
				seen = true
			}
		}
		if len(after) > 0 {
			r.mu.Unlock()
			return after
		}
	}
	waiter := make(chan Event, 1)
	mb.waiters = append(mb.waiters, waiter)
	r.mu.Unlock()

	timer := time.NewTimer(r.cfg.PollTimeout)
	defer timer.Stop()
	select {
	case event := <-waiter:
		return []Event{event}
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}
