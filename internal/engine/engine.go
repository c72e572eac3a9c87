// Package engine implements the conversation and message synchronization
// engine: it merges optimistic local sends with store-pushed events, keeps
// per-conversation ordering and unread state consistent, and owns the active
// conversation cursor.
//
// All engine state is owned by a single goroutine. User intents and store
// events are delivered to that goroutine as commands and processed one at a
// time in arrival order, so the message store and conversation index never
// see interleaved partial updates.
package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatsync/internal/chat"
	"chatsync/internal/convindex"
	"chatsync/internal/identity"
	"chatsync/internal/msgstore"
	"chatsync/internal/normalize"
	"chatsync/internal/ratelimit"
	"chatsync/internal/store"
)

const (
	defaultSubmitTimeout = 10 * time.Second
	defaultPageSize      = 50
	localIDPrefix        = "local-"
)

// Options tune an Engine. The zero value is usable.
type Options struct {
	// SubmitTimeout bounds how long a store submission may stay
	// unacknowledged before the message transitions to Failed.
	SubmitTimeout time.Duration
	// PageSize is the history fetch page size.
	PageSize int
	// Limits paces submissions per conversation. The engine creates its
	// own store when nil.
	Limits *ratelimit.Store
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Clock defaults to time.Now. Tests inject their own.
	Clock func() time.Time
}

// conversationLister is implemented by stores that can enumerate a user's
// existing conversations; the engine seeds its index from it at startup.
type conversationLister interface {
	Conversations(ctx context.Context, userID string) ([]store.Conversation, error)
}

// Engine is the sync controller. Construct with New, then Start, then issue
// intents; Close stops the processing loop and all subscriptions.
type Engine struct {
	store         store.Store
	user          identity.User
	log           *slog.Logger
	clock         func() time.Time
	submitTimeout time.Duration
	pageSize      int
	limits        *ratelimit.Store
	ownLimits     bool

	cmds chan func()
	quit chan struct{}
	done chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup

	// state below is owned by the engine goroutine
	msgs       *msgstore.Store
	convs      *convindex.Index
	lastReadAt map[string]time.Time
	resident   map[string]bool // conversation history fetched
	pumps      map[string]bool // message subscription pumps running
	active     string
	fetchGen   uint64

	// pendingSubmits queues submissions issued against a conversation that
	// the store has not confirmed yet, keyed by provisional id.
	pendingSubmits map[string][]submission
	// creating tracks provisional ids with a store confirmation in flight.
	creating map[string]bool

	listeners      map[int64]func(Snapshot)
	nextListenerID int64
}

type submission struct {
	nonce string
	body  string
}

// New builds an engine for the provider's current user. It fails with
// ErrNoUser when nobody is signed in.
func New(st store.Store, provider identity.Provider, opts Options) (*Engine, error) {
	user, ok := provider.CurrentUser()
	if !ok {
		return nil, ErrNoUser
	}

	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = defaultSubmitTimeout
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	ownLimits := false
	if opts.Limits == nil {
		opts.Limits = ratelimit.NewSubmissionStore()
		ownLimits = true
	}

	return &Engine{
		store:          st,
		user:           user,
		log:            opts.Logger,
		clock:          opts.Clock,
		submitTimeout:  opts.SubmitTimeout,
		pageSize:       opts.PageSize,
		limits:         opts.Limits,
		ownLimits:      ownLimits,
		cmds:           make(chan func(), 64),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
		msgs:           msgstore.New(),
		convs:          convindex.New(),
		lastReadAt:     make(map[string]time.Time),
		resident:       make(map[string]bool),
		pumps:          make(map[string]bool),
		pendingSubmits: make(map[string][]submission),
		creating:       make(map[string]bool),
		listeners:      make(map[int64]func(Snapshot)),
	}, nil
}

// Start seeds the conversation index, starts the processing loop and
// subscribes to the store.
func (e *Engine) Start(ctx context.Context) error {
	e.runCtx, e.runCancel = context.WithCancel(ctx)

	// Seed before the loop runs; state access is still single-threaded here.
	if lister, ok := e.store.(conversationLister); ok {
		convs, err := lister.Conversations(e.runCtx, e.user.ID)
		if err != nil {
			e.log.Warn("conversation seed failed; continuing on push events only", "err", err)
		}
		now := e.clock()
		for _, c := range convs {
			cc, ok := e.toConversation(c)
			if !ok {
				continue
			}
			e.convs.Upsert(cc)
			// Read-state persistence is out of scope: pre-existing
			// history starts as read.
			e.lastReadAt[cc.ID] = now
		}
	}

	// Capture the seeded ids while state access is still single-threaded;
	// once the goroutines below run, only the loop may touch the index.
	seeded := make([]string, 0, e.convs.Len())
	for _, c := range e.convs.List() {
		seeded = append(seeded, c.ID)
	}

	go e.loop()
	e.wg.Add(1)
	go e.pumpConversations()

	// Message pumps for seeded conversations.
	for _, id := range seeded {
		id := id
		e.post(func() { e.ensurePump(id) })
	}
	return nil
}

// Close stops the engine. Outstanding submissions are abandoned; their
// messages stay Pending in the final snapshot.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		started := e.runCancel != nil
		if started {
			e.runCancel()
		}
		close(e.quit)
		if started {
			// The loop finishes its in-flight command before exiting, so
			// waiting here keeps wg additions ordered before the Wait.
			<-e.done
		}
		if e.ownLimits {
			e.limits.Stop()
		}
	})
	e.wg.Wait()
}

func (e *Engine) loop() {
	defer close(e.done)
	for {
		select {
		case cmd := <-e.cmds:
			cmd()
		case <-e.quit:
			return
		}
	}
}

// call runs fn on the engine goroutine and waits for it.
func (e *Engine) call(fn func()) error {
	ran := make(chan struct{})
	select {
	case e.cmds <- func() { fn(); close(ran) }:
	case <-e.quit:
		return ErrNotRunning
	}
	select {
	case <-ran:
		return nil
	case <-e.done:
		return ErrNotRunning
	}
}

// post delivers fn to the engine goroutine without waiting. Used by
// completion callbacks and event pumps.
func (e *Engine) post(fn func()) {
	select {
	case e.cmds <- fn:
	case <-e.quit:
	}
}

// OpenConversation sets the active cursor, resets the unread count, advances
// the read watermark and fetches history if it is not resident. Idempotent
// when the conversation is already active.
func (e *Engine) OpenConversation(conversationID string) (Snapshot, error) {
	var snap Snapshot
	var opErr error
	err := e.call(func() {
		if _, ok := e.convs.Get(conversationID); !ok {
			opErr = ErrUnknownConversation
			return
		}
		if e.active != conversationID {
			e.active = conversationID
			// Invalidate any in-flight history fetch for the previous
			// conversation.
			e.fetchGen++
		}
		e.lastReadAt[conversationID] = e.clock()
		e.convs.ResetUnread(conversationID)
		if !e.resident[conversationID] {
			e.fetchHistory(conversationID, e.fetchGen)
		}
		e.emit()
		snap = e.buildSnapshot()
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, opErr
}

// SelectOrCreateConversation returns the existing 1:1 conversation with the
// counterpart, or registers a new one under a provisional id that is rebound
// once the store confirms.
func (e *Engine) SelectOrCreateConversation(counterpart identity.User) (string, error) {
	if counterpart.ID == "" || counterpart.ID == e.user.ID {
		return "", ErrInvalidCounterpart
	}

	var convID string
	err := e.call(func() {
		if c, ok := e.convs.FindByCounterpart(counterpart.ID); ok {
			convID = c.ID
			return
		}

		now := e.clock()
		convID = localIDPrefix + uuid.NewString()
		name := counterpart.DisplayName
		if name == "" {
			name = counterpart.ID
		}
		e.convs.Upsert(chat.Conversation{
			ID:                convID,
			CounterpartID:     counterpart.ID,
			CounterpartName:   name,
			CounterpartAvatar: counterpart.AvatarRef,
			UpdatedAt:         now,
		})
		e.lastReadAt[convID] = now
		// A fresh conversation has no history to fetch.
		e.resident[convID] = true
		e.createConversation(convID, counterpart.ID)
		e.emit()
	})
	if err != nil {
		return "", err
	}
	return convID, nil
}

// SendMessage validates the body, appends a Pending message optimistically
// and submits it to the store without blocking the caller.
func (e *Engine) SendMessage(conversationID, body string) (string, error) {
	body = normalize.Body(body)
	if body == "" {
		return "", ErrEmptyBody
	}

	var msgID string
	var opErr error
	err := e.call(func() {
		if _, ok := e.convs.Get(conversationID); !ok {
			opErr = ErrUnknownConversation
			return
		}

		nonce := uuid.NewString()
		now := e.clock()
		m := chat.Message{
			ID:             localIDPrefix + nonce,
			ConversationID: conversationID,
			SenderID:       e.user.ID,
			Body:           body,
			CreatedAt:      now,
			DeliveryState:  chat.Pending,
			ClientNonce:    nonce,
		}
		e.msgs.Append(m)
		e.convs.Touch(conversationID, chat.Summary{Body: m.Body, SenderID: m.SenderID, CreatedAt: now}, now)
		msgID = m.ID
		e.submit(conversationID, nonce, body)
		e.emit()
	})
	if err != nil {
		return "", err
	}
	return msgID, opErr
}

// RetryFailedMessage resubmits a Failed message with its original nonce. The
// store treats the nonce as idempotency key, so a retry can never duplicate
// the message.
func (e *Engine) RetryFailedMessage(conversationID, messageID string) error {
	var opErr error
	err := e.call(func() {
		m, ok := e.msgs.Get(conversationID, messageID)
		if !ok {
			opErr = ErrUnknownMessage
			return
		}
		if m.DeliveryState != chat.Failed {
			opErr = ErrNotFailed
			return
		}
		metricSendRetries.Inc()
		e.msgs.MarkDeliveryState(conversationID, messageID, chat.Pending)
		e.submit(conversationID, m.ClientNonce, m.Body)
		e.emit()
	})
	if err != nil {
		return err
	}
	return opErr
}

// SearchConversations returns conversation summaries whose counterpart
// display name contains the query, case-insensitively. An empty query
// returns the full index in updatedAt-desc order. Side-effect free.
func (e *Engine) SearchConversations(query string) ([]chat.Conversation, error) {
	q := normalize.Query(query)

	var out []chat.Conversation
	err := e.call(func() {
		all := e.convs.List()
		if q == "" {
			out = all
			return
		}
		out = make([]chat.Conversation, 0, len(all))
		for _, c := range all {
			if strings.Contains(normalize.Query(c.CounterpartName), q) {
				out = append(out, c)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Snapshot returns the current engine projection.
func (e *Engine) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := e.call(func() { snap = e.buildSnapshot() })
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Subscribe registers a listener invoked with a fresh snapshot on every state
// change. The returned cancel func unregisters it.
func (e *Engine) Subscribe(fn func(Snapshot)) (func(), error) {
	var id int64
	err := e.call(func() {
		e.nextListenerID++
		id = e.nextListenerID
		e.listeners[id] = fn
	})
	if err != nil {
		return nil, err
	}
	return func() {
		_ = e.call(func() { delete(e.listeners, id) })
	}, nil
}

// submit launches the asynchronous store submission for a Pending message.
// Runs on the engine goroutine.
func (e *Engine) submit(conversationID, nonce, body string) {
	if isProvisionalID(conversationID) {
		// The store has not confirmed this conversation yet; hold the
		// submission until it has an id the store accepts, and make sure a
		// confirmation attempt is in flight so the queue cannot stall.
		e.pendingSubmits[conversationID] = append(e.pendingSubmits[conversationID], submission{nonce: nonce, body: body})
		if c, ok := e.convs.Get(conversationID); ok {
			e.createConversation(conversationID, c.CounterpartID)
		}
		return
	}
	if !e.limits.Allow(conversationID) {
		metricSendFailures.Inc()
		e.msgs.MarkByNonce(nonce, chat.Failed)
		e.log.Warn("message submission rate limited", "conversation", conversationID)
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(e.runCtx, e.submitTimeout)
		defer cancel()

		stored, err := e.store.CreateMessage(ctx, conversationID, e.user.ID, body, nonce)
		if err != nil {
			e.post(func() {
				metricSendFailures.Inc()
				e.msgs.MarkByNonce(nonce, chat.Failed)
				e.log.Warn("message submission failed", "conversation", conversationID, "err", err)
				e.emit()
			})
			return
		}
		e.post(func() { e.confirmSend(nonce, stored) })
	}()
}

// confirmSend reconciles a store acknowledgment against the optimistic entry
// with the same nonce: the Pending entry is replaced at its position, never
// duplicated.
func (e *Engine) confirmSend(nonce string, stored store.Message) {
	metricMessagesSent.Inc()
	if _, ok := e.msgs.ReplaceByNonce(nonce, stored.ID); ok {
		e.emit()
		return
	}
	// No resident entry for the nonce (e.g. the push event arrived first and
	// was reconciled already, or never existed). Route through the normal
	// remote path, which dedupes by id.
	e.applyRemoteMessage(stored)
}

// createConversation confirms a provisional conversation with the store.
// Runs on the engine goroutine.
func (e *Engine) createConversation(provisionalID, counterpartID string) {
	if e.creating[provisionalID] {
		return
	}
	e.creating[provisionalID] = true

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(e.runCtx, e.submitTimeout)
		defer cancel()

		storeID, err := e.store.CreateConversation(ctx, []string{e.user.ID, counterpartID})
		if err != nil {
			e.post(func() {
				delete(e.creating, provisionalID)
				e.log.Warn("conversation creation failed; failing queued sends",
					"conversation", provisionalID, "err", err)
				e.failPending(provisionalID)
			})
			return
		}
		e.post(func() { e.confirmConversation(provisionalID, storeID) })
	}()
}

// failPending marks every submission queued behind an unconfirmed
// conversation as Failed, so nothing waits past the submission timeout. The
// messages stay resident and retryable. Runs on the engine goroutine.
func (e *Engine) failPending(provisionalID string) {
	queued := e.pendingSubmits[provisionalID]
	delete(e.pendingSubmits, provisionalID)
	if len(queued) == 0 {
		return
	}
	for _, s := range queued {
		metricSendFailures.Inc()
		e.msgs.MarkByNonce(s.nonce, chat.Failed)
	}
	e.emit()
}

// confirmConversation rebinds a provisional conversation to its store id,
// carrying messages, watermark and the active cursor along.
func (e *Engine) confirmConversation(provisionalID, storeID string) {
	delete(e.creating, provisionalID)
	if provisionalID == storeID {
		return
	}
	if _, ok := e.convs.Get(storeID); ok {
		// The store pushed this conversation before the create ack (or it
		// already existed). Fold the provisional entry into it.
		moved := e.msgs.DropConversation(provisionalID)
		e.msgs.Merge(storeID, moved)
		e.convs.Remove(provisionalID)
	} else {
		e.convs.Rebind(provisionalID, storeID)
		e.msgs.RebindConversation(provisionalID, storeID)
	}

	if wm, ok := e.lastReadAt[provisionalID]; ok {
		if wm.After(e.lastReadAt[storeID]) {
			e.lastReadAt[storeID] = wm
		}
		delete(e.lastReadAt, provisionalID)
	}
	if e.resident[provisionalID] {
		e.resident[storeID] = true
		delete(e.resident, provisionalID)
	}
	if e.active == provisionalID {
		e.active = storeID
	}
	e.flushPending(provisionalID, storeID)
	e.ensurePump(storeID)
	e.emit()
}

// flushPending submits messages queued while their conversation was still
// provisional. Runs on the engine goroutine.
func (e *Engine) flushPending(provisionalID, storeID string) {
	queued := e.pendingSubmits[provisionalID]
	delete(e.pendingSubmits, provisionalID)
	for _, s := range queued {
		e.submit(storeID, s.nonce, s.body)
	}
}

// fetchHistory loads the latest history page for a conversation. The
// generation token invalidates the result if the user navigates away before
// it lands. Runs on the engine goroutine.
func (e *Engine) fetchHistory(conversationID string, gen uint64) {
	before := e.clock()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(e.runCtx, e.submitTimeout)
		defer cancel()

		msgs, err := e.store.FetchMessagesBefore(ctx, conversationID, before, e.pageSize)
		e.post(func() {
			if gen != e.fetchGen || e.active != conversationID {
				// Stale fetch: the active conversation changed while the
				// page was in flight.
				return
			}
			if err != nil {
				e.log.Warn("history fetch failed", "conversation", conversationID, "err", err)
				return
			}
			e.resident[conversationID] = true
			e.mergeFetched(conversationID, msgs)
			e.emit()
		})
	}()
}

func (e *Engine) toConversation(c store.Conversation) (chat.Conversation, bool) {
	counterpart := ""
	for _, p := range c.Participants {
		if p != e.user.ID {
			counterpart = p
			break
		}
	}
	if counterpart == "" {
		return chat.Conversation{}, false
	}

	name := counterpart
	if existing, ok := e.convs.Get(c.ID); ok && existing.CounterpartName != "" {
		name = existing.CounterpartName
	}
	return chat.Conversation{
		ID:              c.ID,
		CounterpartID:   counterpart,
		CounterpartName: name,
		LastMessage:     chat.Summary{Body: c.LastBody, SenderID: c.LastSenderID, CreatedAt: c.LastAt},
		UpdatedAt:       c.UpdatedAt,
	}, true
}
