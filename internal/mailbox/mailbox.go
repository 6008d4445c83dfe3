// Package mailbox queues messages for users who are not connected and hands them
// back, in arrival order, when the user next logs in.
package mailbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/life-stream-dev/life-stream-go-chat/internal/database"
	"github.com/life-stream-dev/life-stream-go-chat/internal/logger"
)

const defaultStripes = 64

type Message = database.OfflineMessage

// Ack confirms that a message is durably stored.
type Ack struct {
	RecipientID int64
	Seq         int64
}

// Mailbox serializes Enqueue and Drain per recipient on top of the store's own
// atomicity, so a drain's snapshot never splits a concurrent enqueue regardless of
// backend isolation.
type Mailbox struct {
	store   database.OfflineStore
	stripes []sync.Mutex
}

func New(store database.OfflineStore, stripes int) *Mailbox {
	if stripes <= 0 {
		stripes = defaultStripes
	}
	return &Mailbox{store: store, stripes: make([]sync.Mutex, stripes)}
}

func (m *Mailbox) lock(userID int64) func() {
	mu := &m.stripes[uint64(userID)%uint64(len(m.stripes))]
	mu.Lock()
	return mu.Unlock
}

// Enqueue returns only after the store has accepted the message.
func (m *Mailbox) Enqueue(ctx context.Context, recipientID, senderID int64, payload []byte) (Ack, error) {
	unlock := m.lock(recipientID)
	defer unlock()

	seq, err := m.store.InsertOfflineMessage(ctx, recipientID, senderID, payload)
	if err != nil {
		return Ack{}, fmt.Errorf("enqueue offline message for user %d: %w", recipientID, err)
	}
	logger.DebugF("Offline message queued: recipient=%d, sender=%d, seq=%d", recipientID, senderID, seq)
	return Ack{RecipientID: recipientID, Seq: seq}, nil
}

// EnqueueUnless runs delivered under recipientID's stripe lock and enqueues only
// when it reports false. A login that registers presence and then drains cannot
// slip between the two, so the message is either pushed live or picked up by that
// drain. queued reports which happened.
func (m *Mailbox) EnqueueUnless(ctx context.Context, recipientID, senderID int64, payload []byte, delivered func() bool) (ack Ack, queued bool, err error) {
	unlock := m.lock(recipientID)
	defer unlock()

	if delivered() {
		return Ack{RecipientID: recipientID}, false, nil
	}
	seq, err := m.store.InsertOfflineMessage(ctx, recipientID, senderID, payload)
	if err != nil {
		return Ack{}, false, fmt.Errorf("enqueue offline message for user %d: %w", recipientID, err)
	}
	logger.DebugF("Offline message queued: recipient=%d, sender=%d, seq=%d", recipientID, senderID, seq)
	return Ack{RecipientID: recipientID, Seq: seq}, true, nil
}

// Drain removes and returns every pending message for userID in arrival order.
// A failed drain leaves the mailbox untouched.
func (m *Mailbox) Drain(ctx context.Context, userID int64) ([]Message, error) {
	unlock := m.lock(userID)
	defer unlock()

	messages, err := m.store.DrainOfflineMessages(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("drain offline messages for user %d: %w", userID, err)
	}
	if len(messages) > 0 {
		logger.DebugF("Offline messages drained: user=%d, count=%d", userID, len(messages))
	}
	return messages, nil
}

func (m *Mailbox) Count(ctx context.Context, userID int64) (int64, error) {
	n, err := m.store.CountOfflineMessages(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("count offline messages for user %d: %w", userID, err)
	}
	return n, nil
}
