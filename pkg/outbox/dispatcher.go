package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LuyxT/PitchOS-apple--sub002/pkg/chatclient"
	"github.com/LuyxT/PitchOS-apple--sub002/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrQueued is returned by Send when the message could not reach the server
// and was stored for a later Flush.
var ErrQueued = errors.New("outbox: message queued for retry")

var ErrNotRetryable = errors.New("outbox: only failed items can be retried")

// Sender delivers one message. *chatclient.Client satisfies it.
type Sender interface {
	SendMessage(ctx context.Context, chatID string, draft models.MessageDraft) (*models.Message, error)
}

// Dispatcher sends messages through the Sync Client and parks the ones
// that hit a transient failure in the outbox.
type Dispatcher struct {
	mu          sync.Mutex
	queue       *Queue
	sender      Sender
	retryLater  func(error) bool
	logger      *zap.Logger
	now         func() time.Time
}

func NewDispatcher(queue *Queue, sender Sender, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:       queue,
		sender:      sender,
		retryLater:  retryLater,
		logger:      logger,
		now:         time.Now,
	}
}

// retryLater reports whether a send should stay queued. Transport failures
// and the server's rate limit both clear up on their own; everything else is
// a rejection of the message itself.
func retryLater(err error) bool {
	return chatclient.IsTransient(err) || errors.Is(err, chatclient.ErrRateLimited)
}

// FlushResult summarizes one replay pass.
type FlushResult struct {
	Sent      []models.Message
	Failed    []Item
	Remaining int
}

// Send delivers draft to chatID. A missing client id is generated so the
// server can deduplicate replays. When the chat already has queued items
// the new message is queued behind them and the queue is flushed, keeping
// per-chat order.
func (d *Dispatcher) Send(ctx context.Context, chatID string, draft models.MessageDraft) (*models.Message, error) {
	if draft.ClientID == "" {
		draft.ClientID = uuid.NewString()
	}
	if err := draft.Validate(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	items, err := d.queue.Items()
	if err != nil {
		return nil, err
	}
	if hasQueued(items, chatID) {
		if err := d.queue.Enqueue(d.newItem(chatID, draft)); err != nil {
			return nil, err
		}
		result, err := d.flush(ctx)
		if err != nil {
			return nil, err
		}
		for i := range result.Sent {
			if result.Sent[i].ClientID == draft.ClientID {
				return &result.Sent[i], nil
			}
		}
		for _, item := range result.Failed {
			if item.ClientID == draft.ClientID {
				return nil, errors.New(item.LastError)
			}
		}
		return nil, ErrQueued
	}

	message, err := d.sender.SendMessage(ctx, chatID, draft)
	if err == nil {
		return message, nil
	}
	if !d.retryLater(err) {
		return nil, err
	}

	item := d.newItem(chatID, draft)
	item.Attempts = 1
	item.LastError = err.Error()
	if qerr := d.queue.Enqueue(item); qerr != nil {
		return nil, fmt.Errorf("%v; queueing failed: %w", err, qerr)
	}
	d.logger.Info("message queued after transient failure",
		zap.String("chat_id", chatID),
		zap.String("client_id", draft.ClientID),
		zap.Error(err),
	)
	return nil, fmt.Errorf("%w: %v", ErrQueued, err)
}

// Flush replays queued items in order. A transient failure or a rate limit
// stops the pass so later messages never overtake earlier ones; a permanent
// failure marks the item failed and the pass continues.
func (d *Dispatcher) Flush(ctx context.Context) (*FlushResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flush(ctx)
}

func (d *Dispatcher) flush(ctx context.Context) (*FlushResult, error) {
	items, err := d.queue.Items()
	if err != nil {
		return nil, err
	}

	result := &FlushResult{Sent: make([]models.Message, 0), Failed: make([]Item, 0)}
	for i, item := range items {
		if item.Status != models.StatusQueued {
			continue
		}
		if err := ctx.Err(); err != nil {
			result.Remaining = countQueued(items[i:])
			return result, err
		}

		message, sendErr := d.sender.SendMessage(ctx, item.ChatID, item.Draft)
		switch {
		case sendErr == nil:
			if err := d.queue.Remove(item.ClientID); err != nil {
				return result, err
			}
			result.Sent = append(result.Sent, *message)
		case d.retryLater(sendErr):
			if err := d.queue.Update(item.ClientID, func(stored *Item) error {
				stored.Attempts++
				stored.LastError = sendErr.Error()
				stored.UpdatedAt = d.now()
				return nil
			}); err != nil {
				return result, err
			}
			result.Remaining = countQueued(items[i:])
			d.logger.Info("outbox flush paused",
				zap.String("client_id", item.ClientID),
				zap.Int("remaining", result.Remaining),
				zap.Error(sendErr),
			)
			return result, nil
		default:
			var failed Item
			if err := d.queue.Update(item.ClientID, func(stored *Item) error {
				stored.Status = models.StatusFailed
				stored.Attempts++
				stored.LastError = sendErr.Error()
				stored.UpdatedAt = d.now()
				failed = *stored
				return nil
			}); err != nil {
				return result, err
			}
			result.Failed = append(result.Failed, failed)
			d.logger.Warn("outbox item rejected",
				zap.String("chat_id", item.ChatID),
				zap.String("client_id", item.ClientID),
				zap.Error(sendErr),
			)
		}
	}
	return result, nil
}

// Retry puts a failed item back in the queue for the next Flush.
func (d *Dispatcher) Retry(clientID string) error {
	return d.queue.Update(clientID, func(item *Item) error {
		if !models.CanTransition(item.Status, models.StatusQueued) {
			return fmt.Errorf("%w: %s is %s", ErrNotRetryable, clientID, item.Status)
		}
		item.Status = models.StatusQueued
		item.LastError = ""
		item.UpdatedAt = d.now()
		return nil
	})
}

// Discard drops an item without sending it.
func (d *Dispatcher) Discard(clientID string) error {
	return d.queue.Remove(clientID)
}

func (d *Dispatcher) Pending() ([]Item, error) {
	return d.queue.Items()
}

func (d *Dispatcher) newItem(chatID string, draft models.MessageDraft) Item {
	now := d.now()
	return Item{
		ClientID:  draft.ClientID,
		ChatID:    chatID,
		Draft:     draft,
		Status:    models.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func hasQueued(items []Item, chatID string) bool {
	for _, item := range items {
		if item.ChatID == chatID && item.Status == models.StatusQueued {
			return true
		}
	}
	return false
}

func countQueued(items []Item) int {
	count := 0
	for _, item := range items {
		if item.Status == models.StatusQueued {
			count++
		}
	}
	return count
}
