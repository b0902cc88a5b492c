package services

import (
	"context"
	"sync"
	"time"

	"github.com/LuyxT/PitchOS-apple--sub002/pkg/models"
	"go.uber.org/zap"
)

type chatReader interface {
	GetChat(ctx context.Context, chatID string) (*models.Chat, error)
}

type eventSink interface {
	Publish(event models.RealtimeEvent, recipients []string)
}

type pendingEvent struct {
	chatID string
	event  models.RealtimeEvent
}

// Broadcaster resolves the current participants of a chat at publish time
// and hands the event to the realtime hub. Events are resolved one at a time
// off the request goroutine, in the order they were published.
type Broadcaster struct {
	chats   chatReader
	sink    eventSink
	logger  *zap.Logger
	timeout time.Duration

	mu       sync.Mutex
	queue    []pendingEvent
	draining bool
}

func NewBroadcaster(chats chatReader, sink eventSink, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		chats:   chats,
		sink:    sink,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

func (b *Broadcaster) PublishChatEvent(chatID string, event models.RealtimeEvent) {
	b.mu.Lock()
	b.queue = append(b.queue, pendingEvent{chatID: chatID, event: event})
	start := !b.draining
	b.draining = true
	b.mu.Unlock()

	if start {
		go b.drain()
	}
}

// drain is the only goroutine delivering events; it exits once the queue
// is empty and the next publish starts a new one.
func (b *Broadcaster) drain() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.draining = false
			b.mu.Unlock()
			return
		}
		next := b.queue[0]
		b.queue[0] = pendingEvent{}
		b.queue = b.queue[1:]
		b.mu.Unlock()

		b.deliver(next.chatID, next.event)
	}
}

func (b *Broadcaster) deliver(chatID string, event models.RealtimeEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	chat, err := b.chats.GetChat(ctx, chatID)
	if err != nil {
		b.logger.Warn("broadcast dropped: chat lookup failed",
			zap.String("chat_id", chatID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
		return
	}

	recipients := chat.ParticipantIDs()
	b.sink.Publish(event, recipients)
	b.logger.Debug("event broadcast",
		zap.String("chat_id", chatID),
		zap.String("event_type", string(event.Type)),
		zap.String("event_cursor", event.EventCursor),
		zap.Int("recipients", len(recipients)),
	)
}
