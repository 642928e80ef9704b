package comms

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryResolver keeps channels and transcripts in process memory.
type MemoryResolver struct {
	mu       sync.Mutex
	dms      map[string]string
	channels map[string]*Channel
	messages map[string][]*Message
	now      func() time.Time
}

// NewMemoryResolver creates an empty in-memory resolver.
func NewMemoryResolver() *MemoryResolver {
	return &MemoryResolver{
		dms:      make(map[string]string),
		channels: make(map[string]*Channel),
		messages: make(map[string][]*Message),
		now:      time.Now,
	}
}

func (r *MemoryResolver) GetOrCreateDMChannel(ctx context.Context, a, b string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := dmKey(a, b)
	if id, ok := r.dms[key]; ok {
		return id, nil
	}
	ch := &Channel{
		ID:        uuid.NewString(),
		Name:      "dm:" + key,
		Direct:    true,
		Members:   []string{a, b},
		CreatedAt: r.now(),
	}
	r.dms[key] = ch.ID
	r.channels[ch.ID] = ch
	return ch.ID, nil
}

func (r *MemoryResolver) CreateChannel(ctx context.Context, name string, members []string) (*Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := &Channel{
		ID:        uuid.NewString(),
		Name:      name,
		Members:   append([]string(nil), members...),
		CreatedAt: r.now(),
	}
	r.channels[ch.ID] = ch
	c := *ch
	return &c, nil
}

func (r *MemoryResolver) PostMessage(ctx context.Context, channelID, senderID, text string, source Source) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.channels[channelID]; !ok {
		return nil, ErrChannelNotFound
	}
	msg := &Message{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		SenderID:  senderID,
		Text:      text,
		Source:    source,
		CreatedAt: r.now(),
	}
	r.messages[channelID] = append(r.messages[channelID], msg)
	m := *msg
	return &m, nil
}

func (r *MemoryResolver) History(ctx context.Context, channelID string, limit int) ([]*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.channels[channelID]; !ok {
		return nil, ErrChannelNotFound
	}
	msgs := r.messages[channelID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*Message, len(msgs))
	for i, m := range msgs {
		c := *m
		out[i] = &c
	}
	return out, nil
}

func (r *MemoryResolver) Members(ctx context.Context, channelID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[channelID]
	if !ok {
		return nil, ErrChannelNotFound
	}
	return append([]string(nil), ch.Members...), nil
}
