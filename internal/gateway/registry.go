package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry routes messages to the sender configured for their channel.
type Registry struct {
	mu      sync.RWMutex
	senders map[string]Sender
}

func NewRegistry() *Registry {
	return &Registry{senders: make(map[string]Sender)}
}

// Register makes s the sender for each of channels.
func (r *Registry) Register(s Sender, channels ...string) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range channels {
		r.senders[ch] = s
	}
	return r
}

// Supports reports whether channel has a sender.
func (r *Registry) Supports(channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.senders[channel]
	return ok
}

func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.senders))
	for ch := range r.senders {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Send(ctx context.Context, msg Message) (SendResult, error) {
	r.mu.RLock()
	s, ok := r.senders[msg.Channel]
	r.mu.RUnlock()
	if !ok {
		return SendResult{}, fmt.Errorf("%w: %s", ErrChannelUnavailable, msg.Channel)
	}
	return s.Send(ctx, msg)
}
