package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Listener turns Postgres NOTIFY events on the outbox channel into wake-ups
// for the worker. Notifications are coalesced: one pending wake-up covers any
// number of inserts, since a drain claims everything that is due.
type Listener struct {
	listener     *pq.Listener
	channel      string
	pingInterval time.Duration
	wake         chan struct{}
	logger       zerolog.Logger
}

func NewListener(dsn, channel string, logger zerolog.Logger) (*Listener, error) {
	logger = logger.With().Str("component", "outbox-listener").Str("channel", channel).Logger()
	l := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn().Err(err).Msg("listener event")
		}
	})
	if err := l.Listen(channel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("listen on %s: %w", channel, err)
	}
	return &Listener{
		listener:     l,
		channel:      channel,
		pingInterval: 90 * time.Second,
		wake:         make(chan struct{}, 1),
		logger:       logger,
	}, nil
}

// Wake is the channel to pass to Worker.WithWake.
func (l *Listener) Wake() <-chan struct{} { return l.wake }

// Start forwards notifications until ctx is done, then closes the listener.
func (l *Listener) Start(ctx context.Context) error {
	l.logger.Info().Msg("listening for outbox inserts")
	forward(ctx, l.listener.Notify, l.wake, l.pingInterval, l.listener.Ping, l.logger)
	return l.listener.Close()
}

func forward(ctx context.Context, notes <-chan *pq.Notification, wake chan<- struct{}, pingInterval time.Duration, ping func() error, logger zerolog.Logger) {
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-notes:
			// a nil note follows a reconnect; inserts may have been missed, so wake anyway
			select {
			case wake <- struct{}{}:
			default:
			}
		case <-pingTicker.C:
			if err := ping(); err != nil {
				logger.Warn().Err(err).Msg("listener ping failed")
			}
		}
	}
}
