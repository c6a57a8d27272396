package channel

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/memokeeper/internal/bus"
	"github.com/stellarlinkco/memokeeper/internal/config"
)

// WebhookChannel is a channel that receives updates over HTTP.
type WebhookChannel interface {
	Channel
	http.Handler
	Webhook() bool
}

type ChannelManager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
	log      zerolog.Logger
}

func NewChannelManager(cfg config.TelegramConfig, b *bus.MessageBus, logger zerolog.Logger) (*ChannelManager, error) {
	m := &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
		log:      logger.With().Str("component", "channel-mgr").Logger(),
	}

	if cfg.Enabled {
		ch, err := NewTelegramChannel(cfg, b, logger)
		if err != nil {
			return nil, fmt.Errorf("init telegram channel: %w", err)
		}
		m.channels[ch.Name()] = ch
	}
	return m, nil
}

// Add registers an extra channel.
func (m *ChannelManager) Add(ch Channel) {
	m.channels[ch.Name()] = ch
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.channels))

	for name, ch := range m.channels {
		wg.Add(1)
		go func(name string, ch Channel) {
			defer wg.Done()
			m.log.Info().Str("channel", name).Msg("starting")
			if err := ch.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}(name, ch)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

func (m *ChannelManager) StopAll() error {
	for name, ch := range m.channels {
		m.log.Info().Str("channel", name).Msg("stopping")
		if err := ch.Stop(); err != nil {
			m.log.Error().Err(err).Str("channel", name).Msg("stop failed")
		}
	}
	return nil
}

// Webhooks returns the HTTP handlers of channels running in webhook mode,
// keyed by channel name.
func (m *ChannelManager) Webhooks() map[string]http.Handler {
	out := make(map[string]http.Handler)
	for name, ch := range m.channels {
		if wc, ok := ch.(WebhookChannel); ok && wc.Webhook() {
			out[name] = wc
		}
	}
	return out
}

func (m *ChannelManager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
