package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/meridianlabs/stakehouse/internal/domain"
)

// Watcher subscribes to settlement event channels on the signal bus and
// forwards operator-relevant events to a Notifier the moment they are
// published. It runs until its context is cancelled.
type Watcher struct {
	bus      domain.SignalBus
	notifier *Notifier
	logger   *slog.Logger
}

// NewWatcher creates a Watcher bridging the given bus to the notifier.
func NewWatcher(bus domain.SignalBus, notifier *Notifier, logger *slog.Logger) *Watcher {
	return &Watcher{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "notify_watcher")),
	}
}

// watchedChannels carry events that may produce operator notifications.
var watchedChannels = []string{
	domain.ChannelMarkets,
	domain.ChannelClaims,
	domain.ChannelStatus,
}

// Run subscribes to all watched channels and blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	for _, ch := range watchedChannels {
		msgCh, err := w.bus.Subscribe(ctx, ch)
		if err != nil {
			return fmt.Errorf("notify: subscribe %s: %w", ch, err)
		}
		go w.consume(ctx, ch, msgCh)
	}

	<-ctx.Done()
	return ctx.Err()
}

func (w *Watcher) consume(ctx context.Context, channel string, msgCh <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				w.logger.Warn("subscription closed", slog.String("channel", channel))
				return
			}
			w.handle(ctx, data)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, data []byte) {
	var ev domain.SettlementEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		w.logger.Warn("malformed event on bus", slog.String("error", err.Error()))
		return
	}

	title, message, ok := formatEvent(ev)
	if !ok {
		return
	}

	if err := w.notifier.Notify(ctx, ev.Event, title, message); err != nil {
		w.logger.ErrorContext(ctx, "notification failed",
			slog.String("event", ev.Event),
			slog.String("error", err.Error()),
		)
	}
}

// formatEvent renders a human-readable notification for operator-relevant
// settlement events. Events that do not warrant an alert return ok=false.
func formatEvent(ev domain.SettlementEvent) (title, message string, ok bool) {
	switch ev.Event {
	case domain.EventMarketResolved:
		outcome := "doubters win"
		if b, isBool := ev.Detail["outcome"].(bool); isBool && b {
			outcome = "believers win"
		}
		return "Market resolved",
			fmt.Sprintf("Market %d resolved: %s.", ev.MarketID, outcome),
			true

	case domain.EventMarketCancelled:
		return "Market cancelled",
			fmt.Sprintf("Market %d was cancelled; stakes become refundable.", ev.MarketID),
			true

	case domain.EventEscrowFailure:
		return "Escrow transfer failed",
			fmt.Sprintf("Escrow transfer for market %d failed: %v.", ev.MarketID, ev.Detail["error"]),
			true

	default:
		return "", "", false
	}
}
