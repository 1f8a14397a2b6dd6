package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"pricewatch/internal/model"
	"pricewatch/internal/reconciler"
)

// Sender is the interface for sending Telegram messages.
type Sender interface {
	SendMessage(chatID int64, text string)
}

// Notifier announces items that reached a new lowest price.
type Notifier struct {
	sender Sender
	chatID int64
	log    *slog.Logger
	gap    time.Duration
}

// New creates a Notifier posting to chatID.
func New(sender Sender, chatID int64, log *slog.Logger) *Notifier {
	// ~20 messages/sec max for Telegram
	return &Notifier{sender: sender, chatID: chatID, log: log, gap: 50 * time.Millisecond}
}

// PriceDrops sends one message per drop. It stops early when ctx is cancelled.
func (n *Notifier) PriceDrops(ctx context.Context, drops []reconciler.PriceDrop) {
	for i, d := range drops {
		if i > 0 {
			select {
			case <-ctx.Done():
				n.log.Warn("price drop notifications interrupted", "pending", len(drops)-i)
				return
			case <-time.After(n.gap):
			}
		}
		n.sender.SendMessage(n.chatID, FormatPriceDrop(d))
	}
	if len(drops) > 0 {
		n.log.Info("sent price drop notifications", "count", len(drops))
	}
}

// FormatPriceDrop formats a new lowest price as a notification message.
func FormatPriceDrop(d reconciler.PriceDrop) string {
	var b strings.Builder
	name := d.Name
	if name == "" {
		name = fmt.Sprintf("app %d", d.ItemID)
	}
	fmt.Fprintf(&b, "New lowest price: %s\n\n", name)
	fmt.Fprintf(&b, "%s", model.FormatPrice(d.FinalPrice))
	if d.DiscountPercent > 0 {
		fmt.Fprintf(&b, " (-%d%% from %s)", d.DiscountPercent, model.FormatPrice(d.InitPrice))
	}
	fmt.Fprintf(&b, "\nPrevious lowest: %s\n\n", model.FormatPrice(d.PreviousLowest))
	fmt.Fprintf(&b, "https://store.steampowered.com/app/%d/", d.ItemID)
	return b.String()
}
