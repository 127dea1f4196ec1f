// Package notify delivers job reports to the operator.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Notifier sends reports in the background. Delivery failures are logged and
// never reach the caller. Every report is also journaled when a journal is
// configured.
type Notifier struct {
	sender  Sender
	journal *Journal
	timeout time.Duration
	wg      sync.WaitGroup
	log     zerolog.Logger
}

// New creates a Notifier. sender may be nil to only journal.
func New(sender Sender, journal *Journal, log zerolog.Logger) *Notifier {
	return &Notifier{
		sender:  sender,
		journal: journal,
		timeout: 30 * time.Second,
		log:     log.With().Str("component", "notify").Logger(),
	}
}

// Send queues text for delivery and returns immediately.
func (n *Notifier) Send(ctx context.Context, text string) {
	if text == "" {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		delivered := false
		if n.sender != nil {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
			err := n.sender.Send(sendCtx, text)
			cancel()
			if err != nil {
				n.log.Warn().Err(err).Msg("Failed to send report")
			} else {
				delivered = true
			}
		}

		if err := n.journal.Write(Entry{Time: time.Now(), Text: text, Delivered: delivered}); err != nil {
			n.log.Warn().Err(err).Msg("Failed to journal report")
		}
	}()
}

// Wait blocks until every queued report was handled.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// Close waits for pending reports and closes the journal.
func (n *Notifier) Close() error {
	n.Wait()
	return n.journal.Close()
}
