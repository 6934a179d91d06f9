package kamoffline

import (
	"context"
	"fmt"
)

// MessageSkipWaiting asks a waiting controller to activate immediately.
const MessageSkipWaiting = "SKIP_WAITING"

// Message is a control message posted by a page to the controller.
type Message struct {
	Type string `json:"type"`
}

// OnMessage handles a control message.
// Empty and unknown messages are ignored.
func (c *Controller) OnMessage(ctx context.Context, msg *Message) error {
	if msg == nil {
		return nil
	}
	switch msg.Type {
	case MessageSkipWaiting:
		c.log.Debug().Msg("Skip waiting requested")
		if err := c.currentHost().SkipWaiting(ctx); err != nil {
			return fmt.Errorf("skip waiting: %w", err)
		}
	default:
		c.log.Trace().Str("type", msg.Type).Msg("Ignoring message")
	}
	return nil
}
