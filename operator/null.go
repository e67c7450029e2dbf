package operator

import (
	"context"

	"github.com/rs/zerolog"
)

// NullChannel discards every send, logging at debug level. Used for
// --dry-run and in tests where no real operator is listening.
type NullChannel struct {
	log zerolog.Logger
}

func NewNullChannel(log zerolog.Logger) *NullChannel {
	return &NullChannel{log: log.With().Str("component", "operator-null").Logger()}
}

func (n *NullChannel) SendText(_ context.Context, markdown string) error {
	n.log.Debug().Str("text", truncate(markdown, 200)).Msg("null channel: send_text")
	return nil
}

func (n *NullChannel) SendFile(_ context.Context, path, caption string) error {
	n.log.Debug().Str("path", path).Str("caption", caption).Msg("null channel: send_file")
	return nil
}

func (n *NullChannel) SendWithButtons(_ context.Context, prompt string, buttons []Button) error {
	n.log.Debug().Str("prompt", truncate(prompt, 200)).Int("buttons", len(buttons)).Msg("null channel: send_with_buttons")
	return nil
}
