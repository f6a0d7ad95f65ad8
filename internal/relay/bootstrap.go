package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/coder/websocket"

	"github.com/MrWong99/phonebridge/pkg/realtime"
)

// Params is the per-call configuration of a [Session]. It is fixed when the
// call is accepted.
type Params struct {
	// Voice is the AI voice for the whole call.
	Voice string

	// Instructions is the system prompt declared at bootstrap.
	Instructions string

	// Temperature is the sampling temperature declared at bootstrap.
	Temperature float64

	// AudioFormat is declared for both input and output audio. Empty means
	// [realtime.AudioFormatG711ULaw].
	AudioFormat string

	// ClearOnResponseDone ends the AI's turn on response.done.
	ClearOnResponseDone bool

	// ClearTelephonyBuffer sends a clear event to telephony alongside every
	// response.cancel.
	ClearTelephonyBuffer bool
}

// sessionParams builds the session object sent in the bootstrap
// session.update.
func (p Params) sessionParams() realtime.SessionParams {
	format := p.AudioFormat
	if format == "" {
		format = realtime.AudioFormatG711ULaw
	}
	return realtime.SessionParams{
		TurnDetection:     &realtime.TurnDetection{Type: realtime.TurnDetectionServerVAD},
		InputAudioFormat:  format,
		OutputAudioFormat: format,
		Voice:             p.Voice,
		Instructions:      p.Instructions,
		Modalities:        []string{"text", "audio"},
		Temperature:       p.Temperature,
	}
}

// Bootstrap sends the single session.update that configures a freshly opened
// AI connection. It must complete before any audio is relayed.
func Bootstrap(ctx context.Context, ai Conn, p Params, log *slog.Logger) error {
	msg, err := realtime.EncodeSessionUpdate(p.sessionParams())
	if err != nil {
		return fmt.Errorf("relay: bootstrap: %w", err)
	}
	log.Debug("sending session update", "voice", p.Voice, "body", string(msg))
	if err := ai.Write(ctx, websocket.MessageText, msg); err != nil {
		return fmt.Errorf("relay: bootstrap: %w", err)
	}
	return nil
}
