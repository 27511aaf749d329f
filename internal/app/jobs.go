package app

import (
	"context"
	"fmt"

	"covidbot/internal/delivery"
	"covidbot/internal/format"
	"covidbot/internal/transport/telegram"
	"covidbot/pkg/logx"
)

type batchSource interface {
	Pending(ctx context.Context) (delivery.Batch, error)
}

type batchSender interface {
	Dispatch(ctx context.Context, batch delivery.Batch) (delivery.Result, error)
}

// sendReports builds the pending daily reports and dispatches them.
func sendReports(ctx context.Context, src batchSource, dst batchSender, log logx.Logger) (delivery.Result, error) {
	batch, err := src.Pending(ctx)
	if err != nil {
		return delivery.Result{}, fmt.Errorf("build reports: %w", err)
	}
	if len(batch) == 0 {
		log.Debug("no pending reports")
		return delivery.Result{}, nil
	}
	log.Info("sending reports", logx.Int("count", len(batch)))
	return dst.Dispatch(ctx, batch)
}

type inboundHandler interface {
	Handle(ctx context.Context, from delivery.Recipient, text string) []format.Response
}

type replier interface {
	Reply(ctx context.Context, to delivery.Recipient, responses ...format.Response) (delivery.Outcome, error)
	// Retire deletes a message whose button was pressed; Retired reports
	// whether that already happened.
	Retire(ctx context.Context, ref delivery.MessageRef) error
	Retired(ref delivery.MessageRef) bool
}

type callbackAnswerer interface {
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// serveInbound answers inbound messages one at a time until ctx is done or
// in is closed. Only a fatal delivery error ends it with an error.
//
// A button press deletes the message carrying the button, and presses on
// messages deleted that way are ignored.
func serveInbound(ctx context.Context, in <-chan telegram.Inbound, h inboundHandler, r replier, cb callbackAnswerer, log logx.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			if msg.CallbackID != "" {
				ref := msg.MessageRef()
				if r.Retired(ref) {
					log.Debug("button on deleted message ignored", logx.Int64("chat", msg.ChatID))
					continue
				}
				if err := cb.AnswerCallback(ctx, msg.CallbackID, ""); err != nil {
					log.Debug("answer callback failed", logx.Err(err))
				}
				if err := r.Retire(ctx, ref); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					log.Debug("delete pressed message failed", logx.Int64("chat", msg.ChatID), logx.Err(err))
				}
			}
			out := h.Handle(ctx, msg.Recipient(), msg.Text)
			if len(out) == 0 {
				continue
			}
			o, err := r.Reply(ctx, msg.Recipient(), out...)
			switch {
			case err == nil:
				if o.Status != delivery.StatusSent {
					log.Debug("reply not delivered", logx.String("to", string(o.Recipient)), logx.String("status", o.Status.String()))
				}
			case delivery.IsFatal(err):
				return err
			case ctx.Err() != nil:
				return nil
			default:
				log.Warn("reply failed", logx.Int64("chat", msg.ChatID), logx.Err(err))
			}
		}
	}
}
