package dispatch

import (
	"go.uber.org/zap"

	"github.com/uhyunpark/eramarket/pkg/app/core/marketerr"
)

// Dispatcher is the single entry point for cross-chain payloads
type Dispatcher struct {
	h   Handler
	log *zap.SugaredLogger
}

// New creates a dispatcher over h
func New(h Handler, log *zap.SugaredLogger) *Dispatcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Dispatcher{h: h, log: log}
}

// Dispatch decodes payload and runs it against the handler
// The decoded action is returned even when the handler fails.
func (d *Dispatcher) Dispatch(c Context, payload []byte) (Action, error) {
	a, err := Decode(payload)
	if err != nil {
		code, _ := marketerr.CodeOf(err)
		d.log.Warnw("payload_rejected", "sender", c.Sender.Hex(), "bytes", len(payload), "code", code, "err", err)
		return nil, err
	}
	if err := a.apply(d.h, c); err != nil {
		d.log.Infow("action_failed", "action", a.Name(), "sender", c.Sender.Hex(), "err", err)
		return a, err
	}
	d.log.Debugw("action_applied", "action", a.Name(), "sender", c.Sender.Hex())
	return a, nil
}
