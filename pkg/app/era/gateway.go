package era

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/eramarket/pkg/app/core/marketerr"
	"github.com/uhyunpark/eramarket/pkg/crypto"
	"github.com/uhyunpark/eramarket/pkg/metrics"
)

// GatewayConfig controls the delivery boundary
type GatewayConfig struct {
	Relayer          common.Address // expected attestation signer
	RequireSignature bool
}

// Gateway is the system-contract boundary for inbound calls
//
// It authenticates the relayer, rejects a (chain, nonce) that already has a
// receipt, runs the call and records the receipt. Nonces may arrive out of
// order; each (chain, nonce) is applied at most once.
type Gateway struct {
	mu sync.Mutex

	app      *App
	store    CallStore
	wal      CallLog
	attester *crypto.EIP712Signer
	cfg      GatewayConfig
	log      *zap.SugaredLogger
}

func NewGateway(app *App, store CallStore, wal CallLog, attester *crypto.EIP712Signer, cfg GatewayConfig, log *zap.SugaredLogger) *Gateway {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Gateway{app: app, store: store, wal: wal, attester: attester, cfg: cfg, log: log}
}

// Deliver applies one inbound call
//
// A processed call returns its receipt and a nil error even when the action
// itself was rejected; the receipt carries the code and the refund. A non-nil
// error means the call never got past the boundary and the nonce did not move.
func (g *Gateway) Deliver(ctx context.Context, call *InboundCall) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.authenticate(call); err != nil {
		metrics.RecordCall("", string(marketerr.BadAttestation), time.Since(start))
		g.log.Warnw("call_rejected", "chain", call.SourceChainID, "nonce", call.Nonce, "err", err)
		return nil, err
	}

	prev, err := g.store.Receipt(call.SourceChainID, call.Nonce)
	if err != nil {
		return nil, fmt.Errorf("read receipt %d/%d: %w", call.SourceChainID, call.Nonce, err)
	}
	if prev != nil {
		metrics.RecordCall("", string(marketerr.ReplayedCall), time.Since(start))
		g.log.Warnw("call_replayed", "chain", call.SourceChainID, "nonce", call.Nonce)
		return nil, marketerr.New(marketerr.ReplayedCall, "deliver",
			"nonce %d on chain %d was already delivered", call.Nonce, call.SourceChainID)
	}

	r := g.app.OnCrossChainCall(call)

	if r.committed {
		// the call is already recorded; only the final fields are at stake
		if err := g.store.UpdateReceipt(r); err != nil {
			g.log.Errorw("receipt_finalize_failed", "chain", call.SourceChainID, "nonce", call.Nonce, "err", err)
		}
	} else if err := g.store.SaveReceipt(r); err != nil {
		// nothing was committed, so the call may be delivered again
		g.log.Errorw("receipt_save_failed", "chain", call.SourceChainID, "nonce", call.Nonce, "err", err)
		return nil, fmt.Errorf("save receipt: %w", err)
	}
	if g.wal != nil {
		g.wal.Append(walLine(call, r))
	}

	metrics.RecordCall(r.Action, string(r.Code), time.Since(start))
	if r.Refunded != nil && r.Refunded.Sign() > 0 {
		kind := "change"
		if !r.Applied {
			kind = "full"
		}
		metrics.RecordRefund(kind)
	}
	return r, nil
}

// Receipt looks up the outcome of an earlier call
func (g *Gateway) Receipt(sourceChainID, nonce uint64) (*Receipt, error) {
	return g.store.Receipt(sourceChainID, nonce)
}

// LastNonce reports the highest nonce delivered from a source chain
func (g *Gateway) LastNonce(sourceChainID uint64) (uint64, bool, error) {
	return g.store.LastNonce(sourceChainID)
}

func (g *Gateway) authenticate(call *InboundCall) error {
	const op = "deliver"
	if len(call.Signature) == 0 {
		if g.cfg.RequireSignature {
			return marketerr.New(marketerr.BadAttestation, op, "missing relayer signature")
		}
		return nil
	}
	if g.attester == nil {
		return marketerr.New(marketerr.BadAttestation, op, "no attestation domain configured")
	}
	att := crypto.NewCallAttestation(call.SourceChainID, call.Nonce, call.Sender, call.Token, call.Value, call.Message)
	ok, err := g.attester.VerifyCall(att, call.Signature, g.cfg.Relayer)
	if err != nil {
		return marketerr.Wrap(marketerr.BadAttestation, op, err)
	}
	if !ok {
		return marketerr.New(marketerr.BadAttestation, op, "signature is not from relayer %s", g.cfg.Relayer.Hex())
	}
	return nil
}
