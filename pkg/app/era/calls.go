package era

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/eramarket/pkg/app/core/marketerr"
)

// InboundCall is one message delivered by the cross-chain system contract
//
// Sender is the message-derived identity of the originating account. Value
// of Token travels with the message and is deposited to the marketplace
// before dispatch; Token may be zero when Value is zero.
type InboundCall struct {
	SourceChainID uint64         `json:"sourceChainId"`
	Nonce         uint64         `json:"nonce"`
	Sender        common.Address `json:"sender"`
	Token         common.Address `json:"token"`
	Value         *big.Int       `json:"value"`
	Message       hexutil.Bytes  `json:"message"`
	Signature     hexutil.Bytes  `json:"signature,omitempty"`
}

// HasValue reports whether the call carries a deposit
func (c *InboundCall) HasValue() bool { return c.Value != nil && c.Value.Sign() > 0 }

// Validate checks the envelope before anything touches state
func (c *InboundCall) Validate() error {
	const op = "inbound"
	if c.Sender == (common.Address{}) {
		return marketerr.New(marketerr.MalformedPayload, op, "zero sender")
	}
	if c.Value != nil && c.Value.Sign() < 0 {
		return marketerr.New(marketerr.MalformedPayload, op, "negative value")
	}
	if c.HasValue() && c.Token == (common.Address{}) {
		return marketerr.New(marketerr.MalformedPayload, op, "value without token")
	}
	if c.Value != nil && c.Value.BitLen() > 256 {
		return marketerr.New(marketerr.ArithmeticOverflow, op, "value exceeds uint256")
	}
	return nil
}

// Receipt records how one inbound call ended
type Receipt struct {
	SourceChainID uint64         `json:"sourceChainId"`
	Nonce         uint64         `json:"nonce"`
	Sender        common.Address `json:"sender"`
	Action        string         `json:"action,omitempty"`
	Applied       bool           `json:"applied"`
	Code          marketerr.Code `json:"code,omitempty"`
	Error         string         `json:"error,omitempty"`
	Token         common.Address `json:"token,omitempty"`
	Deposited     *big.Int       `json:"deposited,omitempty"`
	Refunded      *big.Int       `json:"refunded,omitempty"`
	Result        string         `json:"result,omitempty"` // listing id, offer index or minted token id
	Timestamp     int64          `json:"timestamp"`

	// committed is set when the receipt was written with the call's ledger changes
	committed bool
}

func (r *Receipt) String() string {
	if r.Applied {
		return fmt.Sprintf("call %d/%d %s applied", r.SourceChainID, r.Nonce, r.Action)
	}
	return fmt.Sprintf("call %d/%d %s rejected: %s", r.SourceChainID, r.Nonce, r.Action, r.Code)
}

// CallStore records which (chain, nonce) pairs have been delivered
//
// A stored receipt marks its call as seen. SaveReceipt refuses a call that
// already has one; UpdateReceipt overwrites the receipt written with the
// call's ledger change set. Both raise the chain's last nonce when r.Nonce
// is above it.
type CallStore interface {
	LastNonce(sourceChainID uint64) (nonce uint64, ok bool, err error)
	SaveReceipt(r *Receipt) error
	UpdateReceipt(r *Receipt) error
	Receipt(sourceChainID, nonce uint64) (*Receipt, error)
}

// CallLog is an append-only record of delivered calls
type CallLog interface {
	Append(line string)
}

func walLine(c *InboundCall, r *Receipt) string {
	b, err := json.Marshal(struct {
		Call    *InboundCall `json:"call"`
		Receipt *Receipt     `json:"receipt"`
	}{c, r})
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(b)
}
