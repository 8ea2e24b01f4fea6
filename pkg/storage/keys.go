package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema
//
//	lst:<id>                 → Listing
//	off:<id>:<index>         → Offer
//	evt:<seq>                → Event
//	esc:<token>              → escrow balance (decimal)
//	sig:<sender>             → stored signal byte
//	meta:nextListing         → next listing id (8-byte big endian)
//	meta:nextSeq             → next event sequence
//	nonce:<chain>            → last delivered nonce of a source chain
//	rcpt:<chain>:<nonce>     → Receipt
//
// Numbers are zero-padded so prefix scans come back in numeric order.

const (
	prefixListing = "lst:"
	prefixOffer   = "off:"
	prefixEvent   = "evt:"
	prefixEscrow  = "esc:"
	prefixSignal  = "sig:"
	prefixNonce   = "nonce:"
	prefixReceipt = "rcpt:"
)

var (
	keyNextListing = []byte("meta:nextListing")
	keyNextSeq     = []byte("meta:nextSeq")
)

func listingKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixListing, id))
}

func offerKey(listingID, index uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d:%010d", prefixOffer, listingID, index))
}

func eventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixEvent, seq))
}

func escrowKey(token common.Address) []byte {
	return []byte(prefixEscrow + token.Hex())
}

func signalKey(sender common.Address) []byte {
	return []byte(prefixSignal + sender.Hex())
}

func nonceKey(chainID uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixNonce, chainID))
}

func receiptKey(chainID, nonce uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d:%020d", prefixReceipt, chainID, nonce))
}

// addressFromKey strips prefix and parses the hex address that follows
func addressFromKey(key []byte, prefix string) (common.Address, error) {
	hex := string(key[len(prefix):])
	if !common.IsHexAddress(hex) {
		return common.Address{}, fmt.Errorf("bad address key %q", key)
	}
	return common.HexToAddress(hex), nil
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
