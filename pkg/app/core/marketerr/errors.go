// Package marketerr defines the marketplace error taxonomy.
//
// Every failure surfaced by the ledger, custodian and dispatcher carries one
// of the codes below so that callers (and the gateway refund path) can react
// to the class of failure without parsing messages.
package marketerr

import (
	"errors"
	"fmt"
)

// Code identifies a class of marketplace failure
type Code string

const (
	MalformedPayload      Code = "MalformedPayload"
	UnknownAction         Code = "UnknownAction"
	NotOwner              Code = "NotOwner"
	NotSeller             Code = "NotSeller"
	InvalidPrice          Code = "InvalidPrice"
	ListingInactive       Code = "ListingInactive"
	OfferAlreadyAccepted  Code = "OfferAlreadyAccepted"
	InsufficientAllowance Code = "InsufficientAllowance"
	EscrowTransferFailed  Code = "EscrowTransferFailed"
	ArithmeticOverflow    Code = "ArithmeticOverflow"

	ListingNotFound   Code = "ListingNotFound"
	OfferNotFound     Code = "OfferNotFound"
	OfferLimitReached Code = "OfferLimitReached"
	Unauthorized      Code = "Unauthorized"
	MintDisabled      Code = "MintDisabled"

	// gateway boundary
	ReplayedCall   Code = "ReplayedCall"
	BadAttestation Code = "BadAttestation"
)

// Sentinels for errors.Is matching
var (
	ErrMalformedPayload      = &Error{Code: MalformedPayload}
	ErrUnknownAction         = &Error{Code: UnknownAction}
	ErrNotOwner              = &Error{Code: NotOwner}
	ErrNotSeller             = &Error{Code: NotSeller}
	ErrInvalidPrice          = &Error{Code: InvalidPrice}
	ErrListingInactive       = &Error{Code: ListingInactive}
	ErrOfferAlreadyAccepted  = &Error{Code: OfferAlreadyAccepted}
	ErrInsufficientAllowance = &Error{Code: InsufficientAllowance}
	ErrEscrowTransferFailed  = &Error{Code: EscrowTransferFailed}
	ErrArithmeticOverflow    = &Error{Code: ArithmeticOverflow}
	ErrListingNotFound       = &Error{Code: ListingNotFound}
	ErrOfferNotFound         = &Error{Code: OfferNotFound}
	ErrOfferLimitReached     = &Error{Code: OfferLimitReached}
	ErrUnauthorized          = &Error{Code: Unauthorized}
	ErrMintDisabled          = &Error{Code: MintDisabled}
	ErrReplayedCall          = &Error{Code: ReplayedCall}
	ErrBadAttestation        = &Error{Code: BadAttestation}
)

// Error is a coded marketplace failure
// Op names the operation that failed, Err carries the underlying cause (may be nil)
type Error struct {
	Code Code
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := string(e.Code)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so wrapped errors compare equal
// to the package sentinels
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates a coded error with a formatted message
func New(code Code, op string, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying cause
func Wrap(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf returns the code of the first coded error in err's chain
// Uncoded errors report ok=false
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}
