package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain separates relayer attestations across deployments
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address // the marketplace
}

// CallAttestation is what a relayer signs for one inbound cross-chain call
type CallAttestation struct {
	SourceChainID uint64
	Nonce         uint64
	Sender        common.Address
	Token         common.Address
	Value         *big.Int
	MessageHash   common.Hash // keccak256 of the payload
}

// NewCallAttestation fills MessageHash from the raw payload
func NewCallAttestation(sourceChainID, nonce uint64, sender, token common.Address, value *big.Int, message []byte) *CallAttestation {
	if value == nil {
		value = new(big.Int)
	}
	return &CallAttestation{
		SourceChainID: sourceChainID,
		Nonce:         nonce,
		Sender:        sender,
		Token:         token,
		Value:         value,
		MessageHash:   crypto.Keccak256Hash(message),
	}
}

var callTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"InboundCall": []apitypes.Type{
		{Name: "sourceChainId", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "sender", Type: "address"},
		{Name: "token", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "messageHash", Type: "bytes32"},
	},
}

// EIP712Signer hashes, signs and verifies call attestations for one domain
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

// DefaultDomain is the devnet domain for a marketplace address
func DefaultDomain(marketplace common.Address) EIP712Domain {
	return EIP712Domain{
		Name:              "EraMarketplace",
		Version:           "1",
		ChainID:           big.NewInt(1337),
		VerifyingContract: marketplace,
	}
}

func (e *EIP712Signer) Domain() EIP712Domain { return e.domain }

func (e *EIP712Signer) typedData(a *CallAttestation) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       callTypes,
		PrimaryType: "InboundCall",
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"sourceChainId": fmt.Sprintf("%d", a.SourceChainID),
			"nonce":         fmt.Sprintf("%d", a.Nonce),
			"sender":        a.Sender.Hex(),
			"token":         a.Token.Hex(),
			"value":         a.Value.String(),
			"messageHash":   a.MessageHash.Hex(),
		},
	}
}

// HashCall returns the EIP-712 digest of an attestation
func (e *EIP712Signer) HashCall(a *CallAttestation) ([]byte, error) {
	td := e.typedData(a)

	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	structHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	// keccak256("\x19\x01" || domainSeparator || structHash)
	raw := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(structHash)))
	return crypto.Keccak256(raw), nil
}

// SignCall signs an attestation as the relayer
func (e *EIP712Signer) SignCall(signer *Signer, a *CallAttestation) ([]byte, error) {
	hash, err := e.HashCall(a)
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to sign call: %w", err)
	}
	return sig, nil
}

// RecoverCallSigner returns the address that signed an attestation
func (e *EIP712Signer) RecoverCallSigner(a *CallAttestation, signature []byte) (common.Address, error) {
	hash, err := e.HashCall(a)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverAddress(hash, signature)
}

// VerifyCall reports whether relayer signed the attestation
func (e *EIP712Signer) VerifyCall(a *CallAttestation, signature []byte, relayer common.Address) (bool, error) {
	got, err := e.RecoverCallSigner(a, signature)
	if err != nil {
		return false, err
	}
	return got == relayer, nil
}

// CallToJSON renders the typed data for eth_signTypedData_v4
func (e *EIP712Signer) CallToJSON(a *CallAttestation) (string, error) {
	td := e.typedData(a)
	out, err := json.MarshalIndent(struct {
		Types       apitypes.Types            `json:"types"`
		PrimaryType string                    `json:"primaryType"`
		Domain      map[string]interface{}    `json:"domain"`
		Message     apitypes.TypedDataMessage `json:"message"`
	}{
		Types:       td.Types,
		PrimaryType: td.PrimaryType,
		Domain: map[string]interface{}{
			"name":              e.domain.Name,
			"version":           e.domain.Version,
			"chainId":           e.domain.ChainID.String(),
			"verifyingContract": e.domain.VerifyingContract.Hex(),
		},
		Message: td.Message,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(out), nil
}
