// Command encode-call builds marketplace payloads and relayer-signed inbound
// calls for the gateway endpoint.
package main

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/uhyunpark/eramarket/pkg/app/core/dispatch"
	"github.com/uhyunpark/eramarket/pkg/app/era"
	"github.com/uhyunpark/eramarket/pkg/crypto"
)

func main() {
	app := &cli.App{
		Name:  "encode-call",
		Usage: "encode marketplace messages and sign inbound calls",
		Commands: []*cli.Command{
			{
				Name:  "encode",
				Usage: "print the hex payload of one action",
				Subcommands: []*cli.Command{
					{
						Name:   "signal",
						Flags:  []cli.Flag{&cli.UintFlag{Name: "value", Required: true}},
						Action: encode(func(c *cli.Context) (dispatch.Action, error) { return dispatch.SignalAction{Value: uint8(c.Uint("value"))}, nil }),
					},
					{
						Name: "list",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "nft", Required: true},
							&cli.Uint64Flag{Name: "token-id", Required: true},
							&cli.StringFlag{Name: "payment-token", Required: true},
							&cli.Uint64Flag{Name: "price", Required: true},
						},
						Action: encode(func(c *cli.Context) (dispatch.Action, error) {
							nft, err := address(c, "nft")
							if err != nil {
								return nil, err
							}
							token, err := address(c, "payment-token")
							if err != nil {
								return nil, err
							}
							return dispatch.ListAction{NFTContract: nft, TokenID: c.Uint64("token-id"), PaymentToken: token, Price: c.Uint64("price")}, nil
						}),
					},
					{
						Name:   "delist",
						Flags:  []cli.Flag{listingFlag},
						Action: encode(func(c *cli.Context) (dispatch.Action, error) { return dispatch.DelistAction{ListingID: c.Uint64("listing")}, nil }),
					},
					{
						Name: "change-price",
						Flags: []cli.Flag{
							listingFlag,
							&cli.StringFlag{Name: "payment-token", Required: true},
							&cli.Uint64Flag{Name: "price", Required: true},
						},
						Action: encode(func(c *cli.Context) (dispatch.Action, error) {
							token, err := address(c, "payment-token")
							if err != nil {
								return nil, err
							}
							return dispatch.ChangePriceAction{ListingID: c.Uint64("listing"), PaymentToken: token, Price: c.Uint64("price")}, nil
						}),
					},
					{
						Name:   "buy",
						Flags:  []cli.Flag{listingFlag},
						Action: encode(func(c *cli.Context) (dispatch.Action, error) { return dispatch.BuyAction{ListingID: c.Uint64("listing")}, nil }),
					},
					{
						Name: "offer",
						Flags: []cli.Flag{
							listingFlag,
							&cli.StringFlag{Name: "token", Required: true},
							&cli.Uint64Flag{Name: "amount", Required: true},
						},
						Action: encode(func(c *cli.Context) (dispatch.Action, error) {
							token, err := address(c, "token")
							if err != nil {
								return nil, err
							}
							return dispatch.MakeOfferAction{ListingID: c.Uint64("listing"), Token: token, Amount: c.Uint64("amount")}, nil
						}),
					},
					{
						Name:  "accept",
						Flags: []cli.Flag{listingFlag, &cli.Uint64Flag{Name: "index", Required: true}},
						Action: encode(func(c *cli.Context) (dispatch.Action, error) {
							return dispatch.AcceptOfferAction{ListingID: c.Uint64("listing"), OfferIndex: c.Uint64("index")}, nil
						}),
					},
					{
						Name:   "mint",
						Action: encode(func(c *cli.Context) (dispatch.Action, error) { return dispatch.MintAction{}, nil }),
					},
				},
			},
			{
				Name:      "decode",
				Usage:     "decode a hex payload",
				ArgsUsage: "<0x-payload>",
				Action:    decodePayload,
			},
			{
				Name:  "sign",
				Usage: "wrap a payload in an inbound call signed by the relayer key",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "key", EnvVars: []string{"RELAYER_KEY"}, Usage: "relayer private key (hex); generated if empty"},
					&cli.StringFlag{Name: "marketplace", Required: true},
					&cli.Int64Flag{Name: "chain-id", Value: 1337, Usage: "EIP-712 domain chain id"},
					&cli.Uint64Flag{Name: "source-chain", Required: true},
					&cli.Uint64Flag{Name: "nonce", Required: true},
					&cli.StringFlag{Name: "sender", Required: true},
					&cli.StringFlag{Name: "token"},
					&cli.StringFlag{Name: "value", Value: "0"},
					&cli.StringFlag{Name: "message", Required: true},
				},
				Action: signCall,
			},
			{
				Name:   "keygen",
				Usage:  "generate a relayer key",
				Action: keygen,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		zap.L().Error("command_failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var listingFlag = &cli.Uint64Flag{Name: "listing", Required: true}

func encode(build func(c *cli.Context) (dispatch.Action, error)) cli.ActionFunc {
	return func(c *cli.Context) error {
		a, err := build(c)
		if err != nil {
			return err
		}
		payload, err := dispatch.Encode(a)
		if err != nil {
			return err
		}
		fmt.Println(hexutil.Encode(payload))
		return nil
	}
}

func decodePayload(c *cli.Context) error {
	payload, err := hexutil.Decode(c.Args().First())
	if err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	a, err := dispatch.Decode(payload)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(struct {
		Action   string          `json:"action"`
		Selector uint8           `json:"selector"`
		Args     dispatch.Action `json:"args"`
	}{a.Name(), a.Selector(), a}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func signCall(c *cli.Context) error {
	var (
		signer *crypto.Signer
		err    error
	)
	if key := c.String("key"); key != "" {
		signer, err = crypto.FromPrivateKeyHex(key)
	} else {
		signer, err = crypto.GenerateKey()
	}
	if err != nil {
		return err
	}

	market, err := address(c, "marketplace")
	if err != nil {
		return err
	}
	sender, err := address(c, "sender")
	if err != nil {
		return err
	}
	var token common.Address
	if c.String("token") != "" {
		if token, err = address(c, "token"); err != nil {
			return err
		}
	}
	value, ok := new(big.Int).SetString(c.String("value"), 10)
	if !ok {
		return fmt.Errorf("value: not a decimal integer")
	}
	message, err := hexutil.Decode(c.String("message"))
	if err != nil {
		return fmt.Errorf("message: %w", err)
	}
	if _, err := dispatch.Decode(message); err != nil {
		return err
	}

	domain := crypto.DefaultDomain(market)
	domain.ChainID = big.NewInt(c.Int64("chain-id"))
	eip712 := crypto.NewEIP712Signer(domain)

	call := &era.InboundCall{
		SourceChainID: c.Uint64("source-chain"),
		Nonce:         c.Uint64("nonce"),
		Sender:        sender,
		Token:         token,
		Value:         value,
		Message:       message,
	}
	att := crypto.NewCallAttestation(call.SourceChainID, call.Nonce, call.Sender, call.Token, call.Value, call.Message)
	sig, err := eip712.SignCall(signer, att)
	if err != nil {
		return err
	}
	call.Signature = sig
	if err := call.Validate(); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "relayer: %s\n", signer.Address().Hex())
	out, err := json.MarshalIndent(call, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func keygen(c *cli.Context) error {
	signer, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	fmt.Printf("address: %s\nkey:     %s\n", signer.Address().Hex(), signer.PrivateKeyHex())
	return nil
}

func address(c *cli.Context, flag string) (common.Address, error) {
	v := c.String(flag)
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("--%s: invalid address %q", flag, v)
	}
	return common.HexToAddress(v), nil
}
