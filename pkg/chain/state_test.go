package chain

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	usdc  = common.HexToAddress("0x00000000000000000000000000000000000000A1")
	punks = common.HexToAddress("0x00000000000000000000000000000000000000B1")
	alice = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	mkt   = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func setup(t *testing.T) *State {
	t.Helper()
	s := NewState()
	if _, err := s.DeployERC20(usdc, "USD Coin", "USDC", 6); err != nil {
		t.Fatalf("deploy erc20: %v", err)
	}
	if _, err := s.DeployERC721(punks, "Punks", "PUNK"); err != nil {
		t.Fatalf("deploy erc721: %v", err)
	}
	return s
}

func TestDeployTwice(t *testing.T) {
	s := setup(t)
	if _, err := s.DeployERC20(punks, "x", "x", 18); !errors.Is(err, ErrContractExists) {
		t.Fatalf("expected ErrContractExists, got %v", err)
	}
}

func TestERC20TransferFrom(t *testing.T) {
	s := setup(t)
	if err := s.Mint(usdc, alice, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	if err := s.TransferFrom(usdc, mkt, alice, mkt, big.NewInt(10)); !errors.Is(err, ErrInsufficientAllow) {
		t.Fatalf("expected allowance error, got %v", err)
	}

	if err := s.Approve(usdc, alice, mkt, big.NewInt(60)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := s.TransferFrom(usdc, mkt, alice, mkt, big.NewInt(40)); err != nil {
		t.Fatalf("transferFrom: %v", err)
	}

	if got := s.BalanceOf(usdc, alice); got.Int64() != 60 {
		t.Errorf("alice balance = %s, want 60", got)
	}
	if got := s.BalanceOf(usdc, mkt); got.Int64() != 40 {
		t.Errorf("mkt balance = %s, want 40", got)
	}
	if got := s.Allowance(usdc, alice, mkt); got.Int64() != 20 {
		t.Errorf("allowance = %s, want 20", got)
	}

	if err := s.Transfer(usdc, mkt, bob, big.NewInt(41)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected balance error, got %v", err)
	}
	if got := s.TotalSupply(usdc); got.Int64() != 100 {
		t.Errorf("supply = %s, want 100", got)
	}
}

func TestERC721Approvals(t *testing.T) {
	s := setup(t)
	id, err := s.MintNFT(punks, alice)
	if err != nil {
		t.Fatalf("mint nft: %v", err)
	}
	if id.Int64() != 1 {
		t.Fatalf("first token id = %s, want 1", id)
	}

	ok, err := s.IsApprovedOrOwner(punks, mkt, id)
	if err != nil || ok {
		t.Fatalf("mkt should not be approved yet (ok=%v err=%v)", ok, err)
	}
	if err := s.NFTTransferFrom(punks, mkt, alice, mkt, id); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}

	if err := s.ApproveNFT(punks, alice, mkt, id); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := s.NFTTransferFrom(punks, mkt, alice, mkt, id); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	owner, _ := s.OwnerOf(punks, id)
	if owner != mkt {
		t.Errorf("owner = %s, want mkt", owner.Hex())
	}

	// approval is cleared on transfer
	if err := s.NFTTransferFrom(punks, mkt, mkt, bob, id); err != nil {
		t.Fatalf("owner transfer: %v", err)
	}
	if err := s.NFTTransferFrom(punks, mkt, bob, mkt, id); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized after approval cleared, got %v", err)
	}

	if err := s.SetApprovalForAll(punks, bob, mkt, true); err != nil {
		t.Fatalf("setApprovalForAll: %v", err)
	}
	if ok, _ := s.IsApprovedOrOwner(punks, mkt, id); !ok {
		t.Errorf("operator should be approved")
	}

	if _, err := s.OwnerOf(punks, big.NewInt(99)); !errors.Is(err, ErrNonexistentToken) {
		t.Errorf("expected ErrNonexistentToken, got %v", err)
	}
}

func TestRoyaltyInfo(t *testing.T) {
	s := setup(t)
	if _, _, ok := s.RoyaltyInfo(punks, big.NewInt(1), big.NewInt(1000)); ok {
		t.Fatalf("royalty should be unsupported before SetRoyalty")
	}
	if err := s.SetRoyalty(punks, bob, 500); err != nil {
		t.Fatalf("setRoyalty: %v", err)
	}
	recv, amt, ok := s.RoyaltyInfo(punks, big.NewInt(1), big.NewInt(1000))
	if !ok || recv != bob || amt.Int64() != 50 {
		t.Errorf("royaltyInfo = (%s, %s, %v), want (bob, 50, true)", recv.Hex(), amt, ok)
	}
	if err := s.SetRoyalty(punks, bob, 10001); err == nil {
		t.Errorf("expected out of range error")
	}
}

func TestSnapshotRevert(t *testing.T) {
	s := setup(t)
	_ = s.Mint(usdc, alice, big.NewInt(100))
	id, _ := s.MintNFT(punks, alice)

	snap := s.Snapshot()
	_ = s.Transfer(usdc, alice, bob, big.NewInt(30))
	_ = s.NFTTransferFrom(punks, alice, alice, bob, id)
	_ = s.Approve(usdc, alice, mkt, big.NewInt(5))
	newID, _ := s.MintNFT(punks, bob)
	_ = s.Mint(usdc, bob, big.NewInt(7))

	s.RevertToSnapshot(snap)

	if got := s.BalanceOf(usdc, alice); got.Int64() != 100 {
		t.Errorf("alice balance = %s, want 100", got)
	}
	if got := s.BalanceOf(usdc, bob); got.Sign() != 0 {
		t.Errorf("bob balance = %s, want 0", got)
	}
	if got := s.Allowance(usdc, alice, mkt); got.Sign() != 0 {
		t.Errorf("allowance = %s, want 0", got)
	}
	if got := s.TotalSupply(usdc); got.Int64() != 100 {
		t.Errorf("supply = %s, want 100", got)
	}
	if owner, _ := s.OwnerOf(punks, id); owner != alice {
		t.Errorf("owner = %s, want alice", owner.Hex())
	}
	if _, err := s.OwnerOf(punks, newID); !errors.Is(err, ErrNonexistentToken) {
		t.Errorf("minted token should be gone, got %v", err)
	}
	again, _ := s.MintNFT(punks, bob)
	if again.Cmp(newID) != 0 {
		t.Errorf("next id = %s, want %s reused", again, newID)
	}
}

func TestNestedSnapshots(t *testing.T) {
	s := setup(t)
	_ = s.Mint(usdc, alice, big.NewInt(100))

	outer := s.Snapshot()
	_ = s.Transfer(usdc, alice, bob, big.NewInt(10))
	inner := s.Snapshot()
	_ = s.Transfer(usdc, alice, bob, big.NewInt(20))

	s.RevertToSnapshot(inner)
	if got := s.BalanceOf(usdc, bob); got.Int64() != 10 {
		t.Fatalf("after inner revert bob = %s, want 10", got)
	}
	s.RevertToSnapshot(outer)
	if got := s.BalanceOf(usdc, bob); got.Sign() != 0 {
		t.Fatalf("after outer revert bob = %s, want 0", got)
	}
}

func TestDiscardSnapshotKeepsChanges(t *testing.T) {
	s := setup(t)
	_ = s.Mint(usdc, alice, big.NewInt(100))

	snap := s.Snapshot()
	_ = s.Transfer(usdc, alice, bob, big.NewInt(10))
	s.DiscardSnapshot(snap)

	if len(s.journal) != 0 {
		t.Errorf("journal should be empty after discarding the last revision, has %d", len(s.journal))
	}
	if got := s.BalanceOf(usdc, bob); got.Int64() != 10 {
		t.Errorf("bob = %s, want 10", got)
	}

	defer func() {
		if recover() == nil {
			t.Errorf("reverting a discarded snapshot should panic")
		}
	}()
	s.RevertToSnapshot(snap)
}

func TestFaucetApprovesMarketplace(t *testing.T) {
	s := setup(t)
	f := NewFaucet(s, usdc, punks, mkt)

	if err := f.Fund(alice, big.NewInt(500)); err != nil {
		t.Fatal(err)
	}
	if err := s.TransferFrom(usdc, mkt, alice, bob, big.NewInt(200)); err != nil {
		t.Fatalf("marketplace pull after funding: %v", err)
	}
	if got := s.BalanceOf(usdc, alice).Int64(); got != 300 {
		t.Errorf("alice balance = %d, want 300", got)
	}

	id, err := f.MintNFT(alice)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := s.Collections().IsApprovedOrOwner(punks, mkt, id)
	if err != nil || !ok {
		t.Fatalf("marketplace not approved for minted token: %v", err)
	}

	if err := f.Fund(alice, big.NewInt(0)); err == nil {
		t.Errorf("zero funding accepted")
	}
}
