package core

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func newTestChain(t *testing.T, authority *AuthoritySet) *Blockchain {
	t.Helper()
	lg := logrus.New()
	lg.SetLevel(logrus.ErrorLevel)
	path := filepath.Join(t.TempDir(), "chain.ndjson")
	bc, err := NewBlockchain(path, authority, lg)
	if err != nil {
		t.Fatalf("new blockchain: %v", err)
	}
	return bc
}

func newAuthorityWithKey(t *testing.T) (*AuthoritySet, ed25519.PrivateKey, Address) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := AddressFromPublicKey(pub)
	as := NewAuthoritySet()
	as.Add(addr)
	return as, priv, addr
}

func TestGenesisBlockIsCreated(t *testing.T) {
	bc := newTestChain(t, NewAuthoritySet())
	if bc.Height() != 0 {
		t.Fatalf("expected genesis height 0, got %d", bc.Height())
	}
	if bc.Head().Header.SelfHash == zeroChainHash {
		t.Fatal("genesis block must have a non-zero self hash")
	}
}

func TestProposeSignCommitLinksToParent(t *testing.T) {
	as, priv, addr := newAuthorityWithKey(t)
	bc := newTestChain(t, as)

	tx := &Transaction{Type: TxCreate, Submitter: addr, Payload: []byte(`{"k":"v"}`)}
	tx.Seal(priv)

	block := bc.ProposeBlock(addr, []*Transaction{tx})
	if block.Header.ParentHash != bc.Head().Header.SelfHash {
		t.Fatal("proposed block must link to the current tip")
	}

	sig := ed25519.Sign(priv, block.Header.SelfHash[:])
	multiSig := []SignerPair{{Signer: addr, Signature: sig}}
	if err := bc.Commit(block, multiSig); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if bc.Height() != 1 {
		t.Fatalf("expected height 1 after commit, got %d", bc.Height())
	}
}

func TestCommitRejectsIncompleteMultiSig(t *testing.T) {
	as := NewAuthoritySet()
	_, priv1, addr1 := newAuthorityWithKey(t)
	as.Add(addr1)
	_, _, addr2 := newAuthorityWithKey(t)
	as.Add(addr2)
	_, _, addr3 := newAuthorityWithKey(t)
	as.Add(addr3)
	bc := newTestChain(t, as)

	block := bc.ProposeBlock(addr1, nil)
	sig := ed25519.Sign(priv1, block.Header.SelfHash[:])
	// One of three signatures: 3*1 > 2*3 is false, so this must be rejected.
	err := bc.Commit(block, []SignerPair{{Signer: addr1, Signature: sig}})
	if err == nil {
		t.Fatal("expected commit to fail with a single signature out of three authorities")
	}
}

func TestCommitRejectsTamperedSelfHash(t *testing.T) {
	as, priv, addr := newAuthorityWithKey(t)
	bc := newTestChain(t, as)

	block := bc.ProposeBlock(addr, nil)
	block.Header.Nonce = 99 // mutate after self-hash was computed
	sig := ed25519.Sign(priv, block.Header.SelfHash[:])

	err := bc.Commit(block, []SignerPair{{Signer: addr, Signature: sig}})
	if err == nil {
		t.Fatal("expected commit to reject a block whose header no longer matches its self hash")
	}
}

func TestBlockRangeRoundTrips(t *testing.T) {
	as, priv, addr := newAuthorityWithKey(t)
	bc := newTestChain(t, as)

	for i := 0; i < 3; i++ {
		block := bc.ProposeBlock(addr, nil)
		sig := ed25519.Sign(priv, block.Header.SelfHash[:])
		if err := bc.Commit(block, []SignerPair{{Signer: addr, Signature: sig}}); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}

	data, err := bc.BlockRange(0)
	if err != nil {
		t.Fatalf("block range: %v", err)
	}
	blocks, err := DecodeBlockRange(data)
	if err != nil {
		t.Fatalf("decode block range: %v", err)
	}
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks from ordinal 0, got %d", len(blocks))
	}
}

func TestResolveForkPicksLowerTipHash(t *testing.T) {
	as, priv, addr := newAuthorityWithKey(t)
	bc := newTestChain(t, as)

	genesis := bc.Head()
	a := &Block{Header: BlockHeader{ParentHash: genesis.Header.SelfHash, Committer: addr, Ordinal: 1, Nonce: 1}}
	a.Header.SelfHash = a.computeSelfHash()
	sigA := ed25519.Sign(priv, a.Header.SelfHash[:])
	a.MultiSig = []SignerPair{{Signer: addr, Signature: sigA}}

	b := &Block{Header: BlockHeader{ParentHash: genesis.Header.SelfHash, Committer: addr, Ordinal: 1, Nonce: 2}}
	b.Header.SelfHash = b.computeSelfHash()
	sigB := ed25519.Sign(priv, b.Header.SelfHash[:])
	b.MultiSig = []SignerPair{{Signer: addr, Signature: sigB}}

	if _, err := bc.ApplyRemoteBlock(a); err != nil {
		t.Fatalf("apply first branch: %v", err)
	}
	if _, err := bc.ApplyRemoteBlock(b); err != nil {
		t.Fatalf("apply second branch as fork: %v", err)
	}

	bc.ResolveFork()

	wantTip := a.Header.SelfHash
	if bytesLess(b.Header.SelfHash[:], a.Header.SelfHash[:]) {
		wantTip = b.Header.SelfHash
	}
	if bc.Head().Header.SelfHash != wantTip {
		t.Fatalf("expected tip %x, got %x", wantTip, bc.Head().Header.SelfHash)
	}
}

func bytesLess(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func TestLoadAuthoritySetParsesKeysFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "authorities.txt")
	_, _, addr := newAuthorityWithKey(t)
	content := "# comment\n\n" + addr.String() + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	as, err := LoadAuthoritySet(path)
	if err != nil {
		t.Fatalf("load authority set: %v", err)
	}
	if !as.Contains(addr) {
		t.Fatal("expected loaded authority set to contain the parsed address")
	}
}

func TestLoadAuthoritySetMissingFileIsEmpty(t *testing.T) {
	as, err := LoadAuthoritySet(filepath.Join(t.TempDir(), "does-not-exist.txt"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if as.Count() != 0 {
		t.Fatalf("expected empty authority set, got %d", as.Count())
	}
}
