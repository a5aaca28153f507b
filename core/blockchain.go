package core

// Blockchain Engine — ordered, hash-linked blocks of transactions (including
// transparency-log entries), multi-signature consensus among known
// authorities, and peer-to-peer block propagation (spec.md §4.3, C4).
//
// Header self-hash uses Keccak-256 (github.com/ethereum/go-ethereum/crypto),
// the same primitive the teacher's core/virtual_machine.go reaches for.
// Signing is stdlib crypto/ed25519 per the Open Questions note that Ed25519
// is authoritative for this core; the teacher's parallel BLS12-381 path
// (herumi/bls-eth-go-binary) is not used — see DESIGN.md. Fork resolution is
// grounded on core/chain_fork_manager.go; catch-up range compression is
// grounded on core/blockchain_compression.go.

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// ChainHash is a 32-byte Keccak-256 digest identifying a block or
// transaction, distinct from the content-addressing Hash type in hash.go.
type ChainHash [32]byte

func (h ChainHash) String() string { return fmt.Sprintf("%x", h[:]) }

var zeroChainHash ChainHash

// Address identifies an authority or transaction submitter: the raw
// ed25519.PublicKey bytes.
type Address [ed25519.PublicKeySize]byte

func (a Address) String() string { return fmt.Sprintf("%x", a[:]) }

// TxType tags a transaction's payload kind, modeling the inheritance the
// original source used for behavior variants as a tagged sum type
// (spec.md §9 Design Notes).
type TxType uint8

const (
	TxCreate TxType = iota + 1
	TxAddAuthority
	TxRevokeAuthority
)

// Transaction is immutable once included in a committed block.
type Transaction struct {
	Type      TxType    `json:"type"`
	Submitter Address   `json:"submitter"`
	Timestamp int64     `json:"timestamp"`
	Nonce     uint64    `json:"nonce"`
	Payload   []byte    `json:"payload"`
	SelfHash  ChainHash `json:"self_hash"`
	Signature []byte    `json:"signature"`
}

// hashBytes returns the bytes hashed to produce SelfHash: every field except
// SelfHash and Signature themselves.
func (tx *Transaction) hashBytes() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(tx.Type))
	buf.Write(tx.Submitter[:])
	binary.Write(&buf, binary.BigEndian, tx.Timestamp)
	binary.Write(&buf, binary.BigEndian, tx.Nonce)
	buf.Write(tx.Payload)
	return buf.Bytes()
}

// Seal computes SelfHash and signs it with the submitter's private key.
func (tx *Transaction) Seal(priv ed25519.PrivateKey) {
	sum := crypto.Keccak256(tx.hashBytes())
	copy(tx.SelfHash[:], sum)
	tx.Signature = ed25519.Sign(priv, tx.SelfHash[:])
}

// VerifySignature checks the submitter's signature over SelfHash.
func (tx *Transaction) VerifySignature() bool {
	return ed25519.Verify(ed25519.PublicKey(tx.Submitter[:]), tx.SelfHash[:], tx.Signature)
}

// BlockHeader links blocks into the ordered chain.
type BlockHeader struct {
	ParentHash ChainHash `json:"parent_hash"`
	Committer  Address   `json:"committer"`
	Ordinal    uint64    `json:"ordinal"`
	Timestamp  int64     `json:"timestamp"`
	Nonce      uint64    `json:"nonce"`
	TxRoot     ChainHash `json:"tx_root"`
	SelfHash   ChainHash `json:"self_hash"`
}

func (h *BlockHeader) hashBytes() []byte {
	var buf bytes.Buffer
	buf.Write(h.ParentHash[:])
	buf.Write(h.Committer[:])
	binary.Write(&buf, binary.BigEndian, h.Ordinal)
	binary.Write(&buf, binary.BigEndian, h.Timestamp)
	binary.Write(&buf, binary.BigEndian, h.Nonce)
	buf.Write(h.TxRoot[:])
	return buf.Bytes()
}

// SignerPair is one authority's signature over a block header hash.
type SignerPair struct {
	Signer    Address `json:"signer"`
	Signature []byte  `json:"signature"`
}

// Signed is the explicit envelope re-expressing the source's derive-macro
// signed wrappers (spec.md §9): the serialized payload plus however many
// signer/signature pairs have been gathered, with completeness checked
// against an AuthoritySet.
type Signed[T any] struct {
	Payload    T            `json:"payload"`
	Signatures []SignerPair `json:"signatures"`
}

// AddSignature appends a signer's signature if not already present.
func (s *Signed[T]) AddSignature(signer Address, sig []byte) {
	for _, sp := range s.Signatures {
		if sp.Signer == signer {
			return
		}
	}
	s.Signatures = append(s.Signatures, SignerPair{Signer: signer, Signature: sig})
}

// Complete reports whether the gathered signatures include cryptographically
// valid signatures, over headerHash, from strictly more than two-thirds of
// as's current members.
func (s *Signed[T]) Complete(headerHash ChainHash, as *AuthoritySet) bool {
	return completeLocked(headerHash, s.Signatures, as)
}

// Block is header + ordered transaction list + the gathered multi-signature.
type Block struct {
	Header       BlockHeader    `json:"header"`
	Transactions []*Transaction `json:"transactions"`
	MultiSig     []SignerPair   `json:"multi_sig"`
}

func (b *Block) computeSelfHash() ChainHash {
	sum := crypto.Keccak256(b.Header.hashBytes())
	var out ChainHash
	copy(out[:], sum)
	return out
}

// computeTxRoot binds the header (and therefore SelfHash and every
// multi-signature gathered over it) to the exact ordered transaction list,
// not just the header fields. Without this, a block's Transactions could be
// swapped for a different set after authorities signed the header — each
// individual transaction's own signature would still verify since it covers
// only that transaction's own fields, but the block as a whole would no
// longer be the one anybody actually signed off on. An empty transaction
// list (genesis, or a header-only block in tests) roots to the zero hash
// rather than Keccak256 of nothing, so untouched call sites that never set
// TxRoot still round-trip.
func (b *Block) computeTxRoot() ChainHash {
	if len(b.Transactions) == 0 {
		return zeroChainHash
	}
	var buf bytes.Buffer
	for _, tx := range b.Transactions {
		buf.Write(tx.SelfHash[:])
	}
	sum := crypto.Keccak256(buf.Bytes())
	var out ChainHash
	copy(out[:], sum)
	return out
}

// AuthoritySet maps authority index to public key. Members are added with
// Add (LoadAuthoritySet seeds the set from a keys file) and removed with
// Revoke; the chain does not apply committed AddAuthority/RevokeAuthority
// transactions to it.
type AuthoritySet struct {
	mu      sync.RWMutex
	members map[uint64]Address
	next    uint64
}

// NewAuthoritySet creates an empty authority set.
func NewAuthoritySet() *AuthoritySet {
	return &AuthoritySet{members: make(map[uint64]Address)}
}

// Add registers a new authority, returning its index.
func (as *AuthoritySet) Add(addr Address) uint64 {
	as.mu.Lock()
	defer as.mu.Unlock()
	idx := as.next
	as.members[idx] = addr
	as.next++
	return idx
}

// Revoke removes an authority by index.
func (as *AuthoritySet) Revoke(idx uint64) {
	as.mu.Lock()
	defer as.mu.Unlock()
	delete(as.members, idx)
}

// Count returns the current authority count.
func (as *AuthoritySet) Count() int {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return len(as.members)
}

// Contains reports whether addr is a current authority.
func (as *AuthoritySet) Contains(addr Address) bool {
	as.mu.RLock()
	defer as.mu.RUnlock()
	for _, m := range as.members {
		if m == addr {
			return true
		}
	}
	return false
}

// LoadAuthoritySet reads a newline-delimited file of hex-encoded Ed25519
// public keys into a fresh AuthoritySet, one authority per line, blank lines
// and lines starting with '#' ignored. A missing file yields an empty set,
// with which no block can reach the multi-signature threshold.
func LoadAuthoritySet(path string) (*AuthoritySet, error) {
	as := NewAuthoritySet()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return as, nil
		}
		return nil, fmt.Errorf("%w: read authority keys: %v", ErrIo, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		raw, err := hex.DecodeString(line)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("core: malformed authority key %q", line)
		}
		var addr Address
		copy(addr[:], raw)
		as.Add(addr)
	}
	return as, nil
}

// Blockchain is the C4 engine: an ordered, hash-linked, persisted sequence
// of blocks plus the in-memory fork table, grounded on the teacher's Ledger
// (core/ledger.go) and ChainForkManager (core/chain_fork_manager.go).
type Blockchain struct {
	mu         sync.Mutex
	logger     *logrus.Logger
	path       string
	blocks     []*Block
	blockIndex map[ChainHash]*Block
	forks      map[ChainHash][]*Block
	authority  *AuthoritySet
}

// maxBlocksPerRange and maxBlockSize bound catch-up range transfers per
// spec.md §4.3/§4.5.
const (
	maxBlocksPerRange = 500
	maxBlockSize       = 4 << 20 // 4 MiB
)

// NewBlockchain loads a persisted chain from path (newline-delimited JSON
// blocks, spec.md §6) or creates a fresh genesis block if none exists.
func NewBlockchain(path string, authority *AuthoritySet, lg *logrus.Logger) (*Blockchain, error) {
	bc := &Blockchain{
		logger:     lg,
		path:       path,
		blockIndex: make(map[ChainHash]*Block),
		forks:      make(map[ChainHash][]*Block),
		authority:  authority,
	}
	if _, err := os.Stat(path); err == nil {
		if err := bc.load(); err != nil {
			return nil, fmt.Errorf("core: load chain: %w", err)
		}
	} else {
		genesis := &Block{Header: BlockHeader{ParentHash: zeroChainHash, Ordinal: 0}}
		genesis.Header.TxRoot = genesis.computeTxRoot()
		genesis.Header.SelfHash = genesis.computeSelfHash()
		bc.blocks = []*Block{genesis}
		bc.blockIndex[genesis.Header.SelfHash] = genesis
		if err := bc.persistAll(); err != nil {
			return nil, err
		}
	}
	return bc, nil
}

func (bc *Blockchain) load() error {
	f, err := os.Open(bc.path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxBlockSize)
	for sc.Scan() {
		var b Block
		if err := json.Unmarshal(sc.Bytes(), &b); err != nil {
			return fmt.Errorf("decode block: %w", err)
		}
		bc.blocks = append(bc.blocks, &b)
		bc.blockIndex[b.Header.SelfHash] = &b
	}
	return sc.Err()
}

func (bc *Blockchain) persistAll() error {
	f, err := os.Create(bc.path)
	if err != nil {
		return fmt.Errorf("%w: create chain file: %v", ErrIo, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, b := range bc.blocks {
		data, err := json.Marshal(b)
		if err != nil {
			return err
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	return w.Flush()
}

// Head returns the current chain tip.
func (bc *Blockchain) Head() *Block {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.blocks[len(bc.blocks)-1]
}

// Height returns the tip's ordinal.
func (bc *Blockchain) Height() uint64 {
	return bc.Head().Header.Ordinal
}

// ProposeBlock builds the next block on the current tip from txs and returns
// it unsigned; the caller gathers the authority signatures over its header
// hash (see gatherSignatures in artifact_service.go) and passes them to
// Commit.
func (bc *Blockchain) ProposeBlock(committer Address, txs []*Transaction) *Block {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	head := bc.blocks[len(bc.blocks)-1]
	b := &Block{
		Header: BlockHeader{
			ParentHash: head.Header.SelfHash,
			Committer:  committer,
			Ordinal:    head.Header.Ordinal + 1,
		},
		Transactions: txs,
	}
	b.Header.TxRoot = b.computeTxRoot()
	b.Header.SelfHash = b.computeSelfHash()
	return b
}

// Commit finalizes b (embedding the gathered multi-signature) and appends it
// to the chain, provided it validates against the current tip.
func (bc *Blockchain) Commit(b *Block, multiSig []SignerPair) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if err := bc.verifyContentLocked(b); err != nil {
		return err
	}
	if err := bc.validateLinkLocked(b); err != nil {
		return err
	}
	if !completeLocked(b.Header.SelfHash, multiSig, bc.authority) {
		return fmt.Errorf("%w: incomplete or invalid multi-signature", ErrInvalidBlock)
	}
	b.MultiSig = multiSig
	bc.blocks = append(bc.blocks, b)
	bc.blockIndex[b.Header.SelfHash] = b
	return bc.persistAll()
}

// verifiedSignerCount returns how many distinct signatures in sigs both
// verify over headerHash and come from a current authority member —
// duplicate signers, non-authority signers, and forged signatures all
// contribute zero, so a block can't be committed on padding alone.
func verifiedSignerCount(headerHash ChainHash, sigs []SignerPair, as *AuthoritySet) int {
	seen := make(map[Address]struct{}, len(sigs))
	count := 0
	for _, sp := range sigs {
		if _, dup := seen[sp.Signer]; dup {
			continue
		}
		if !as.Contains(sp.Signer) {
			continue
		}
		if !ed25519.Verify(ed25519.PublicKey(sp.Signer[:]), headerHash[:], sp.Signature) {
			continue
		}
		seen[sp.Signer] = struct{}{}
		count++
	}
	return count
}

// completeLocked reports whether sigs contains cryptographically valid
// signatures, over headerHash, from strictly more than two-thirds of as's
// current members.
func completeLocked(headerHash ChainHash, sigs []SignerPair, as *AuthoritySet) bool {
	total := as.Count()
	if total == 0 {
		return false
	}
	return 3*verifiedSignerCount(headerHash, sigs, as) > 2*total
}

// verifyContentLocked checks b's self-hash derivation and every embedded
// transaction's signature — checks that hold regardless of where b sits
// relative to the current tip, so both the local commit path and a forked
// remote block get them. Callers must hold bc.mu.
func (bc *Blockchain) verifyContentLocked(b *Block) error {
	if b.computeTxRoot() != b.Header.TxRoot {
		return fmt.Errorf("%w: transaction root mismatch", ErrInvalidBlock)
	}
	if b.computeSelfHash() != b.Header.SelfHash {
		return fmt.Errorf("%w: self-hash mismatch", ErrInvalidBlock)
	}
	for _, tx := range b.Transactions {
		if !tx.VerifySignature() {
			return fmt.Errorf("%w: invalid transaction signature", ErrInvalidBlock)
		}
	}
	return nil
}

// validateLinkLocked checks parent-hash link and ordinal contiguity against
// the current tip; callers must hold bc.mu.
func (bc *Blockchain) validateLinkLocked(b *Block) error {
	head := bc.blocks[len(bc.blocks)-1]
	if b.Header.ParentHash != head.Header.SelfHash {
		return fmt.Errorf("%w: parent hash mismatch", ErrInvalidBlock)
	}
	if b.Header.Ordinal != head.Header.Ordinal+1 {
		return fmt.Errorf("%w: non-contiguous ordinal", ErrInvalidBlock)
	}
	return nil
}

// ValidateProposal reports whether b is a block this chain would actually
// accept as the next block on its tip: correct self-hash, valid transaction
// signatures, and a parent link that matches the current head. It holds none
// of the multi-signature threshold logic — that's the caller's concern — so
// it's safe to call before this node has contributed its own signature, e.g.
// when a peer asks it to co-sign a proposed block.
func (bc *Blockchain) ValidateProposal(b *Block) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if err := bc.verifyContentLocked(b); err != nil {
		return err
	}
	return bc.validateLinkLocked(b)
}

// ApplyRemoteBlock validates and appends a block received over the overlay.
// On a parent mismatch the block is filed as a fork instead of being
// dropped outright, following core/chain_fork_manager.go's AddForkBlock —
// but only once its self-hash, transaction signatures, and multi-signature
// all check out, so ResolveFork can never be handed a block nobody actually
// signed. applied reports whether b actually extended the main chain (false
// for a block filed as a fork), so callers that index committed content —
// the transparency log — only do so for blocks that are actually part of
// the canonical chain.
func (bc *Blockchain) ApplyRemoteBlock(b *Block) (applied bool, err error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if err := bc.verifyContentLocked(b); err != nil {
		return false, err
	}
	if !completeLocked(b.Header.SelfHash, b.MultiSig, bc.authority) {
		return false, fmt.Errorf("%w: incomplete or invalid multi-signature", ErrInvalidBlock)
	}
	if err := bc.validateLinkLocked(b); err != nil {
		if bytesEqualChain(b.Header.ParentHash, bc.blocks[len(bc.blocks)-1].Header.SelfHash) {
			return false, err
		}
		bc.forks[b.Header.ParentHash] = append(bc.forks[b.Header.ParentHash], b)
		bc.logger.WithFields(logrus.Fields{
			"parent":  b.Header.ParentHash.String(),
			"ordinal": b.Header.Ordinal,
		}).Info("block filed as fork")
		return false, nil
	}
	bc.blocks = append(bc.blocks, b)
	bc.blockIndex[b.Header.SelfHash] = b
	return true, bc.persistAll()
}

func bytesEqualChain(a, b ChainHash) bool { return a == b }

// ResolveFork implements spec.md §4.3's "persistent fork ... resolved by
// selecting the chain whose tip has the lower hash, deterministically",
// generalizing core/chain_fork_manager.go's longest-branch recovery into a
// tip-hash comparison instead of a length comparison.
func (bc *Blockchain) ResolveFork() {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	tip := bc.blocks[len(bc.blocks)-1]
	candidates, ok := bc.forks[tip.Header.ParentHash]
	if !ok || len(candidates) == 0 {
		return
	}
	sort.Slice(candidates, func(i, j int) bool {
		return bytes.Compare(candidates[i].Header.SelfHash[:], candidates[j].Header.SelfHash[:]) < 0
	})
	best := candidates[0]
	if bytes.Compare(best.Header.SelfHash[:], tip.Header.SelfHash[:]) >= 0 {
		return
	}
	bc.blocks[len(bc.blocks)-1] = best
	bc.blockIndex[best.Header.SelfHash] = best
	delete(bc.blockIndex, tip.Header.SelfHash)
	delete(bc.forks, tip.Header.ParentHash)
	bc.logger.WithField("new_tip", best.Header.SelfHash.String()).Info("fork resolved: lower tip hash wins")
}

// BlockRange returns the blocks whose ordinal is greater than fromOrdinal, up
// to the tip and bounded by maxBlocksPerRange, gzip-compressed for the wire per
// spec.md §4.3's catch-up bound and core/blockchain_compression.go's
// gzip+JSON pattern.
func (bc *Blockchain) BlockRange(fromOrdinal uint64) ([]byte, error) {
	bc.mu.Lock()
	var out []*Block
	for _, b := range bc.blocks {
		if b.Header.Ordinal > fromOrdinal {
			out = append(out, b)
			if len(out) >= maxBlocksPerRange {
				break
			}
		}
	}
	bc.mu.Unlock()

	data, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeBlockRange reverses BlockRange's gzip+JSON encoding.
func DecodeBlockRange(data []byte) ([]*Block, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, gr); err != nil {
		return nil, err
	}
	var blocks []*Block
	if err := json.Unmarshal(buf.Bytes(), &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// CommittedEntries implements BlockSource for TransparencyLog: it decodes
// every Create transaction's payload as a LogEntry, in ordinal order.
func (bc *Blockchain) CommittedEntries() ([]*LogEntry, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	var out []*LogEntry
	for _, b := range bc.blocks {
		entries, err := decodeLogEntries(b)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

// decodeLogEntries extracts the LogEntry payload of each of b's Create
// transactions — the same decoding CommittedEntries performs across the
// whole chain, scoped to one block so a freshly-committed or
// freshly-received block can be indexed without rescanning the chain.
func decodeLogEntries(b *Block) ([]*LogEntry, error) {
	var out []*LogEntry
	for _, tx := range b.Transactions {
		if tx.Type != TxCreate {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal(tx.Payload, &e); err != nil {
			return nil, fmt.Errorf("decode log entry payload: %w", err)
		}
		out = append(out, &e)
	}
	return out, nil
}
