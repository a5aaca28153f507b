package core

// Event Loop & Command Bus (C8) — the single-threaded driver owning all
// overlay mutable state (peer list mutations aside, which the teacher's
// locks already guard — see network.go). External callers and the overlay's
// own stream handlers submit typed commands, each carrying a reply channel;
// one consumer goroutine processes them in arrival order, breaking the
// cyclic service↔event-loop reference the Design Notes call out (spec.md
// §9) by depending on the NodeCommand enum rather than on the artifact
// service directly.

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// NodeCommand is the tagged union of everything the overlay's command loop
// accepts, modeling the Design Notes' "inheritance for behavior variants →
// tagged sum type" guidance.
type NodeCommand interface{ isNodeCommand() }

type dialCmd struct {
	Addr  string
	Reply chan error
}

func (dialCmd) isNodeCommand() {}

type listPeersCmd struct {
	Reply chan []*Peer
}

func (listPeersCmd) isNodeCommand() {}

type provideCmd struct {
	Hash  Hash
	Reply chan error
}

func (provideCmd) isNodeCommand() {}

type listProvidersCmd struct {
	Hash  Hash
	Reply chan []peer.ID
}

func (listProvidersCmd) isNodeCommand() {}

type requestArtifactCmd struct {
	Peer  peer.ID
	Hash  Hash
	Reply chan artifactResult
}

func (requestArtifactCmd) isNodeCommand() {}

type artifactResult struct {
	Data []byte
	Err  error
}

type respondArtifactCmd struct {
	Hash  Hash
	Reply chan respondArtifactResult
}

func (respondArtifactCmd) isNodeCommand() {}

type respondArtifactResult struct {
	Data  []byte
	Found bool
}

type requestIdleMetricCmd struct {
	Peer  peer.ID
	Reply chan idleMetricResult
}

func (requestIdleMetricCmd) isNodeCommand() {}

type idleMetricResult struct {
	Value float64
	Err   error
}

type respondIdleMetricCmd struct {
	Reply chan float64
}

func (respondIdleMetricCmd) isNodeCommand() {}

type requestBlockUpdateCmd struct {
	Peer        peer.ID
	FromOrdinal uint64
	Reply       chan blockUpdateResult
}

func (requestBlockUpdateCmd) isNodeCommand() {}

type blockUpdateResult struct {
	Data []byte
	Err  error
}

type respondBlockUpdateCmd struct {
	FromOrdinal uint64
	Reply       chan []byte
}

func (respondBlockUpdateCmd) isNodeCommand() {}

type requestSignatureCmd struct {
	Peer  peer.ID
	Block *Block
	Reply chan signatureResult
}

func (requestSignatureCmd) isNodeCommand() {}

type signatureResult struct {
	Signature []byte
	Err       error
}

// respondSignatureCmd answers a peer's request to co-sign a proposed block,
// routed through the command loop so the local identity and authority
// membership check stay under the single serialization point. The full
// Block travels with the request, not just its header hash, so the
// responder can validate it against its own chain tip before ever signing —
// see signBlockIfValid.
type respondSignatureCmd struct {
	Block *Block
	Reply chan []byte
}

func (respondSignatureCmd) isNodeCommand() {}

// NodeStatus is the overlay snapshot the CLI `status` command surfaces
// (spec.md §6, SUPPLEMENT disk-space accounting).
type NodeStatus struct {
	PeerCount      int
	ProviderCount  int
	ChainHeight    uint64
	IdleMetric     float64
	SpaceUsed      int64
	SpaceAvailable int64
}

type statusCmd struct {
	Reply chan NodeStatus
}

func (statusCmd) isNodeCommand() {}

// Status is a synchronous convenience wrapper over statusCmd for callers
// outside the command loop (e.g. the CLI's `network status`).
func (n *Node) Status() NodeStatus {
	reply := make(chan NodeStatus, 1)
	n.Submit(statusCmd{Reply: reply})
	return <-reply
}

// Submit enqueues cmd on the node's command channel. It returns only once
// the command has been accepted for processing, not once it has completed;
// callers read their own Reply channel for the result.
func (n *Node) Submit(cmd NodeCommand) {
	n.commands <- cmd
}

// forkResolutionInterval is how often Run() asks the chain to reconcile any
// sibling fork filed at the current tip — ResolveFork only ever compares
// candidates sharing the tip's own parent hash, so a fork one node never
// recognizes as the winner would otherwise sit in bc.forks forever with
// nothing ever re-checking it.
const forkResolutionInterval = 30 * time.Second

// Run is the single consumer goroutine for n.commands, started by NewNode.
// It is the only goroutine that reads or writes n.providers.
func (n *Node) Run() {
	ticker := time.NewTicker(forkResolutionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case cmd := <-n.commands:
			n.dispatch(cmd)
		case <-ticker.C:
			n.chain.ResolveFork()
		}
	}
}

func (n *Node) dispatch(cmd NodeCommand) {
	switch c := cmd.(type) {
	case dialCmd:
		c.Reply <- n.DialSeed([]string{c.Addr})
	case listPeersCmd:
		c.Reply <- n.Peers()
	case provideCmd:
		key := c.Hash.String()
		set, ok := n.providers[key]
		if !ok {
			set = make(map[peer.ID]struct{})
			n.providers[key] = set
		}
		set[n.host.ID()] = struct{}{}
		c.Reply <- nil
	case listProvidersCmd:
		set := n.providers[c.Hash.String()]
		out := make([]peer.ID, 0, len(set))
		for p := range set {
			out = append(out, p)
		}
		c.Reply <- out
	case requestArtifactCmd:
		go func() {
			data, err := n.doRequestArtifact(c.Peer, c.Hash)
			c.Reply <- artifactResult{Data: data, Err: err}
		}()
	case respondArtifactCmd:
		go func() {
			if !n.store.Exists(c.Hash) {
				c.Reply <- respondArtifactResult{Found: false}
				return
			}
			rc, err := n.store.Pull(c.Hash)
			if err != nil {
				c.Reply <- respondArtifactResult{Found: false}
				return
			}
			defer rc.Close()
			data, err := readAllBounded(rc, int64(capArtifact))
			if err != nil {
				c.Reply <- respondArtifactResult{Found: false}
				return
			}
			c.Reply <- respondArtifactResult{Data: data, Found: true}
		}()
	case requestIdleMetricCmd:
		go func() {
			v, err := n.doRequestIdleMetric(c.Peer)
			c.Reply <- idleMetricResult{Value: v, Err: err}
		}()
	case respondIdleMetricCmd:
		c.Reply <- n.IdleMetric()
	case requestBlockUpdateCmd:
		go func() {
			data, err := n.doRequestBlockUpdate(c.Peer, c.FromOrdinal)
			c.Reply <- blockUpdateResult{Data: data, Err: err}
		}()
	case respondBlockUpdateCmd:
		go func() {
			data, err := n.chain.BlockRange(c.FromOrdinal)
			if err != nil {
				n.logger.Warnf("status: block range: %v", err)
				c.Reply <- nil
				return
			}
			c.Reply <- data
		}()
	case requestSignatureCmd:
		go func() {
			sig, err := n.doRequestSignature(c.Peer, c.Block)
			c.Reply <- signatureResult{Signature: sig, Err: err}
		}()
	case respondSignatureCmd:
		c.Reply <- n.signBlockIfValid(c.Block)
	case statusCmd:
		n.peerLock.RLock()
		peerCount := len(n.peers)
		n.peerLock.RUnlock()
		c.Reply <- NodeStatus{
			PeerCount:      peerCount,
			ProviderCount:  len(n.providers),
			ChainHeight:    n.chain.Height(),
			IdleMetric:     n.IdleMetric(),
			SpaceUsed:      n.store.SpaceUsed(),
			SpaceAvailable: n.store.SpaceAvailable(),
		}
	default:
		n.logger.Warnf("event loop: unknown command %T", cmd)
	}
}

// ---------------------------------------------------------------------
// Outbound request helpers. dispatch spawns one goroutine per call below
// rather than invoking them inline, so a slow or unreachable peer never
// blocks Run()'s single consumer loop from servicing the next command. The
// same reasoning applies above to the two respond* cases that touch disk
// (respondArtifactCmd, respondBlockUpdateCmd): they're dispatched onto their
// own goroutine too, so one peer pulling a large artifact never stalls
// every other command, including the concurrent RequestIdleMetric fan-out
// artifact_service.go's rankByIdleMetric relies on (spec.md §4.5, §5
// "cooperatively scheduled tasks on a shared multi-threaded executor").
// respondIdleMetricCmd and respondSignatureCmd stay inline; both are
// in-memory reads with no I/O to block on.
// ---------------------------------------------------------------------

func (n *Node) doRequestArtifact(p peer.ID, h Hash) ([]byte, error) {
	ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
	defer cancel()
	s, err := n.host.NewStream(ctx, p, protocol.ID(protoArtifactExchange))
	if err != nil {
		return nil, fmt.Errorf("%w: open stream: %v", ErrPeerUnreachable, err)
	}
	defer s.Close()
	if err := writeFrame(s, []byte(h.String())); err != nil {
		return nil, err
	}
	data, err := readFrame(s, capArtifact)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrArtifactNotFound
	}
	return data, nil
}

func (n *Node) doRequestIdleMetric(p peer.ID) (float64, error) {
	ctx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
	defer cancel()
	s, err := n.host.NewStream(ctx, p, protocol.ID(protoMetricExchange))
	if err != nil {
		return 0, fmt.Errorf("%w: open stream: %v", ErrPeerUnreachable, err)
	}
	defer s.Close()
	buf := make([]byte, 8)
	if _, err := readFull(s, buf); err != nil {
		return 0, fmt.Errorf("%w: read idle metric: %v", ErrPeerUnreachable, err)
	}
	return floatFromBits(leUint64(buf)), nil
}

// signBlockIfValid returns this node's Ed25519 signature over b's header
// hash if it is a current authority and independently validates b as a
// block it would actually accept — correct self-hash, valid transaction
// signatures, and a parent link that matches its own chain tip — or nil
// otherwise. A peer that only shows this node a bare header hash (not the
// block it claims to summarize) gets nothing signed: co-signing must mean
// "I verified this block," not "I signed whatever hash I was handed."
func (n *Node) signBlockIfValid(b *Block) []byte {
	if b == nil {
		return nil
	}
	self := AddressFromPublicKey(n.rawIdentity.Public().(ed25519.PublicKey))
	if n.authority == nil || !n.authority.Contains(self) {
		return nil
	}
	if err := n.chain.ValidateProposal(b); err != nil {
		return nil
	}
	return ed25519.Sign(n.rawIdentity, b.Header.SelfHash[:])
}

// sealTransaction signs tx as this node's own submission, for the
// authority-side build path that submits a Create transaction before
// gathering the rest of the committee's signatures over the block header.
func (n *Node) sealTransaction(tx *Transaction) {
	tx.Seal(n.rawIdentity)
}

// doRequestSignature asks p to co-sign the full proposed block b, not just
// its header hash — the responder needs the complete block to independently
// validate it (see signBlockIfValid) before ever producing a signature.
func (n *Node) doRequestSignature(p peer.ID, b *Block) ([]byte, error) {
	ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	defer cancel()
	s, err := n.host.NewStream(ctx, p, protocol.ID(protoBlockchainExchange))
	if err != nil {
		return nil, fmt.Errorf("%w: open stream: %v", ErrPeerUnreachable, err)
	}
	defer s.Close()
	body, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode block proposal: %w", err)
	}
	req := append([]byte{bxSigReq}, body...)
	if err := writeFrame(s, req); err != nil {
		return nil, err
	}
	sig, err := readFrame(s, 256)
	if err != nil {
		return nil, err
	}
	if len(sig) == 0 {
		return nil, fmt.Errorf("%w: peer declined to sign", ErrPeerUnreachable)
	}
	return sig, nil
}

func (n *Node) doRequestBlockUpdate(p peer.ID, fromOrdinal uint64) ([]byte, error) {
	ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
	defer cancel()
	s, err := n.host.NewStream(ctx, p, protocol.ID(protoBlockchainExchange))
	if err != nil {
		return nil, fmt.Errorf("%w: open stream: %v", ErrPeerUnreachable, err)
	}
	defer s.Close()
	ordinalBuf := make([]byte, 8)
	putUint64(ordinalBuf, fromOrdinal)
	req := append([]byte{bxCatchUp}, ordinalBuf...)
	if err := writeFrame(s, req); err != nil {
		return nil, err
	}
	return readFrame(s, capBlockchain)
}
