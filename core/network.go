package core

// P2P Overlay (C5) — peer identity, dialing/listening, distributed provider
// records, and the four request/response sub-protocols. Built directly on
// github.com/libp2p/go-libp2p, go-libp2p-pubsub and the mdns discovery
// service, adapted from the teacher's core/network.go (NewNode,
// HandlePeerFound, DialSeed) and core/nat_traversal.go.

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	inet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"
)

// NodeID identifies a peer by its libp2p peer.ID string form.
type NodeID string

// Peer is a known overlay participant.
type Peer struct {
	ID      NodeID
	Addr    string
	Latency time.Duration
	Conn    net.Conn
}

// Message is an inbound pubsub message delivered to a Subscribe channel.
type Message struct {
	From  NodeID
	Topic string
	Data  []byte
}

// Config configures a Node.
type Config struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string
	IdentityPath   string
	IsAuthority    bool
}

const (
	protoArtifactExchange   = protocol.ID("/artifact-exchange/1")
	protoMetricExchange     = protocol.ID("/metric-exchange/1")
	protoBuildExchange      = protocol.ID("/build-exchange/1")
	protoBlockchainExchange = protocol.ID("/blockchain-exchange/1")

	capArtifact   = 100 << 20 // 100 MB
	capBuild      = 1 << 20   // 1 MB
	capBlockchain = (maxBlocksPerRange + 1) * maxBlockSize
)

// providerKey is the DHT-style key for a provider record: the hash's
// canonical string form.
type providerKey = string

// Node owns the overlay's entire mutable state. Per spec.md §5 it is the
// single serialization point: the command loop in eventloop.go is the only
// goroutine that reads or writes n.providers, so that table carries no
// mutex of its own (everything else below mirrors the teacher's
// topicLock/subLock/peerLock split, which IS shared across callers and so
// keeps its locks).
type Node struct {
	host      host.Host
	pubsub    *pubsub.PubSub
	topics    map[string]*pubsub.Topic
	subs      map[string]*pubsub.Subscription
	topicLock sync.RWMutex
	subLock   sync.RWMutex
	peerLock  sync.RWMutex
	peers     map[NodeID]*Peer
	nat       *NATManager
	ctx       context.Context
	cancel    context.CancelFunc
	cfg       Config

	identity    libp2pcrypto.PrivKey
	rawIdentity ed25519.PrivateKey
	store       *ArtifactStore
	chain       *Blockchain
	authority   *AuthoritySet

	providers map[providerKey]map[peer.ID]struct{}

	commands       chan NodeCommand
	logger         *logrus.Logger
	onBuildRequest func(rawPayload string)
	translog       *TransparencyLog
}

// SetBuildRequestHandler registers the callback invoked when an inbound
// build-exchange request arrives, wiring C6's build event loop to the
// overlay without a direct import cycle (spec.md §9 cyclic-reference note).
func (n *Node) SetBuildRequestHandler(fn func(rawPayload string)) {
	n.onBuildRequest = fn
}

// SetTransparencyLog wires the local transparency-log index so that blocks
// arriving from remote peers (SubscribeBlocks below) keep it current, not
// just the chain itself. Optional and late-bound like
// SetBuildRequestHandler: a node with no transparency log attached (e.g. in
// tests that only exercise the overlay) simply skips the refresh.
func (n *Node) SetTransparencyLog(tl *TransparencyLog) {
	n.translog = tl
}

// NewNode creates and bootstraps a Pyrsia overlay node.
func NewNode(cfg Config, store *ArtifactStore, chain *Blockchain, authority *AuthoritySet, lg *logrus.Logger) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())

	rawPriv, p2pPriv, err := LoadOrCreateIdentity(cfg.IdentityPath)
	if err != nil {
		cancel()
		return nil, err
	}

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr), libp2p.Identity(p2pPriv))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("core: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("core: create pubsub: %w", err)
	}

	n := &Node{
		host:      h,
		pubsub:    ps,
		topics:    make(map[string]*pubsub.Topic),
		subs:      make(map[string]*pubsub.Subscription),
		peers:     make(map[NodeID]*Peer),
		providers: make(map[providerKey]map[peer.ID]struct{}),
		commands:  make(chan NodeCommand, 256),
		ctx:       ctx,
		cancel:    cancel,
		cfg:         cfg,
		identity:    p2pPriv,
		rawIdentity: rawPriv,
		store:       store,
		chain:       chain,
		authority:   authority,
		logger:      lg,
	}

	if natMgr, err := NewNATManager(); err == nil {
		if port, err := parsePort(cfg.ListenAddr); err == nil {
			if err := natMgr.Map(port); err != nil {
				lg.Warnf("nat map failed: %v", err)
			}
		}
		n.nat = natMgr
	} else {
		lg.Warnf("nat discovery failed: %v", err)
	}

	n.registerProtocolHandlers()

	if err := n.DialSeed(cfg.BootstrapPeers); err != nil {
		lg.Warnf("dial seed warning: %v", err)
	}

	mdns.NewMdnsService(h, cfg.DiscoveryTag, n)

	go n.Run()

	// Advertise providership for every artifact already in the local store.
	if store != nil {
		hashes, err := store.ListHashes()
		if err != nil {
			lg.Warnf("list stored artifacts: %v", err)
		}
		for _, h := range hashes {
			reply := make(chan error, 1)
			n.Submit(provideCmd{Hash: h, Reply: reply})
			<-reply
		}
	}

	return n, nil
}

var _ mdns.Notifee = (*Node)(nil)

// HandlePeerFound implements mdns.Notifee: connect to a peer discovered on
// the LAN, ignoring self and already-known peers.
func (n *Node) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	n.peerLock.RLock()
	_, exists := n.peers[NodeID(info.ID.String())]
	n.peerLock.RUnlock()
	if exists {
		return
	}
	if err := n.host.Connect(n.ctx, info); err != nil {
		n.logger.Warnf("failed to connect to discovered peer %s: %v", info.ID, err)
		return
	}
	n.peerLock.Lock()
	n.peers[NodeID(info.ID.String())] = &Peer{ID: NodeID(info.ID.String()), Addr: info.String()}
	n.peerLock.Unlock()
	n.logger.Infof("connected to peer %s via mdns", info.ID)
}

// DialSeed connects to the configured bootstrap peers.
func (n *Node) DialSeed(seeds []string) error {
	var errs []string
	for _, addr := range seeds {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid addr %s: %v", addr, err))
			continue
		}
		if err := n.host.Connect(n.ctx, *pi); err != nil {
			errs = append(errs, fmt.Sprintf("connect %s: %v", addr, err))
			continue
		}
		n.peerLock.Lock()
		n.peers[NodeID(pi.ID.String())] = &Peer{ID: NodeID(pi.ID.String()), Addr: addr}
		n.peerLock.Unlock()
		n.logger.Infof("bootstrapped to %s", addr)
	}
	if len(errs) > 0 {
		return fmt.Errorf("core: dial errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Peers returns a snapshot of the current peer list.
func (n *Node) Peers() []*Peer {
	n.peerLock.RLock()
	defer n.peerLock.RUnlock()
	out := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	return out
}

// Broadcast publishes data on a pubsub topic, used for pushing a committed
// block to every peer (spec.md §4.3 Propagation).
func (n *Node) Broadcast(topic string, data []byte) error {
	n.topicLock.Lock()
	t, ok := n.topics[topic]
	if !ok {
		var err error
		t, err = n.pubsub.Join(topic)
		if err != nil {
			n.topicLock.Unlock()
			return fmt.Errorf("core: join topic %s: %w", topic, err)
		}
		n.topics[topic] = t
	}
	n.topicLock.Unlock()
	if err := t.Publish(n.ctx, data); err != nil {
		return fmt.Errorf("core: publish topic %s: %w", topic, err)
	}
	return nil
}

// Subscribe listens for messages on a topic, decoding each into a Message.
func (n *Node) Subscribe(topic string) (<-chan Message, error) {
	n.subLock.Lock()
	sub, ok := n.subs[topic]
	if !ok {
		var err error
		t, err2 := n.pubsub.Join(topic)
		if err2 != nil {
			n.subLock.Unlock()
			return nil, fmt.Errorf("core: join topic %s: %w", topic, err2)
		}
		n.topicLock.Lock()
		n.topics[topic] = t
		n.topicLock.Unlock()
		sub, err = t.Subscribe()
		if err != nil {
			n.subLock.Unlock()
			return nil, fmt.Errorf("core: subscribe topic %s: %w", topic, err)
		}
		n.subs[topic] = sub
	}
	n.subLock.Unlock()

	out := make(chan Message)
	go func() {
		for {
			msg, err := sub.Next(n.ctx)
			if err != nil {
				n.logger.Warnf("subscription next error: %v", err)
				close(out)
				return
			}
			out <- Message{From: NodeID(msg.GetFrom().String()), Topic: topic, Data: msg.Data}
		}
	}()
	return out, nil
}

// Context returns the node's lifetime context, cancelled by Close.
func (n *Node) Context() context.Context { return n.ctx }

// RawPublicKey returns this node's Ed25519 public key, used to derive its
// blockchain Address.
func (n *Node) RawPublicKey() ed25519.PublicKey {
	return n.rawIdentity.Public().(ed25519.PublicKey)
}

// Close tears down the node.
func (n *Node) Close() error {
	n.cancel()
	if n.nat != nil {
		_ = n.nat.Unmap()
	}
	return n.host.Close()
}

// ---------------------------------------------------------------------
// Sub-protocol stream handlers (spec.md §4.5 table)
// ---------------------------------------------------------------------

func (n *Node) registerProtocolHandlers() {
	n.host.SetStreamHandler(protoArtifactExchange, n.handleArtifactExchange)
	n.host.SetStreamHandler(protoMetricExchange, n.handleMetricExchange)
	n.host.SetStreamHandler(protoBuildExchange, n.handleBuildExchange)
	n.host.SetStreamHandler(protoBlockchainExchange, n.handleBlockchainExchange)
}

// writeFrame length-prefixes data with a uint32 big-endian length and writes
// it to w, used by every sub-protocol codec.
func writeFrame(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("%w: write frame length: %v", ErrProtocolError, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("%w: write frame body: %v", ErrProtocolError, err)
	}
	return nil
}

// readFrame reads a length-prefixed frame from r, rejecting frames whose
// declared length exceeds cap with ErrProtocolError.
func readFrame(r io.Reader, cap int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: read frame length: %v", ErrProtocolError, err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int(n) > cap {
		return nil, fmt.Errorf("%w: frame length %d exceeds cap %d", ErrProtocolError, n, cap)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(io.LimitReader(r, int64(n)), buf); err != nil {
		return nil, fmt.Errorf("%w: read frame body: %v", ErrProtocolError, err)
	}
	return buf, nil
}

// handleArtifactExchange answers inbound RequestArtifact with the stored
// bytes, or a zero-length response if the hash is absent (spec.md §4.6
// peer-side handler).
func (n *Node) handleArtifactExchange(s inet.Stream) {
	defer s.Close()
	req, err := readFrame(s, capArtifact)
	if err != nil {
		n.logger.Warnf("artifact-exchange: %v", err)
		return
	}
	h, err := ParseHash(string(req))
	if err != nil {
		n.logger.Warnf("artifact-exchange: malformed hash request: %v", err)
		return
	}
	reply := make(chan respondArtifactResult, 1)
	n.Submit(respondArtifactCmd{Hash: h, Reply: reply})
	res := <-reply
	writeFrame(s, res.Data)
}

// handleMetricExchange answers with this node's current idle metric,
// 8-byte little-endian IEEE-754 per spec.md §9 Open Questions.
func (n *Node) handleMetricExchange(s inet.Stream) {
	defer s.Close()
	reply := make(chan float64, 1)
	n.Submit(respondIdleMetricCmd{Reply: reply})
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, floatBits(<-reply))
	s.Write(buf)
}

// handleBuildExchange acknowledges an inbound build request; the build
// event loop (buildloop.go) is wired in via SetBuildRequestHandler, breaking
// the overlay↔build-loop cyclic reference the same way eventloop.go breaks
// overlay↔artifact-service.
func (n *Node) handleBuildExchange(s inet.Stream) {
	defer s.Close()
	req, err := readFrame(s, capBuild)
	if err != nil {
		n.logger.Warnf("build-exchange: %v", err)
		return
	}
	if n.onBuildRequest != nil {
		n.onBuildRequest(string(req))
	}
	writeFrame(s, []byte("ack"))
}

// blockchain-exchange request tags. The protocol carries two distinct uses
// of one "opaque serialized payload" codec (spec.md §4.5 table): a catch-up
// range request, and a signature-gathering request during block commit
// (spec.md §4.3 "gathers partial signatures from peers"). Committed-block
// propagation itself goes over the pubsub topic below, not this
// request/response protocol — see blockCommitTopic.
const (
	bxCatchUp byte = 0x01
	bxSigReq  byte = 0x02
)

// blockCommitTopic is the pubsub topic every committed block is published
// on, grounded on the teacher's gossipsub-backed Broadcast/Subscribe
// (core/network.go BroadcastOrphanBlock/SubscribeOrphanBlocks) rather than a
// hand-rolled per-peer fanout.
const blockCommitTopic = "pyrsia/blockchain/commits/1"

// PublishBlock broadcasts a newly committed block to every peer.
func (n *Node) PublishBlock(b *Block) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return n.Broadcast(blockCommitTopic, data)
}

// SubscribeBlocks decodes inbound committed-block broadcasts and applies
// each to the local chain.
func (n *Node) SubscribeBlocks() error {
	ch, err := n.Subscribe(blockCommitTopic)
	if err != nil {
		return err
	}
	go func() {
		for msg := range ch {
			var b Block
			if err := json.Unmarshal(msg.Data, &b); err != nil {
				n.logger.Warnf("blockchain commit broadcast: decode: %v", err)
				continue
			}
			if msg.From == NodeID(n.host.ID().String()) {
				continue
			}
			applied, err := n.chain.ApplyRemoteBlock(&b)
			if err != nil {
				n.logger.Warnf("blockchain commit broadcast: reject block %s: %v", b.Header.SelfHash, err)
				continue
			}
			if applied && n.translog != nil {
				if err := n.translog.AddEntriesFromBlock(&b); err != nil {
					n.logger.Warnf("blockchain commit broadcast: index transparency log entries: %v", err)
				}
			}
		}
	}()
	return nil
}

// handleBlockchainExchange dispatches on the request's leading tag byte.
func (n *Node) handleBlockchainExchange(s inet.Stream) {
	defer s.Close()
	req, err := readFrame(s, capBlockchain)
	if err != nil {
		n.logger.Warnf("blockchain-exchange: %v", err)
		return
	}
	if len(req) == 0 {
		return
	}
	tag, body := req[0], req[1:]
	switch tag {
	case bxCatchUp:
		if len(body) != 8 {
			n.logger.Warnf("blockchain-exchange: malformed catch-up request")
			return
		}
		reply := make(chan []byte, 1)
		n.Submit(respondBlockUpdateCmd{FromOrdinal: getUint64(body), Reply: reply})
		writeFrame(s, <-reply)
	case bxSigReq:
		var b Block
		if err := json.Unmarshal(body, &b); err != nil {
			n.logger.Warnf("blockchain-exchange: malformed signature request: %v", err)
			return
		}
		reply := make(chan []byte, 1)
		n.Submit(respondSignatureCmd{Block: &b, Reply: reply})
		writeFrame(s, <-reply)
	default:
		n.logger.Warnf("blockchain-exchange: unknown request tag %x", tag)
	}
}
