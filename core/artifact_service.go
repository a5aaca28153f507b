package core

// Artifact Service (C7) — the public façade gluing C2–C6 together:
// get_artifact, the peer-side RequestArtifact handler (served directly out
// of the overlay's command loop in eventloop.go), and the authority-side
// build path (spec.md §4.6, §4.7). Concurrent fetches for the same hash
// converge onto one network transfer via golang.org/x/sync/singleflight —
// not a direct teacher dependency, but golang.org/x/sync is already pulled
// in transitively through the libp2p stack, and singleflight is the
// idiomatic ecosystem answer to exactly this invariant (see SPEC_FULL.md).

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ArtifactService is the principal entry point consumed by a registry
// surface (out of scope) or the CLI.
type ArtifactService struct {
	store  *ArtifactStore
	log    *TransparencyLog
	chain  *Blockchain
	node   *Node
	build  *BuildLoop
	sf     singleflight.Group
	logger *logrus.Logger

	isAuthority         bool
	selfAddr            Address
	maxProviderAttempts int
	probeTimeout        time.Duration
}

// ArtifactServiceConfig wires the service's collaborators.
type ArtifactServiceConfig struct {
	IsAuthority         bool
	SelfAddress         Address
	MaxProviderAttempts int
	ProbeTimeout        time.Duration
}

// NewArtifactService wires the store, transparency log, blockchain, overlay
// node and build loop into the façade, and registers the two bridges that
// break the cyclic references the Design Notes call out (spec.md §9): the
// overlay's inbound build-exchange requests feed the build loop, and a
// successful build feeds back into transparency-log submission.
func NewArtifactService(cfg ArtifactServiceConfig, store *ArtifactStore, log *TransparencyLog, chain *Blockchain, node *Node, build *BuildLoop, lg *logrus.Logger) *ArtifactService {
	if cfg.MaxProviderAttempts <= 0 {
		cfg.MaxProviderAttempts = 3
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	s := &ArtifactService{
		store:               store,
		log:                 log,
		chain:               chain,
		node:                node,
		build:               build,
		logger:              lg,
		isAuthority:         cfg.IsAuthority,
		selfAddr:            cfg.SelfAddress,
		maxProviderAttempts: cfg.MaxProviderAttempts,
		probeTimeout:        cfg.ProbeTimeout,
	}
	node.SetBuildRequestHandler(func(raw string) {
		pt, id, ok := splitBuildRequest(raw)
		if !ok {
			lg.Warnf("artifact service: malformed build-exchange request %q", raw)
			return
		}
		if _, _, err := s.build.StartBuild(context.Background(), pt, id); err != nil {
			lg.Warnf("artifact service: inbound build request %s/%s: %v", pt, id, err)
		}
	})
	build.OnSuccess(s.handleBuildSucceeded)
	return s
}

func splitBuildRequest(raw string) (packageType, packageSpecificID string, ok bool) {
	for i := 0; i < len(raw); i++ {
		if raw[i] == '\x00' {
			return raw[:i], raw[i+1:], true
		}
	}
	return "", "", false
}

// GetArtifact implements spec.md §4.6's principal operation.
func (s *ArtifactService) GetArtifact(ctx context.Context, packageType, packageSpecificID string) (result []byte, err error) {
	entry, ok := s.log.Search(packageType, packageSpecificID)
	if !ok {
		if s.isAuthority {
			buildID, _, startErr := s.build.StartBuild(ctx, packageType, packageSpecificID)
			if startErr != nil {
				return nil, startErr
			}
			return nil, fmt.Errorf("%w: build %s", ErrBuildInProgress, buildID)
		}
		return nil, ErrArtifactNotFound
	}

	h, err := ParseHash(entry.ArtifactHash)
	if err != nil {
		return nil, fmt.Errorf("core: transparency log entry has malformed hash: %w", err)
	}

	if s.store.Exists(h) {
		rc, pullErr := s.store.Pull(h)
		if pullErr != nil {
			return nil, pullErr
		}
		defer rc.Close()
		var buf bytes.Buffer
		if _, copyErr := buf.ReadFrom(rc); copyErr != nil {
			return nil, copyErr
		}
		return buf.Bytes(), nil
	}

	_, err, _ = s.sf.Do(h.String(), func() (interface{}, error) {
		return nil, s.fetchFromPeers(ctx, h)
	})
	if err != nil {
		return nil, err
	}

	rc, err := s.store.Pull(h)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// fetchFromPeers implements spec.md §4.6 steps 3–5: list providers, rank by
// idle metric, try each in order until one verifies and commits.
func (s *ArtifactService) fetchFromPeers(ctx context.Context, h Hash) error {
	providersReply := make(chan []peer.ID, 1)
	s.node.Submit(listProvidersCmd{Hash: h, Reply: providersReply})
	providers := <-providersReply
	if len(providers) == 0 {
		return ErrNoProviders
	}

	ranked := s.rankByIdleMetric(ctx, providers)

	attempts := 0
	for _, p := range ranked {
		if attempts >= s.maxProviderAttempts {
			break
		}
		attempts++

		reply := make(chan artifactResult, 1)
		s.node.Submit(requestArtifactCmd{Peer: p, Hash: h, Reply: reply})
		res := <-reply
		if res.Err != nil {
			s.logger.Warnf("artifact service: fetch %s from %s: %v", h, p, res.Err)
			continue
		}

		digest, err := Sum(h.Algorithm, res.Data)
		if err != nil || !digest.Equal(h) {
			s.logger.Warnf("artifact service: hash mismatch fetching %s from %s", h, p)
			continue
		}

		if _, err := s.store.Put(bytes.NewReader(res.Data), h); err != nil {
			s.logger.Warnf("artifact service: store put %s after fetch: %v", h, err)
			continue
		}
		return nil
	}
	return ErrTransferFailed
}

type rankedPeer struct {
	ID         peer.ID
	IdleMetric float64
}

// rankByIdleMetric probes every candidate concurrently with an overall
// deadline, then ranks responders by idle metric (higher is better), ties
// broken by lexicographic peer id (spec.md §4.5).
func (s *ArtifactService) rankByIdleMetric(ctx context.Context, providers []peer.ID) []peer.ID {
	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	type probeResult struct {
		p   peer.ID
		ok  bool
		val float64
	}
	results := make(chan probeResult, len(providers))
	for _, p := range providers {
		go func(p peer.ID) {
			reply := make(chan idleMetricResult, 1)
			s.node.Submit(requestIdleMetricCmd{Peer: p, Reply: reply})
			select {
			case r := <-reply:
				if r.Err != nil {
					results <- probeResult{p: p, ok: false}
					return
				}
				results <- probeResult{p: p, ok: true, val: r.Value}
			case <-probeCtx.Done():
				results <- probeResult{p: p, ok: false}
			}
		}(p)
	}

	var responded []rankedPeer
	for range providers {
		r := <-results
		if r.ok {
			responded = append(responded, rankedPeer{ID: r.p, IdleMetric: r.val})
		}
	}

	sort.Slice(responded, func(i, j int) bool {
		if responded[i].IdleMetric != responded[j].IdleMetric {
			return responded[i].IdleMetric > responded[j].IdleMetric
		}
		return responded[i].ID.String() < responded[j].ID.String()
	})

	out := make([]peer.ID, len(responded))
	for i, r := range responded {
		out[i] = r.ID
	}
	return out
}

// handleBuildSucceeded implements spec.md §4.7 steps 3–7: verify each
// artifact's reported hash, put verified artifacts into the store,
// construct and sign a transparency-log entry, submit it as a Create
// transaction, and advertise providership once committed.
func (s *ArtifactService) handleBuildSucceeded(ev BuildSucceededEvent) {
	verified := make([]Hash, 0, len(ev.Result.Artifacts))
	for _, a := range ev.Result.Artifacts {
		h, err := ParseHash(a.ExpectedHash)
		if err != nil {
			s.logger.Warnf("artifact service: build %s: malformed expected hash %q", ev.BuildID, a.ExpectedHash)
			return
		}
		data, err := readTempFile(a.TempLocation)
		if err != nil {
			s.logger.Warnf("artifact service: build %s: read temp artifact: %v", ev.BuildID, err)
			return
		}
		digest, err := Sum(h.Algorithm, data)
		if err != nil || !digest.Equal(h) {
			s.logger.Warnf("artifact service: build %s: hash mismatch for %s", ev.BuildID, a.TempLocation)
			return
		}
		if _, err := s.store.Put(bytes.NewReader(data), h); err != nil {
			s.logger.Warnf("artifact service: build %s: store put: %v", ev.BuildID, err)
			return
		}
		verified = append(verified, h)
	}
	if len(verified) == 0 {
		return
	}
	if len(verified) > 1 {
		// LogEntry is keyed uniquely by (package_type, package_specific_id) — one
		// transparency-log record per package, not per artifact. A build that
		// verified more than one artifact for the same package can only be
		// represented by its first; AddEntry would reject a second entry under
		// the same key as a duplicate.
		s.logger.Warnf("artifact service: build %s: %d artifacts verified for %s/%s, recording only %s",
			ev.BuildID, len(verified), ev.Result.PackageType, ev.Result.PackageSpecificID, verified[0])
	}

	entry := NewEntry(ev.Result.PackageType, ev.Result.PackageSpecificID, verified[0].String(), "", 0, s.selfAddr.String())
	payload, err := entryPayload(entry)
	if err != nil {
		s.logger.Warnf("artifact service: build %s: encode log entry: %v", ev.BuildID, err)
		return
	}

	tx := &Transaction{
		Type:      TxCreate,
		Submitter: s.selfAddr,
		Timestamp: time.Now().Unix(),
		Payload:   payload,
	}
	s.node.sealTransaction(tx)

	block := s.chain.ProposeBlock(s.selfAddr, []*Transaction{tx})
	multiSig := s.gatherSignatures(block)
	if err := s.chain.Commit(block, multiSig); err != nil {
		s.logger.Warnf("artifact service: build %s: commit block: %v", ev.BuildID, err)
		return
	}
	if err := s.node.PublishBlock(block); err != nil {
		s.logger.Warnf("artifact service: build %s: publish block: %v", ev.BuildID, err)
	}
	if err := s.log.AddEntry(entry); err != nil {
		s.logger.Warnf("artifact service: build %s: add transparency entry: %v", ev.BuildID, err)
	}
	for _, h := range verified {
		reply := make(chan error, 1)
		s.node.Submit(provideCmd{Hash: h, Reply: reply})
		<-reply
	}
}

func readTempFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIo, err)
	}
	return data, nil
}

// gatherSignatures collects partial signatures from known peers over the
// proposed block's header hash, plus the committer's own, stopping as soon
// as the authority set's completeness threshold is reached rather than
// waiting on every remaining peer (spec.md §4.3: "on reaching threshold it
// finalizes").
func (s *ArtifactService) gatherSignatures(b *Block) []SignerPair {
	var sigs []SignerPair
	if local := s.node.signBlockIfValid(b); local != nil {
		sigs = append(sigs, SignerPair{Signer: s.selfAddr, Signature: local})
	}
	if completeLocked(b.Header.SelfHash, sigs, s.chain.authority) {
		return sigs
	}

	peersReply := make(chan []*Peer, 1)
	s.node.Submit(listPeersCmd{Reply: peersReply})
	for _, p := range <-peersReply {
		pid, err := peer.Decode(string(p.ID))
		if err != nil {
			continue
		}
		pub, err := pid.ExtractPublicKey()
		if err != nil {
			continue
		}
		raw, err := pub.Raw()
		if err != nil || len(raw) != ed25519.PublicKeySize {
			continue
		}
		addr := AddressFromPublicKey(ed25519.PublicKey(raw))

		reply := make(chan signatureResult, 1)
		s.node.Submit(requestSignatureCmd{Peer: pid, Block: b, Reply: reply})
		res := <-reply
		if res.Err != nil || len(res.Signature) == 0 {
			continue
		}
		sigs = append(sigs, SignerPair{Signer: addr, Signature: res.Signature})
		if completeLocked(b.Header.SelfHash, sigs, s.chain.authority) {
			break
		}
	}
	return sigs
}
