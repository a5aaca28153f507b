package core

// Content-address primitives for the artifact distribution core.
//
// A Hash pairs an algorithm tag with the raw digest bytes produced by that
// algorithm. The canonical string form is "<ALG>:<hex>", e.g.
// "SHA256:ab12...". Hashes are immutable and compared structurally.

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// Algorithm identifies a supported digest function.
type Algorithm uint8

const (
	SHA256 Algorithm = iota + 1
	SHA512
)

// String returns the canonical algorithm tag used in Hash's string form.
func (a Algorithm) String() string {
	switch a {
	case SHA256:
		return "SHA256"
	case SHA512:
		return "SHA512"
	default:
		return "UNKNOWN"
	}
}

// ByteLength returns the digest length this algorithm produces.
func (a Algorithm) ByteLength() int {
	switch a {
	case SHA256:
		return sha256.Size
	case SHA512:
		return sha512.Size
	default:
		return 0
	}
}

// New returns a streaming hash.Hash for this algorithm.
func (a Algorithm) New() (hash.Hash, error) {
	switch a {
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("core: unknown hash algorithm %d", a)
	}
}

func parseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToUpper(s) {
	case "SHA256":
		return SHA256, nil
	case "SHA512":
		return SHA512, nil
	default:
		return 0, fmt.Errorf("core: unknown hash algorithm %q", s)
	}
}

// Hash is an immutable, freely copyable content address: an algorithm tag
// plus the digest bytes it produced. len(Digest) always equals
// Algorithm.ByteLength().
type Hash struct {
	Algorithm Algorithm
	Digest    []byte
}

// NewHash validates that digest has the length algorithm expects.
func NewHash(alg Algorithm, digest []byte) (Hash, error) {
	if len(digest) != alg.ByteLength() {
		return Hash{}, fmt.Errorf("core: digest length %d does not match %s (want %d)", len(digest), alg, alg.ByteLength())
	}
	cp := make([]byte, len(digest))
	copy(cp, digest)
	return Hash{Algorithm: alg, Digest: cp}, nil
}

// Sum computes the hash of data under the given algorithm.
func Sum(alg Algorithm, data []byte) (Hash, error) {
	h, err := alg.New()
	if err != nil {
		return Hash{}, err
	}
	h.Write(data)
	return NewHash(alg, h.Sum(nil))
}

// SumReader computes the hash of r's contents under the given algorithm,
// streaming so the whole artifact never needs to be resident in memory.
func SumReader(alg Algorithm, r io.Reader) (Hash, error) {
	h, err := alg.New()
	if err != nil {
		return Hash{}, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return Hash{}, err
	}
	return NewHash(alg, h.Sum(nil))
}

// String renders the canonical "<ALG>:<hex>" form.
func (h Hash) String() string {
	return h.Algorithm.String() + ":" + hex.EncodeToString(h.Digest)
}

// Equal reports whether two hashes are structurally identical.
func (h Hash) Equal(o Hash) bool {
	if h.Algorithm != o.Algorithm || len(h.Digest) != len(o.Digest) {
		return false
	}
	for i := range h.Digest {
		if h.Digest[i] != o.Digest[i] {
			return false
		}
	}
	return true
}

// ParseHash parses the canonical "<ALG>:<hex>" string form produced by
// String. parse(h.String()) == h for all valid Hash values.
func ParseHash(s string) (Hash, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return Hash{}, fmt.Errorf("core: malformed hash string %q", s)
	}
	alg, err := parseAlgorithm(parts[0])
	if err != nil {
		return Hash{}, err
	}
	digest, err := hex.DecodeString(parts[1])
	if err != nil {
		return Hash{}, fmt.Errorf("core: malformed hash hex %q: %w", s, err)
	}
	return NewHash(alg, digest)
}

// multihashCode maps our algorithm tags onto the matching multiformats
// multihash function codes, so CID() below produces CIDs interoperable with
// any other multihash consumer.
func (a Algorithm) multihashCode() uint64 {
	switch a {
	case SHA256:
		return mh.SHA2_256
	case SHA512:
		return mh.SHA2_512
	default:
		return 0
	}
}

// CID returns an IPFS-compatible CIDv1 built from this hash's digest,
// re-encoded as a multihash, matching the pack's ipfs/go-cid +
// multiformats/go-multihash pairing. The overlay's provider records are keyed
// by the canonical String form (providerKey in network.go), not by this CID.
func (h Hash) CID() (cid.Cid, error) {
	code := h.Algorithm.multihashCode()
	if code == 0 {
		return cid.Cid{}, fmt.Errorf("core: no multihash code for %s", h.Algorithm)
	}
	encoded, err := mh.Encode(h.Digest, code)
	if err != nil {
		return cid.Cid{}, err
	}
	return cid.NewCidV1(cid.Raw, mh.Multihash(encoded)), nil
}
