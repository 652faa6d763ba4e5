package timeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// Digester is a collision-resistant hash with a fixed output size.
type Digester interface {
	Name() string
	Sum(data []byte) []byte
}

const (
	AlgorithmSHA256  = "sha256"
	AlgorithmSHA3256 = "sha3-256"
	AlgorithmBLAKE3  = "blake3"
)

type sha256Digester struct{}

func (sha256Digester) Name() string { return AlgorithmSHA256 }

func (sha256Digester) Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

type sha3Digester struct{}

func (sha3Digester) Name() string { return AlgorithmSHA3256 }

func (sha3Digester) Sum(data []byte) []byte {
	sum := sha3.Sum256(data)
	return sum[:]
}

type blake3Digester struct{}

func (blake3Digester) Name() string { return AlgorithmBLAKE3 }

func (blake3Digester) Sum(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}

var (
	SHA256   Digester = sha256Digester{}
	SHA3_256 Digester = sha3Digester{}
	BLAKE3   Digester = blake3Digester{}
)

func NewDigester(name string) (Digester, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", AlgorithmSHA256:
		return SHA256, nil
	case AlgorithmSHA3256:
		return SHA3_256, nil
	case AlgorithmBLAKE3:
		return BLAKE3, nil
	default:
		return nil, fmt.Errorf("unknown digest algorithm %q", name)
	}
}

// Hasher binds a canonical encoding to a digest algorithm. It holds no state
// beyond its configuration and is safe for concurrent use.
type Hasher struct {
	canon  Canonicalizer
	digest Digester
}

func NewHasher(canon Canonicalizer, digest Digester) *Hasher {
	if canon == nil {
		canon = CanonicalJSON{}
	}
	if digest == nil {
		digest = SHA256
	}
	return &Hasher{canon: canon, digest: digest}
}

// DefaultHasher is canonical JSON with SHA-256.
func DefaultHasher() *Hasher {
	return NewHasher(CanonicalJSON{}, SHA256)
}

// NewHasherFromNames builds a hasher from configuration values.
func NewHasherFromNames(encoding, algorithm string) (*Hasher, error) {
	canon, err := NewCanonicalizer(encoding)
	if err != nil {
		return nil, err
	}
	digest, err := NewDigester(algorithm)
	if err != nil {
		return nil, err
	}
	return NewHasher(canon, digest), nil
}

func (h *Hasher) Algorithm() string { return h.digest.Name() }

func (h *Hasher) Encoding() string { return h.canon.Name() }

// Digest returns the lowercase hex digest of (prevHash, p). An empty prevHash
// means the entry has no predecessor. Hash and PrevHash are not part of
// Payload, so they can never leak into their own digest.
func (h *Hasher) Digest(prevHash string, p Payload) (string, error) {
	data, err := h.canon.Canonicalize(prevHash, p)
	if err != nil {
		return "", err
	}
	sum := h.digest.Sum(data)
	if len(sum) == 0 {
		return "", fmt.Errorf("%w: %s produced an empty digest", ErrDigest, h.digest.Name())
	}
	return hex.EncodeToString(sum), nil
}
