package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/nacl/sign"
)

const (
	// PublicKeySize is the size of a signing public key.
	PublicKeySize = 32
	// DetachedSignatureSize is the size of a detached message signature.
	DetachedSignatureSize = sign.Overhead
)

var (
	// ErrInvalidPublicKey indicates a public key of the wrong length.
	ErrInvalidPublicKey = errors.New("invalid public key")
	// ErrInvalidSignature indicates a signature that does not verify.
	ErrInvalidSignature = errors.New("invalid signature")
)

// Signer produces detached signatures over encoded messages.
type Signer struct {
	public  [PublicKeySize]byte
	private [64]byte
}

// NewSigner generates a fresh signing key pair.
func NewSigner() (*Signer, error) {
	return newSignerFrom(rand.Reader)
}

// SignerFromSeed derives a deterministic key pair from a 32 byte seed.
func SignerFromSeed(seed []byte) (*Signer, error) {
	if len(seed) != 32 {
		return nil, fmt.Errorf("invalid seed: expected 32 bytes, got %d", len(seed))
	}
	return newSignerFrom(&seedReader{seed: seed})
}

func newSignerFrom(r io.Reader) (*Signer, error) {
	pub, priv, err := sign.GenerateKey(r)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "newSignerFrom",
			"error":    err.Error(),
		}).Error("Failed to generate signing key")
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &Signer{public: *pub, private: *priv}, nil
}

// PublicKey returns a copy of the public key.
func (s *Signer) PublicKey() []byte {
	out := make([]byte, PublicKeySize)
	copy(out, s.public[:])
	return out
}

// Sign returns the detached signature of data.
func (s *Signer) Sign(data []byte) []byte {
	signed := sign.Sign(nil, data, &s.private)
	return signed[:DetachedSignatureSize]
}

// Wipe erases the private key. The signer must not be used afterwards.
func (s *Signer) Wipe() {
	ZeroBytes(s.private[:])
}

// VerifyDetached checks a detached signature produced by Sign.
func VerifyDetached(publicKey, data, signature []byte) error {
	if len(publicKey) != PublicKeySize {
		return fmt.Errorf("%w: size %d", ErrInvalidPublicKey, len(publicKey))
	}
	if len(signature) != DetachedSignatureSize {
		return fmt.Errorf("%w: size %d", ErrInvalidSignature, len(signature))
	}
	var pub [PublicKeySize]byte
	copy(pub[:], publicKey)

	signed := make([]byte, 0, len(signature)+len(data))
	signed = append(signed, signature...)
	signed = append(signed, data...)
	if _, ok := sign.Open(nil, signed, &pub); !ok {
		return ErrInvalidSignature
	}
	return nil
}

// seedReader hands out a fixed seed once; GenerateKey reads exactly 32 bytes.
type seedReader struct {
	seed []byte
	off  int
}

func (r *seedReader) Read(p []byte) (int, error) {
	if r.off >= len(r.seed) {
		return 0, io.EOF
	}
	n := copy(p, r.seed[r.off:])
	r.off += n
	return n, nil
}
