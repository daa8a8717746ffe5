// envelope.go signs release archives with detached ed25519 envelopes and verifies them.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/example/relpack/internal/fsutil"
	"github.com/opencontainers/go-digest"
)

const (
	// EnvelopeVersion identifies the detached signature schema for release archives.
	EnvelopeVersion = "relpack.sig.v1"
	// EnvelopeSuffix is appended to the archive path to name its envelope.
	EnvelopeSuffix = ".sig.json"
	algorithm      = "ed25519"
)

// Envelope is the detached signature stored next to a release archive.
type Envelope struct {
	Version   string    `json:"version"`
	Algorithm string    `json:"algorithm"`
	Digest    string    `json:"digest"`
	Signature string    `json:"signature"`
	PublicKey string    `json:"publicKey,omitempty"`
	KeyID     string    `json:"keyId,omitempty"`
	SignedAt  time.Time `json:"signedAt"`
}

// EnvelopePath returns where the envelope for archive lives.
func EnvelopePath(archive string) string {
	return archive + EnvelopeSuffix
}

// GenerateKeyPair returns a fresh Ed25519 keypair.
func GenerateKeyPair() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

// SavePrivateKey writes the key in PKCS8 PEM form, readable only by the owner.
func SavePrivateKey(path string, key ed25519.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	return writePEM(path, "PRIVATE KEY", der, 0o600)
}

// SavePublicKey writes the key in PKIX PEM form.
func SavePublicKey(path string, key ed25519.PublicKey) error {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	return writePEM(path, "PUBLIC KEY", der, 0o644)
}

func writePEM(path, kind string, der []byte, mode os.FileMode) error {
	return fsutil.WriteAtomic(path, mode, func(w io.Writer) error {
		return pem.Encode(w, &pem.Block{Type: kind, Bytes: der})
	})
}

func readPEM(path, kind string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != kind {
		return nil, fmt.Errorf("file %s does not contain a %s", path, strings.ToLower(kind))
	}
	return block.Bytes, nil
}

// LoadPrivateKey reads an Ed25519 PKCS8 private key and derives its public half.
func LoadPrivateKey(path string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	der, err := readPEM(path, "PRIVATE KEY")
	if err != nil {
		return nil, nil, err
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("private key %s is not Ed25519", path)
	}
	return priv, priv.Public().(ed25519.PublicKey), nil
}

// LoadPublicKey reads an Ed25519 PKIX public key.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	der, err := readPEM(path, "PUBLIC KEY")
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key %s is not Ed25519", path)
	}
	return pub, nil
}

// SignFile digests path and returns a detached envelope stamped with now.
func SignFile(path string, key ed25519.PrivateKey, now time.Time) (Envelope, error) {
	if len(key) != ed25519.PrivateKeySize {
		return Envelope{}, fmt.Errorf("signing key is empty or malformed")
	}
	dgst, err := FileDigest(path)
	if err != nil {
		return Envelope{}, err
	}
	pub := key.Public().(ed25519.PublicKey)
	return Envelope{
		Version:   EnvelopeVersion,
		Algorithm: algorithm,
		Digest:    dgst.String(),
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(key, message(dgst))),
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		KeyID:     KeyID(pub),
		SignedAt:  now.UTC(),
	}, nil
}

// VerifyFile checks env against the contents of path. A nil pub falls back to
// the key embedded in the envelope.
func VerifyFile(path string, env Envelope, pub ed25519.PublicKey) error {
	switch {
	case env.Version != EnvelopeVersion:
		return fmt.Errorf("unsupported signature version %q", env.Version)
	case env.Algorithm != algorithm:
		return fmt.Errorf("unsupported signature algorithm %q", env.Algorithm)
	}
	want, err := digest.Parse(env.Digest)
	if err != nil {
		return fmt.Errorf("envelope digest: %w", err)
	}
	got, err := FileDigest(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("digest mismatch: expected %s, got %s", want, got)
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if pub == nil {
		raw, err := base64.StdEncoding.DecodeString(env.PublicKey)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return fmt.Errorf("envelope carries no usable public key")
		}
		pub = ed25519.PublicKey(raw)
	}
	if !ed25519.Verify(pub, message(got), sig) {
		return fmt.Errorf("signature verification failed for key %s", KeyID(pub))
	}
	return nil
}

// SaveEnvelope writes env as indented JSON.
func SaveEnvelope(path string, env Envelope) error {
	payload, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteAtomic(path, 0o644, func(w io.Writer) error {
		_, err := w.Write(append(payload, '\n'))
		return err
	})
}

// LoadEnvelope reads an envelope written by SaveEnvelope.
func LoadEnvelope(path string) (Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope %s: %w", path, err)
	}
	return env, nil
}

// FileDigest returns the sha256 digest of the file at path.
func FileDigest(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return digest.SHA256.FromReader(f)
}

// KeyID is a short fingerprint of pub.
func KeyID(pub ed25519.PublicKey) string {
	if len(pub) == 0 {
		return ""
	}
	sum := sha256.Sum256(pub)
	return fmt.Sprintf("ed25519:%x", sum[:6])
}

func message(d digest.Digest) []byte {
	return []byte(EnvelopeVersion + ":" + d.String())
}
