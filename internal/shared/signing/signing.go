// Package signing provides detached signatures for hub-originated wire
// messages. The hub signs with its CA private key; agents verify against
// the CA public key they received at enrollment. This prevents MITM
// command injection even inside the TLS tunnel.
package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// Signer creates signatures over canonical message forms.
type Signer struct {
	key *rsa.PrivateKey
}

// NewSigner creates a signer backed by the hub CA private key.
func NewSigner(key *rsa.PrivateKey) *Signer {
	return &Signer{key: key}
}

// Sign computes an RSA-PKCS1v15-SHA256 signature over
// utf8(kind|id|canonical-json(body)) and returns it hex encoded.
func (s *Signer) Sign(kind string, id int64, body []byte) (string, error) {
	digest := sha256.Sum256(Canonical(kind, id, body))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// Verifier checks signatures against the CA public key.
type Verifier struct {
	pub *rsa.PublicKey
}

// NewVerifier creates a verifier for the given CA public key.
func NewVerifier(pub *rsa.PublicKey) *Verifier {
	return &Verifier{pub: pub}
}

// Verify checks a hex-encoded signature over the canonical message form.
func (v *Verifier) Verify(kind string, id int64, body []byte, signature string) error {
	if signature == "" {
		return fmt.Errorf("missing signature")
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	digest := sha256.Sum256(Canonical(kind, id, body))
	if err := rsa.VerifyPKCS1v15(v.pub, crypto.SHA256, digest[:], sig); err != nil {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// Canonical builds the fixed signature input: kind|id|canonical-json(body).
// The body is compacted so whitespace differences never break verification.
func Canonical(kind string, id int64, body []byte) []byte {
	compact := compactJSON(body)
	out := make([]byte, 0, len(kind)+24+len(compact))
	out = append(out, kind...)
	out = append(out, '|')
	out = strconv.AppendInt(out, id, 10)
	out = append(out, '|')
	out = append(out, compact...)
	return out
}

func compactJSON(body []byte) []byte {
	if len(body) == 0 {
		return []byte("null")
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		// Not JSON — sign the raw bytes as-is.
		return body
	}
	compact, err := json.Marshal(v)
	if err != nil {
		return body
	}
	return compact
}
