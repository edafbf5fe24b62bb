package audit

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/josedab/complianceagent/internal/canonical"
)

// Attestor signs checkpoint export artifacts with an Ed25519 key so an
// external party holding the public key can verify artifact provenance
// offline, independent of the chain store.
type Attestor struct {
	key   ed25519.PrivateKey
	keyID string
}

// NewAttestor wraps an Ed25519 private key. keyID is embedded in the token
// header so auditors can select the right public key.
func NewAttestor(key ed25519.PrivateKey, keyID string) *Attestor {
	return &Attestor{key: key, keyID: keyID}
}

// AttestationClaims is the claim set of a checkpoint attestation token.
type AttestationClaims struct {
	ChainID  string `json:"chainId"`
	Sequence uint64 `json:"sequence"`
	RootHash string `json:"rootHash"`
	jwt.RegisteredClaims
}

// Token returns a signed EdDSA JWT over (chain_id, sequence, root_hash).
func (a *Attestor) Token(c *Checkpoint, issuedAt time.Time) (string, error) {
	claims := AttestationClaims{
		ChainID:  c.ChainID,
		Sequence: c.Sequence,
		RootHash: c.RootHash,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   "complianceagent",
			Subject:  c.ChainID,
			IssuedAt: jwt.NewNumericDate(issuedAt.UTC()),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	if a.keyID != "" {
		tok.Header["kid"] = a.keyID
	}
	signed, err := tok.SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("sign attestation: %w", err)
	}
	return signed, nil
}

// VerifyAttestation validates a checkpoint attestation token against an
// Ed25519 public key and returns its claims.
func VerifyAttestation(token string, pub ed25519.PublicKey) (*AttestationClaims, error) {
	claims := &AttestationClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return pub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse attestation: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("attestation token invalid")
	}
	return claims, nil
}

// ExportArtifact renders the stable checkpoint export record consumed by
// external auditors: canonical JSON of (chainId, sequence, rootHash,
// exportedAt) plus an attestation token when an Attestor is configured.
// The format is what auditors later supply back as a verification anchor.
func ExportArtifact(c *Checkpoint, exportedAt time.Time, attestor *Attestor) ([]byte, error) {
	record := map[string]interface{}{
		"chainId":    c.ChainID,
		"sequence":   c.Sequence,
		"rootHash":   c.RootHash,
		"exportedAt": exportedAt.UTC().Format(time.RFC3339Nano),
	}
	if attestor != nil {
		token, err := attestor.Token(c, exportedAt)
		if err != nil {
			return nil, err
		}
		record["attestation"] = token
	}
	b, err := canonical.MarshalCanonical(record)
	if err != nil {
		return nil, fmt.Errorf("canonicalize export record: %w", err)
	}
	return b, nil
}
