package token

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/paychecklabs/paycheck/internal/store"
)

// DefaultGrace is how long a retired public key stays published in the
// JWKS so devices holding tokens minted just before a rotation still
// validate.
const DefaultGrace = 72 * time.Hour

// KeyMaterial is a freshly generated signing keypair. The private key is
// plaintext PEM here; callers envelope-encrypt it before persisting.
type KeyMaterial struct {
	Alg           store.SigningAlg
	PrivateKeyPEM string
	PublicKeyPEM  string
	KeyID         string
}

// Generate creates a signing keypair for the given algorithm: Ed25519 by
// default, ECDSA P-256 for es256. The key id is the first 16 hex chars of
// SHA-256 over the public key's DER encoding.
func Generate(alg store.SigningAlg) (*KeyMaterial, error) {
	var signer crypto.Signer
	switch alg {
	case store.SigningAlgES256:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ecdsa key: %w", err)
		}
		signer = key
	case store.SigningAlgEd25519, "":
		alg = store.SigningAlgEd25519
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ed25519 key: %w", err)
		}
		signer = key
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", alg)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}

	return &KeyMaterial{
		Alg:           alg,
		PrivateKeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})),
		PublicKeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
		KeyID:         keyIDFromDER(pubDER),
	}, nil
}

func keyIDFromDER(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])[:16]
}

// ParsePrivateKeyPEM decodes a PKCS#8 PEM private key.
func ParsePrivateKeyPEM(pemStr string) (crypto.Signer, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in private key")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("private key type %T cannot sign", key)
	}
	return signer, nil
}

// ParsePublicKeyPEM decodes a PKIX PEM public key.
func ParsePublicKeyPEM(pemStr string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in public key")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return key, nil
}

// JWK is one published verification key.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y,omitempty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	Kid string `json:"kid"`
}

// JWKS is the document served at
// /projects/{id}/.well-known/jwks.json.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// BuildJWKS returns the project's current key plus any retired keys still
// inside the grace window at the given time.
func BuildJWKS(p *store.Project, at time.Time, grace time.Duration) (*JWKS, error) {
	doc := &JWKS{Keys: make([]JWK, 0, 1+len(p.RetiredKeys))}

	current, err := jwkFromPEM(p.PublicKeyPEM, p.SigningAlg, p.KeyID)
	if err != nil {
		return nil, err
	}
	doc.Keys = append(doc.Keys, current)

	for _, retired := range p.RetiredKeys {
		if at.Sub(retired.RetiredAt) > grace {
			continue
		}
		key, err := jwkFromPEM(retired.PublicKeyPEM, retired.Alg, retired.KeyID)
		if err != nil {
			return nil, err
		}
		doc.Keys = append(doc.Keys, key)
	}
	return doc, nil
}

func jwkFromPEM(pemStr string, alg store.SigningAlg, kid string) (JWK, error) {
	pub, err := ParsePublicKeyPEM(pemStr)
	if err != nil {
		return JWK{}, err
	}

	switch key := pub.(type) {
	case ed25519.PublicKey:
		return JWK{
			Kty: "OKP",
			Crv: "Ed25519",
			X:   base64.RawURLEncoding.EncodeToString(key),
			Alg: "EdDSA",
			Use: "sig",
			Kid: kid,
		}, nil
	case *ecdsa.PublicKey:
		x := make([]byte, 32)
		y := make([]byte, 32)
		key.X.FillBytes(x)
		key.Y.FillBytes(y)
		return JWK{
			Kty: "EC",
			Crv: "P-256",
			X:   base64.RawURLEncoding.EncodeToString(x),
			Y:   base64.RawURLEncoding.EncodeToString(y),
			Alg: "ES256",
			Use: "sig",
			Kid: kid,
		}, nil
	default:
		return JWK{}, fmt.Errorf("unsupported public key type %T for alg %q", pub, alg)
	}
}
