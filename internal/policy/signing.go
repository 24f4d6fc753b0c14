package policy

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/mkessel/twinward/internal/aas"
)

// Property idShorts of the PolicyTwin submodel.
const (
	PropPolicyJSON      = "PolicyJson"
	PropPolicyPublicKey = "PolicyPublicKeyPem"
	PropPolicySignature = "PolicySignature"
)

var (
	ErrNoPolicy         = errors.New("policy: no PolicyJson property present")
	ErrBadSignature     = errors.New("policy: signature verification failed")
	ErrUnsignedRejected = errors.New("policy: unsigned policy rejected, verification required")
)

// SignedPolicy is the distribution envelope. Signature is Base64 over
// the Ed25519 signature of the exact UTF-8 bytes of PolicyJSON. The
// bytes are never re-canonicalized before verification; whitespace and
// key order are part of the signed message.
type SignedPolicy struct {
	PolicyJSON   string
	PublicKeyPEM string
	Signature    string
}

// Signed reports whether both key and signature are present.
func (sp *SignedPolicy) Signed() bool {
	return sp.PublicKeyPEM != "" && sp.Signature != ""
}

// Verify checks the Ed25519 signature against the literal policy bytes.
func (sp *SignedPolicy) Verify() error {
	block, _ := pem.Decode([]byte(sp.PublicKeyPEM))
	if block == nil {
		return fmt.Errorf("%w: public key is not PEM", ErrBadSignature)
	}
	keyAny, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("%w: parse public key: %v", ErrBadSignature, err)
	}
	pub, ok := keyAny.(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("%w: public key is %T, want Ed25519", ErrBadSignature, keyAny)
	}
	sig, err := base64.StdEncoding.DecodeString(sp.Signature)
	if err != nil {
		return fmt.Errorf("%w: decode signature: %v", ErrBadSignature, err)
	}
	if !ed25519.Verify(pub, []byte(sp.PolicyJSON), sig) {
		return ErrBadSignature
	}
	return nil
}

// Sign produces the envelope for a policy document. Used by provisioning
// tooling and tests.
func Sign(policyJSON string, priv ed25519.PrivateKey) (*SignedPolicy, error) {
	pub := priv.Public().(ed25519.PublicKey)
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	sig := ed25519.Sign(priv, []byte(policyJSON))
	return &SignedPolicy{
		PolicyJSON:   policyJSON,
		PublicKeyPEM: string(pemBytes),
		Signature:    base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// ExtractFromSubmodel pulls the policy envelope out of the PolicyTwin
// submodel's properties. Returns ErrNoPolicy when PolicyJson is absent
// or empty.
func ExtractFromSubmodel(sm *aas.Submodel) (*SignedPolicy, error) {
	if sm == nil {
		return nil, ErrNoPolicy
	}
	sp := &SignedPolicy{}
	if v, ok := sm.PropertyValue(PropPolicyJSON); ok {
		sp.PolicyJSON, _ = v.(string)
	}
	if sp.PolicyJSON == "" {
		return nil, ErrNoPolicy
	}
	if v, ok := sm.PropertyValue(PropPolicyPublicKey); ok {
		sp.PublicKeyPEM, _ = v.(string)
	}
	if v, ok := sm.PropertyValue(PropPolicySignature); ok {
		sp.Signature, _ = v.(string)
	}
	return sp, nil
}
