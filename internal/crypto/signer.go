package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/treasuryd/internal/domain"
)

// Signer is the platform signing identity. It signs ledger digests for
// payouts and attests settlement reports.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// GenerateSigner creates a Signer with a fresh random key. Used by the
// in-memory ledger driver and tests.
func GenerateSigner() (*Signer, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: generate key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// Address returns the checksummed hex address of the platform identity.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// SignDigest signs a 32-byte digest and returns [R || S || V] with V in
// {0, 1}, the form transaction signers expect.
func (s *Signer) SignDigest(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("crypto/signer: digest must be 32 bytes, got %d", len(digest))
	}
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: signing: %w", err)
	}
	return sig, nil
}

// SignMessage signs payload as a personal message:
//
//	keccak256("\x19Ethereum Signed Message:\n" || len(payload) || payload)
//
// and returns a 0x-prefixed hex signature with V in {27, 28}.
func (s *Signer) SignMessage(payload []byte) (string, error) {
	sig, err := s.SignDigest(messageHash(payload))
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverMessageSigner returns the address that produced sigHex over payload.
func RecoverMessageSigner(payload []byte, sigHex string) (string, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("crypto/signer: decode signature: %w", err)
	}
	if len(sig) != 65 {
		return "", fmt.Errorf("crypto/signer: signature must be 65 bytes, got %d", len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(messageHash(payload), sig)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub).Hex(), nil
}

func messageHash(payload []byte) []byte {
	prefix := "\x19Ethereum Signed Message:\n" + strconv.Itoa(len(payload))
	return ethcrypto.Keccak256([]byte(prefix), payload)
}

var _ domain.SigningIdentity = (*Signer)(nil)
