package crypto

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestEncryptDecryptKey(t *testing.T) {
	blob, err := EncryptKey("0x"+testKey, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	require.Equal(t, testKey, got)

	_, err = DecryptKey(blob, "wrong")
	require.Error(t, err)
}

func TestLoadKeyPrecedence(t *testing.T) {
	blob, err := EncryptKey(testKey, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	k, err := LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	require.Equal(t, testKey, k)

	k, err = LoadKey(KeyConfig{RawPrivateKey: "0x" + testKey, EncryptedKeyPath: "/does/not/exist"})
	require.NoError(t, err)
	require.Equal(t, testKey, k)

	_, err = LoadKey(KeyConfig{})
	require.Error(t, err)

	_, err = LoadKey(KeyConfig{RawPrivateKey: "abcd"})
	require.Error(t, err)
}

func TestSignerDigestRecovers(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)

	digest := ethcrypto.Keccak256([]byte("payout"))
	sig, err := s.SignDigest(digest)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	pub, err := ethcrypto.SigToPub(digest, sig)
	require.NoError(t, err)
	require.Equal(t, s.Address(), ethcrypto.PubkeyToAddress(*pub).Hex())

	_, err = s.SignDigest([]byte("short"))
	require.Error(t, err)
}

func TestSignMessageRoundTrip(t *testing.T) {
	s, err := GenerateSigner()
	require.NoError(t, err)

	payload := []byte(`{"market_id":"m1"}`)
	sig, err := s.SignMessage(payload)
	require.NoError(t, err)

	raw, err := hex.DecodeString(sig[2:])
	require.NoError(t, err)
	require.Contains(t, []byte{27, 28}, raw[64])

	addr, err := RecoverMessageSigner(payload, sig)
	require.NoError(t, err)
	require.Equal(t, s.Address(), addr)

	other, err := RecoverMessageSigner([]byte("tampered"), sig)
	require.NoError(t, err)
	require.NotEqual(t, s.Address(), other)
}
