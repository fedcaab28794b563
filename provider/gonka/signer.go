package gonka

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// signer holds a parsed requester key and the account address derived from it.
type signer struct {
	key     *secp256k1.PrivateKey
	address string // bech32 "gonka1..."
}

// newSigner parses a hex-encoded secp256k1 private key, with or without 0x.
func newSigner(hexKey string) (*signer, error) {
	hexKey = strings.TrimPrefix(strings.TrimPrefix(hexKey, "0x"), "0X")

	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(raw))
	}

	key := secp256k1.PrivKeyFromBytes(raw)
	if key.Key.IsZero() {
		return nil, fmt.Errorf("private key is zero")
	}

	addr, err := accountAddress(key.PubKey())
	if err != nil {
		return nil, err
	}
	return &signer{key: key, address: addr}, nil
}

// sign returns base64(r || s) over
// SHA256(hex(SHA256(body)) + timestamp + transferAddress).
// Signatures are RFC6979 deterministic and low-S.
func (s *signer) sign(body []byte, tsNanos int64, transferAddr string) string {
	bodyHash := sha256.Sum256(body)
	message := hex.EncodeToString(bodyHash[:]) + strconv.FormatInt(tsNanos, 10) + transferAddr
	digest := sha256.Sum256([]byte(message))

	// [recovery flag, r(32), s(32)]
	compact := ecdsa.SignCompact(s.key, digest[:], false)
	return base64.StdEncoding.EncodeToString(compact[1:])
}

// signerCache parses each distinct key once.
type signerCache struct {
	signers sync.Map // hex key -> *signer
}

func (c *signerCache) get(hexKey string) (*signer, error) {
	if s, ok := c.signers.Load(hexKey); ok {
		return s.(*signer), nil
	}
	s, err := newSigner(hexKey)
	if err != nil {
		return nil, err
	}
	actual, _ := c.signers.LoadOrStore(hexKey, s)
	return actual.(*signer), nil
}
