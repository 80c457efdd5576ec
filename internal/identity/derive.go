package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfoSigning = "kraken-chat/wallet/signing/v1"

type DerivedKeys struct {
	SigningPrivateKey ed25519.PrivateKey
	SigningPublicKey  ed25519.PublicKey
}

func DeriveKeys(seedBytes []byte) (*DerivedKeys, error) {
	signingSeed, err := hkdfExpand(seedBytes, hkdfInfoSigning, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(signingSeed)
	return &DerivedKeys{
		SigningPrivateKey: priv,
		SigningPublicKey:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// WalletAddress maps a signing public key to the canonical 0x-prefixed
// lowercase hex address used as the principal identity.
func WalletAddress(signingPublicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(signingPublicKey)
	return "0x" + hex.EncodeToString(sum[len(sum)-20:])
}

// ExportPublicKey renders the signing public key in the compact base58
// form used when sharing a wallet out of band.
func ExportPublicKey(signingPublicKey ed25519.PublicKey) string {
	return "kw1" + base58.Encode(signingPublicKey)
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
