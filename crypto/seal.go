package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto/ecies"
)

var ErrSealOpen = errors.New("crypto: cannot open sealed key")

// Seal encrypts a short secret to pub using ECIES over secp256k1.
func Seal(pub *PublicKey, secret []byte) ([]byte, error) {
	if pub == nil || pub.PublicKey == nil {
		return nil, errors.New("crypto: nil public key")
	}
	sealed, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(pub.PublicKey), secret, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: seal: %w", err)
	}
	return sealed, nil
}

// Open reverses Seal with the recipient's private key.
func Open(key *PrivateKey, sealed []byte) ([]byte, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, errors.New("crypto: nil private key")
	}
	secret, err := ecies.ImportECDSA(key.PrivateKey).Decrypt(sealed, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealOpen, err)
	}
	return secret, nil
}
