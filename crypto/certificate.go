package crypto

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"veilnet/core/types"

	"github.com/ethereum/go-ethereum/crypto"
)

// SignHeader attaches a certificate for key under nickname and signs h in place.
func SignHeader(h *types.Header, nickname string, key *PrivateKey) error {
	if h == nil {
		return errors.New("crypto: nil header")
	}
	if key == nil {
		return errors.New("crypto: nil private key")
	}
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return errors.New("crypto: empty nickname")
	}
	h.CreationTime = time.Unix(h.CreationTime.Unix(), 0).UTC()
	h.Certificate = &types.Certificate{
		Nickname:  nickname,
		PublicKey: key.PubKey().Bytes(),
	}
	sig, err := crypto.Sign(h.SigningDigest(), key.PrivateKey)
	if err != nil {
		return fmt.Errorf("crypto: sign header: %w", err)
	}
	h.Certificate.Signature = sig
	return nil
}
