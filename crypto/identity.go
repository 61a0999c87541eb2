package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"hollowpeer/storage"
)

// KeyStore is the slice of the key-value store that holds private key material.
type KeyStore interface {
	Get(namespace string) ([]byte, error)
	Put(namespace string, value []byte) error
}

// Identity is the node keypair and the peer id derived from its public half.
type Identity struct {
	PrivateKey p2pcrypto.PrivKey
	PeerID     peer.ID
}

// LoadOrCreateIdentity loads the persisted private key, generating and persisting
// a new Ed25519 key when none is stored or the stored bytes cannot be parsed.
//
// Storage failures are logged and never returned; only key generation errors are.
func LoadOrCreateIdentity(store KeyStore, logger *slog.Logger) (*Identity, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if store != nil {
		raw, err := store.Get(storage.NamespacePrivateKey)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			logger.Info("no stored identity, generating one")
		case err != nil:
			logger.Warn("read stored identity failed, generating a new one", "err", err)
		default:
			identity, err := IdentityFromBytes(raw)
			if err == nil {
				return identity, nil
			}
			logger.Warn("stored identity is unreadable, generating a new one", "err", err)
		}
	}

	privateKey, _, err := p2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate Ed25519 key: %w", err)
	}
	identity, err := identityFromKey(privateKey)
	if err != nil {
		return nil, err
	}

	raw, err := identity.MarshalPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if store != nil {
		if err := store.Put(storage.NamespacePrivateKey, raw); err != nil {
			logger.Warn("persist identity failed", "peer_id", identity.PeerID.String(), "err", err)
		}
	}

	return identity, nil
}

// IdentityFromBytes parses protobuf-encoded private key bytes.
func IdentityFromBytes(raw []byte) (*Identity, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty private key")
	}
	privateKey, err := p2pcrypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("unmarshal private key: %w", err)
	}
	return identityFromKey(privateKey)
}

// MarshalPrivateKey returns the bytes persisted for this identity.
func (i *Identity) MarshalPrivateKey() ([]byte, error) {
	return p2pcrypto.MarshalPrivateKey(i.PrivateKey)
}

func identityFromKey(privateKey p2pcrypto.PrivKey) (*Identity, error) {
	id, err := peer.IDFromPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("derive peer id: %w", err)
	}
	return &Identity{PrivateKey: privateKey, PeerID: id}, nil
}
