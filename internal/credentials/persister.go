package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fclairamb/tokengate/internal/crypto"
)

// Persistence errors.
var (
	ErrNotFound = errors.New("no persisted credentials")
)

// Persister stores the credential pair outside the process.
type Persister interface {
	// Load returns ErrNotFound when nothing was persisted.
	Load(ctx context.Context) (Pair, error)
	Save(ctx context.Context, pair Pair) error
	// Delete must not fail when nothing was persisted.
	Delete(ctx context.Context) error
}

// Sealer encrypts serialized pairs bound to a profile name. A nil key stores plain JSON.
type Sealer struct {
	key []byte
	aad []byte
}

// NewSealer creates a Sealer for profile.
func NewSealer(key []byte, profile string) Sealer {
	return Sealer{key: key, aad: crypto.CredentialsAAD(profile)}
}

// Seal serializes and encrypts pair.
func (s Sealer) Seal(pair Pair) ([]byte, error) {
	plain, err := json.Marshal(pair)
	if err != nil {
		return nil, fmt.Errorf("failed to encode credentials: %w", err)
	}

	if s.key == nil {
		return plain, nil
	}

	return crypto.Encrypt(plain, s.key, s.aad)
}

// Open decrypts and decodes data produced by Seal.
func (s Sealer) Open(data []byte) (Pair, error) {
	plain := data

	if s.key != nil {
		var err error

		plain, err = crypto.Decrypt(data, s.key, s.aad)
		if err != nil {
			return Pair{}, err
		}
	}

	var pair Pair
	if err := json.Unmarshal(plain, &pair); err != nil {
		return Pair{}, fmt.Errorf("failed to decode credentials: %w", err)
	}

	return pair, nil
}
