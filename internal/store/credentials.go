package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fclairamb/tokengate/internal/credentials"
)

// CredentialPersister persists the credential pair of one profile in credential_pairs.
// It implements credentials.Persister.
type CredentialPersister struct {
	store   *Store
	profile string
	sealer  credentials.Sealer
}

// Credentials returns the persister for profile. Rows are sealed with key.
func (s *Store) Credentials(profile string, key []byte) *CredentialPersister {
	return &CredentialPersister{
		store:   s,
		profile: profile,
		sealer:  credentials.NewSealer(key, profile),
	}
}

// Load reads the pair. A missing row is credentials.ErrNotFound.
func (p *CredentialPersister) Load(ctx context.Context) (credentials.Pair, error) {
	record := new(CredentialRecord)

	err := p.store.db.NewSelect().
		Model(record).
		Where("profile = ?", p.profile).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return credentials.Pair{}, credentials.ErrNotFound
		}

		return credentials.Pair{}, fmt.Errorf("failed to load credentials: %w", err)
	}

	return p.sealer.Open(record.Data)
}

// Save upserts the pair.
func (p *CredentialPersister) Save(ctx context.Context, pair credentials.Pair) error {
	if p.profile == "" {
		return ErrEmptyProfile
	}

	data, err := p.sealer.Seal(pair)
	if err != nil {
		return err
	}

	now := time.Now()
	record := &CredentialRecord{
		Profile:   p.profile,
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = p.store.db.NewInsert().
		Model(record).
		On("CONFLICT (profile) DO UPDATE").
		Set("data = EXCLUDED.data").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	return nil
}

// Delete removes the row. Deleting a missing row is not an error.
func (p *CredentialPersister) Delete(ctx context.Context) error {
	_, err := p.store.db.NewDelete().
		Model((*CredentialRecord)(nil)).
		Where("profile = ?", p.profile).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}

	return nil
}
