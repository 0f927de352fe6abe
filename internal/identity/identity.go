// Package identity gives this runner a stable device id.
package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"rtsfleet/internal/domain"
	"rtsfleet/internal/repo"
)

// Identity is the {id, name} pair this device publishes.
type Identity struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"createdAt"`
}

// Ref returns the identity as carried in task status records.
func (i Identity) Ref() domain.DeviceRef {
	return domain.DeviceRef{ID: i.ID, Name: i.Name}
}

// Store persists the identity in the local state database.
type Store struct {
	Repo repo.Repo
	// Name overrides the persisted name when set.
	Name     string
	Hostname func() (string, error)
	Now      func() time.Time
	NewID    func() string
}

func New(r repo.Repo, name string) *Store {
	return &Store{Repo: r, Name: name, Hostname: os.Hostname, Now: time.Now, NewID: uuid.NewString}
}

// GetOrCreate returns the stored identity, creating one on first use. A
// configured name different from the stored one is written back.
func (s *Store) GetOrCreate(ctx context.Context) (Identity, error) {
	row, err := s.Repo.GetIdentity(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		row, err = s.Repo.InsertIdentity(ctx, repo.Identity{
			ID:        s.newID(),
			Name:      s.name(),
			CreatedAt: domain.FormatTime(s.now()),
		})
	}
	if err != nil {
		return Identity{}, fmt.Errorf("device identity: %w", err)
	}
	if want := strings.TrimSpace(s.Name); want != "" && want != row.Name {
		if err := s.Repo.RenameIdentity(ctx, want); err != nil {
			return Identity{}, fmt.Errorf("rename device: %w", err)
		}
		row.Name = want
	}
	return Identity{ID: row.ID, Name: row.Name, CreatedAt: row.CreatedAt}, nil
}

func (s *Store) name() string {
	if n := strings.TrimSpace(s.Name); n != "" {
		return n
	}
	if s.Hostname != nil {
		if h, err := s.Hostname(); err == nil && strings.TrimSpace(h) != "" {
			return h
		}
	}
	return "headless"
}

func (s *Store) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
