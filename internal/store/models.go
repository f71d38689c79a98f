package store

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"commitnews/api/internal/feed"
)

// ErrDuplicateRepository is returned when a repository URL is already tracked.
var ErrDuplicateRepository = errors.New("repository already tracked")

type Repository struct {
	ID        uuid.UUID
	Name      string
	URL       string
	State     feed.ReadState
	SyncedAt  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}
