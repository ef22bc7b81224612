package user

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repo interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	SetPassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	SetEmailVerified(ctx context.Context, id uuid.UUID, verified bool) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	SetLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error
}
