package store

import (
	"context"
	"errors"
	"time"

	"github.com/dannyaudian/IMOGI-POS-sub004/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
)

// Repository is the local persistence surface: session snapshots, selection
// memory, settings (current branch), audit trail, and operator credentials.
// Business documents (orders, invoices, payment requests) live upstream and
// are never persisted here.
type Repository interface {
	SaveSession(ctx context.Context, session domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// ListSessions returns sessions newest first, optionally filtered by
	// branch and terminal (empty string matches all). A limit <= 0 lists
	// every matching session.
	ListSessions(ctx context.Context, branch string, terminal string, limit int) ([]domain.Session, error)
	DeleteSession(ctx context.Context, id string) error

	SaveSelection(ctx context.Context, terminal string, pref domain.SelectionPreference) error
	ListSelections(ctx context.Context, terminal string) ([]domain.SelectionPreference, error)

	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key string, value string) error

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, branch string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
