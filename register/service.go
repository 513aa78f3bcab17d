package register

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Service exposes the register operations. It holds no balance state of its
// own; everything is read from and written to the store per call.
type Service struct {
	store       TxStore
	locker      Locker
	publisher   ClosingPublisher
	logger      *slog.Logger
	loc         *time.Location
	now         func() time.Time
	allowDelete bool
}

type Option func(*Service)

// WithLocker serialises closings per owner.
func WithLocker(l Locker) Option {
	return func(s *Service) {
		if l != nil {
			s.locker = l
		}
	}
}

// WithPublisher announces every committed closing.
func WithPublisher(p ClosingPublisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithLocation sets the timezone that defines "today".
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithNow overrides the clock for deterministic tests.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithClosingDelete enables admin deletion of closings.
func WithClosingDelete(allow bool) Option {
	return func(s *Service) { s.allowDelete = allow }
}

func NewService(store TxStore, opts ...Option) *Service {
	s := &Service{
		store:     store,
		locker:    NopLocker{},
		publisher: NopPublisher{},
		logger:    slog.Default(),
		loc:       time.UTC,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Today returns the current business date.
func (s *Service) Today() time.Time {
	return BusinessDate(s.now(), s.loc)
}

// Location returns the business timezone.
func (s *Service) Location() *time.Location { return s.loc }

// instant is the server clock as stored: UTC, microsecond precision, which
// every store can represent exactly.
func (s *Service) instant() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// =============================================================================
// USERS
// =============================================================================

// resolveOwner loads the user record behind a session identity.
func resolveOwner(ctx context.Context, store UserStore, owner OwnerID) (*User, error) {
	u, err := store.GetUser(ctx, owner)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("%w: %s", ErrOwnerNotFound, owner)
	}
	return u, nil
}

// Me returns the stored record of the caller.
func (s *Service) Me(ctx context.Context, caller Identity) (User, error) {
	u, err := resolveOwner(ctx, s.store, caller.Owner)
	if err != nil {
		return User{}, err
	}
	return *u, nil
}

// CreateUser adds a user. Admin only.
func (s *Service) CreateUser(ctx context.Context, caller Identity, username OwnerID, role Role) (User, error) {
	if !caller.IsAdmin() {
		return User{}, ErrForbidden
	}
	return s.createUser(ctx, username, role)
}

// EnsureUser creates username with role unless it already exists. Used at
// startup to bootstrap the first administrator.
func (s *Service) EnsureUser(ctx context.Context, username OwnerID, role Role) (User, error) {
	u, err := s.store.GetUser(ctx, username)
	if err != nil {
		return User{}, err
	}
	if u != nil {
		return *u, nil
	}
	return s.createUser(ctx, username, role)
}

func (s *Service) createUser(ctx context.Context, username OwnerID, role Role) (User, error) {
	name := OwnerID(strings.TrimSpace(string(username)))
	if name == "" {
		return User{}, invalid("username", "required")
	}
	if !role.Valid() {
		return User{}, invalid("role", "must be standard or admin")
	}
	u := User{Username: name, Role: role, CreatedAt: s.instant()}
	err := s.store.WithTx(ctx, func(store Store) error {
		existing, err := store.GetUser(ctx, name)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrDuplicateUser
		}
		return store.SaveUser(ctx, u)
	})
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// DeleteUser removes a user that owns no sales or closings. Admin only.
func (s *Service) DeleteUser(ctx context.Context, caller Identity, username OwnerID) error {
	if !caller.IsAdmin() {
		return ErrForbidden
	}
	if username == caller.Owner {
		return invalid("username", "cannot delete the current user")
	}
	return s.store.WithTx(ctx, func(store Store) error {
		if err := store.LockOwner(ctx, username); err != nil {
			return err
		}
		if _, err := resolveOwner(ctx, store, username); err != nil {
			return err
		}
		return store.DeleteUser(ctx, username)
	})
}

// ListUsers returns every user. Admin only.
func (s *Service) ListUsers(ctx context.Context, caller Identity) ([]User, error) {
	if !caller.IsAdmin() {
		return nil, ErrForbidden
	}
	return s.store.ListUsers(ctx)
}
