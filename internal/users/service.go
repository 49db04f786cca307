package users

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/orderdesk/orderdesk/internal/shared"
)

// Service is the actor directory. Identity and role are read here and never
// re-derived by callers.
type Service struct {
	repo   RepositoryPort
	cache  *Cache
	logger *slog.Logger
	group  singleflight.Group
}

// NewService builds Service instance. cache and logger may be nil.
func NewService(repo RepositoryPort, cache *Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cache, logger: logger}
}

// Get returns the profile of id. Concurrent misses for the same id share one
// repository lookup.
func (s *Service) Get(ctx context.Context, id string) (Profile, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Profile{}, fmt.Errorf("user id: %w", shared.ErrNotFound)
	}
	if p, ok, err := s.cache.Get(ctx, id); err != nil {
		s.logger.Warn("directory cache get", slog.String("user_id", id), slog.Any("error", err))
	} else if ok {
		return p, nil
	}
	v, err, _ := s.group.Do(id, func() (interface{}, error) {
		user, err := s.repo.Get(ctx, id)
		if err != nil {
			return Profile{}, err
		}
		p := user.Profile()
		if err := s.cache.Put(ctx, p); err != nil {
			s.logger.Warn("directory cache put", slog.String("user_id", id), slog.Any("error", err))
		}
		return p, nil
	})
	if err != nil {
		return Profile{}, err
	}
	return v.(Profile), nil
}

// GetMany resolves a set of ids. Unknown ids are absent from the result.
func (s *Service) GetMany(ctx context.Context, ids []string) (map[string]Profile, error) {
	unique := dedupe(ids)
	found, err := s.cache.GetMany(ctx, unique)
	if err != nil {
		s.logger.Warn("directory cache mget", slog.Any("error", err))
	}
	missing := make([]string, 0, len(unique))
	for _, id := range unique {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return found, nil
	}
	users, err := s.repo.GetMany(ctx, missing)
	if err != nil {
		return nil, err
	}
	fresh := make([]Profile, 0, len(users))
	for _, u := range users {
		p := u.Profile()
		found[u.ID] = p
		fresh = append(fresh, p)
	}
	if err := s.cache.Put(ctx, fresh...); err != nil {
		s.logger.Warn("directory cache put", slog.Any("error", err))
	}
	return found, nil
}

// FindByEmail returns the full account, including the password hash, for login.
func (s *Service) FindByEmail(ctx context.Context, email string) (*User, error) {
	return s.repo.FindByEmail(ctx, strings.TrimSpace(email))
}

// ListByRole returns active and inactive accounts with the given role.
func (s *Service) ListByRole(ctx context.Context, role Role) ([]Profile, error) {
	if !role.IsValid() {
		return nil, fmt.Errorf("role %q: %w", role, shared.ErrValidation)
	}
	return s.list(ctx, role)
}

// ListAll returns every account.
func (s *Service) ListAll(ctx context.Context) ([]Profile, error) {
	return s.list(ctx, "")
}

func (s *Service) list(ctx context.Context, role Role) ([]Profile, error) {
	users, err := s.repo.List(ctx, role)
	if err != nil {
		return nil, err
	}
	result := make([]Profile, 0, len(users))
	for _, u := range users {
		result = append(result, u.Profile())
	}
	return result, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ResolveActor implements the request authentication lookup. Disabled
// accounts resolve to shared.ErrUnauthorized.
func (s *Service) ResolveActor(ctx context.Context, id string) (shared.Actor, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return shared.Actor{}, err
	}
	if !p.IsActive {
		return shared.Actor{}, fmt.Errorf("user %s disabled: %w", id, shared.ErrUnauthorized)
	}
	return p.Actor(), nil
}
