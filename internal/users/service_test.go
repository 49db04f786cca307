package users

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderdesk/orderdesk/internal/rbac"
	"github.com/orderdesk/orderdesk/internal/shared"
)

type fakeRepo struct {
	users map[string]User
	gets  atomic.Int32
}

func (f *fakeRepo) Get(ctx context.Context, id string) (*User, error) {
	f.gets.Add(1)
	u, ok := f.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, shared.ErrNotFound)
	}
	return &u, nil
}

func (f *fakeRepo) GetMany(ctx context.Context, ids []string) ([]User, error) {
	var out []User
	for _, id := range ids {
		f.gets.Add(1)
		if u, ok := f.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeRepo) FindByEmail(ctx context.Context, email string) (*User, error) {
	for _, u := range f.users {
		if u.Email == email {
			return &u, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (f *fakeRepo) List(ctx context.Context, role Role) ([]User, error) {
	var out []User
	for _, id := range []string{"A1", "D1", "DX", "S1"} {
		u, ok := f.users[id]
		if ok && (role == "" || u.Role == role) {
			out = append(out, u)
		}
	}
	return out, nil
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{users: map[string]User{
		"A1": {ID: "A1", Email: "asha@example.com", Name: "Asha Admin", Role: RoleAdmin, IsActive: true},
		"S1": {ID: "S1", Email: "sam@example.com", Name: "Sam Seller", Role: RoleSalesperson, IsActive: true},
		"D1": {ID: "D1", Email: "dana@example.com", Name: "Dana Driver", Role: RoleDistributor, IsActive: true},
		"DX": {ID: "DX", Email: "gone@example.com", Name: "Gone Driver", Role: RoleDistributor, IsActive: false},
	}}
}

func newCachedService(t *testing.T, repo *fakeRepo) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewService(repo, NewCache(client, time.Minute), nil)
}

func TestParseRole(t *testing.T) {
	cases := map[string]Role{
		"Admin":        RoleAdmin,
		" salesperson": RoleSalesperson,
		"DISTRIBUTOR":  RoleDistributor,
		"1":            RoleAdmin,
		"2":            RoleSalesperson,
		"3":            RoleDistributor,
	}
	for raw, want := range cases {
		got, err := ParseRole(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	_, err := ParseRole("4")
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestServiceGetUsesCache(t *testing.T) {
	repo := newFakeRepo()
	svc := newCachedService(t, repo)
	ctx := context.Background()

	p, err := svc.Get(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, "Sam Seller", p.Name)
	_, err = svc.Get(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), repo.gets.Load())

	_, err = svc.Get(ctx, "nobody")
	assert.ErrorIs(t, err, shared.ErrNotFound)
	_, err = svc.Get(ctx, " ")
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestServiceGetMany(t *testing.T) {
	repo := newFakeRepo()
	svc := newCachedService(t, repo)
	ctx := context.Background()

	_, err := svc.Get(ctx, "A1")
	require.NoError(t, err)
	found, err := svc.GetMany(ctx, []string{"A1", "D1", "D1", "ghost", ""})
	require.NoError(t, err)
	assert.Len(t, found, 2)
	assert.Equal(t, "Dana Driver", found["D1"].Name)
	// A1 came from cache; D1 and ghost went to the repository.
	assert.Equal(t, int32(3), repo.gets.Load())
}

func TestServiceWithoutCache(t *testing.T) {
	svc := NewService(newFakeRepo(), nil, nil)
	p, err := svc.Get(context.Background(), "D1")
	require.NoError(t, err)
	assert.Equal(t, RoleDistributor, p.Role)
}

func TestResolveActor(t *testing.T) {
	svc := NewService(newFakeRepo(), nil, nil)
	actor, err := svc.ResolveActor(context.Background(), "D1")
	require.NoError(t, err)
	assert.Equal(t, shared.Actor{ID: "D1", Role: "Distributor", Name: "Dana Driver", Email: "dana@example.com"}, actor)

	_, err = svc.ResolveActor(context.Background(), "DX")
	assert.ErrorIs(t, err, shared.ErrUnauthorized)
}

func TestListByRole(t *testing.T) {
	svc := NewService(newFakeRepo(), nil, nil)
	profiles, err := svc.ListByRole(context.Background(), RoleDistributor)
	require.NoError(t, err)
	assert.Len(t, profiles, 2)

	_, err = svc.ListByRole(context.Background(), Role("Owner"))
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestHandlerList(t *testing.T) {
	h := NewHandler(nil, NewService(newFakeRepo(), nil, nil), rbac.Middleware{})
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if role := req.Header.Get("X-Test-Role"); role != "" {
				req = req.WithContext(shared.ContextWithActor(req.Context(), shared.Actor{ID: "x", Role: role}))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Route("/users", h.MountRoutes)

	get := func(path, role string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("X-Test-Role", role)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	rec := get("/users/?role=3", "Admin")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Dana Driver")
	assert.NotContains(t, rec.Body.String(), "Sam Seller")

	assert.Equal(t, http.StatusBadRequest, get("/users/?role=owner", "Admin").Code)
	assert.Equal(t, http.StatusForbidden, get("/users/", "Distributor").Code)
}
