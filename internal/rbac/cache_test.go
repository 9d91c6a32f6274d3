package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/lyceum-lms/lyceum-authz/internal/authz"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestCacheFetchPermissions(t *testing.T) {
	cache := NewCache(testRedis(t), 5*time.Minute)
	ctx := context.Background()

	loads := 0
	loader := func(ctx context.Context) ([]authz.Permission, error) {
		loads++
		return []authz.Permission{{Resource: "courses", Action: "view"}}, nil
	}

	perms, err := cache.FetchPermissions(ctx, "u1", loader)
	require.NoError(t, err)
	require.Len(t, perms, 1)
	require.Equal(t, 1, loads)

	perms, err = cache.FetchPermissions(ctx, "u1", loader)
	require.NoError(t, err)
	require.Len(t, perms, 1)
	require.Equal(t, 1, loads, "second read must come from the cache")

	// Another user does not share the entry.
	_, err = cache.FetchPermissions(ctx, "u2", loader)
	require.NoError(t, err)
	require.Equal(t, 2, loads)
}

func TestCacheClearUserCache(t *testing.T) {
	cache := NewCache(testRedis(t), 5*time.Minute)
	ctx := context.Background()

	loads := 0
	loader := func(ctx context.Context) ([]authz.Permission, error) {
		loads++
		return nil, nil
	}

	_, err := cache.FetchPermissions(ctx, "u1", loader)
	require.NoError(t, err)
	require.NoError(t, cache.ClearUserCache(ctx, "u1"))

	_, err = cache.FetchPermissions(ctx, "u1", loader)
	require.NoError(t, err)
	require.Equal(t, 2, loads, "eviction must force a reload")
}

func TestCacheRebuildsUnreadableEntry(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewCache(client, 5*time.Minute)
	ctx := context.Background()

	require.NoError(t, srv.Set("authz:user:u1:permissions", "{corrupt"))

	perms, err := cache.FetchPermissions(ctx, "u1", func(ctx context.Context) ([]authz.Permission, error) {
		return []authz.Permission{{Resource: "grades", Action: "edit"}}, nil
	})
	require.NoError(t, err)
	require.Len(t, perms, 1)

	// The corrupt entry was replaced.
	raw, err := srv.Get("authz:user:u1:permissions")
	require.NoError(t, err)
	require.Contains(t, raw, "grades")
}

func TestCacheNilClientPassthrough(t *testing.T) {
	cache := NewCache(nil, time.Minute)

	loads := 0
	loader := func(ctx context.Context) ([]authz.Permission, error) {
		loads++
		return nil, nil
	}
	_, err := cache.FetchPermissions(context.Background(), "u1", loader)
	require.NoError(t, err)
	_, err = cache.FetchPermissions(context.Background(), "u1", loader)
	require.NoError(t, err)
	require.Equal(t, 2, loads)

	require.NoError(t, cache.ClearUserCache(context.Background(), "u1"))
}
