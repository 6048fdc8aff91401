package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transitlive/tracker_core/internal/models"
)

type fakeKeys map[string]*models.DeviceKey

func (f fakeKeys) LookupDeviceKey(_ context.Context, hash string) (*models.DeviceKey, error) {
	return f[hash], nil
}

type failingKeys struct{}

func (failingKeys) LookupDeviceKey(context.Context, string) (*models.DeviceKey, error) {
	return nil, errors.New("connection refused")
}

func TestStaticResolve(t *testing.T) {
	static := NewStatic("secret-123",
		StaticKey{Label: "bus one", Key: "bus-one-key", VehicleID: "BUS001"},
		StaticKey{Label: "hashed", KeySHA256: strings.ToUpper(HashKey("hashed-key"))},
	)
	assert.Equal(t, 3, static.Len())

	tests := []struct {
		name      string
		key       string
		wantLabel string
		vehicleID string
	}{
		{"shared secret", "secret-123", "shared-secret", ""},
		{"vehicle bound key", "bus-one-key", "bus one", "BUS001"},
		{"pre-hashed key", "hashed-key", "hashed", ""},
		{"unknown key", "nope", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := static.Resolve(context.Background(), tt.key)
			require.NoError(t, err)
			if tt.wantLabel == "" {
				assert.Nil(t, p)
				return
			}
			require.NotNil(t, p)
			assert.Equal(t, SourceStatic, p.Source)
			assert.Equal(t, tt.wantLabel, p.Label)
			assert.Equal(t, tt.vehicleID, p.VehicleID)
		})
	}
}

func TestNewStaticSkipsEmptySecret(t *testing.T) {
	static := NewStatic("")
	assert.Equal(t, 0, static.Len())

	p, err := static.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestLoadStatic(t *testing.T) {
	dir := t.TempDir()

	t.Run("valid file", func(t *testing.T) {
		path := filepath.Join(dir, "keys.yml")
		require.NoError(t, os.WriteFile(path, []byte(`
keys:
  - label: depot tablet
    key: depot-key
  - label: bus two
    key_sha256: `+HashKey("bus-two-key")+`
    vehicle_id: BUS002
`), 0o600))

		static, err := LoadStatic("secret", path)
		require.NoError(t, err)
		assert.Equal(t, 3, static.Len())

		p, err := static.Resolve(context.Background(), "bus-two-key")
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, "BUS002", p.VehicleID)
	})

	t.Run("no path", func(t *testing.T) {
		static, err := LoadStatic("secret", "")
		require.NoError(t, err)
		assert.Equal(t, 1, static.Len())
	})

	t.Run("entry without key", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yml")
		require.NoError(t, os.WriteFile(path, []byte("keys:\n  - label: broken\n"), 0o600))

		_, err := LoadStatic("", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid device keys file")
	})

	t.Run("malformed hash", func(t *testing.T) {
		path := filepath.Join(dir, "short.yml")
		require.NoError(t, os.WriteFile(path, []byte("keys:\n  - label: short\n    key_sha256: abc\n"), 0o600))

		_, err := LoadStatic("", path)
		require.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadStatic("", filepath.Join(dir, "missing.yml"))
		require.Error(t, err)
	})
}

func TestStoreResolver(t *testing.T) {
	keys := fakeKeys{
		HashKey("active"):  {KeyHash: HashKey("active"), Label: "tablet", VehicleID: "BUS009", Active: true},
		HashKey("revoked"): {KeyHash: HashKey("revoked"), Label: "old", Active: false},
	}
	r := NewStoreResolver(keys)

	p, err := r.Resolve(context.Background(), "active")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, SourceStore, p.Source)
	assert.Equal(t, "BUS009", p.VehicleID)

	p, err = r.Resolve(context.Background(), "revoked")
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = r.Resolve(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestChainOrder(t *testing.T) {
	ctx := context.Background()
	static := NewStatic("shared")
	store := NewStoreResolver(fakeKeys{
		HashKey("shared"): {Label: "db copy", Active: true},
		HashKey("device"): {Label: "device", Active: true},
	})
	chain := Chain{static, store}

	p, err := chain.Resolve(ctx, "shared")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, SourceStatic, p.Source)

	p, err = chain.Resolve(ctx, "device")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, SourceStore, p.Source)

	p, err = chain.Resolve(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, p)

	t.Run("static match skips a failing store", func(t *testing.T) {
		chain := Chain{static, NewStoreResolver(failingKeys{})}
		p, err := chain.Resolve(ctx, "shared")
		require.NoError(t, err)
		assert.NotNil(t, p)

		_, err = chain.Resolve(ctx, "other")
		require.Error(t, err)
	})
}

func TestPrincipalCanReport(t *testing.T) {
	assert.True(t, (&Principal{}).CanReport("BUS001"))
	assert.True(t, (&Principal{VehicleID: "BUS001"}).CanReport("BUS001"))
	assert.False(t, (&Principal{VehicleID: "BUS001"}).CanReport("BUS002"))
}

func TestGenerateKey(t *testing.T) {
	key, hash, err := GenerateKey("live")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "dk_live_"))
	assert.Equal(t, HashKey(key), hash)
	assert.Len(t, hash, 64)

	other, _, err := GenerateKey("live")
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}
