package keys

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTable(t *testing.T) (*Table, *clock.Mock) {
	t.Helper()
	db, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "keys.db"))
	if err != nil {
		t.Fatalf("failed to open db: %s", err)
	}
	t.Cleanup(func() { db.Close() })
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewTable(db).WithClock(clk), clk
}

func TestValidateOrdering(t *testing.T) {
	ctx := context.Background()
	table, clk := newTestTable(t)

	past := clk.Now().Add(-time.Hour)
	future := clk.Now().Add(24 * time.Hour)
	_, err := table.Create(ctx, "revoked-owner", "revoked-key", nil)
	require.NoError(t, err)
	ok, err := table.Revoke(ctx, "revoked-key")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = table.Create(ctx, "expired-owner", "expired-key", &past)
	require.NoError(t, err)
	_, err = table.Create(ctx, "future-owner", "future-key", &future)
	require.NoError(t, err)
	_, err = table.Create(ctx, "forever-owner", "forever-key", nil)
	require.NoError(t, err)

	// revoked and expired: revoked wins as the active flag is checked first
	_, err = table.Create(ctx, "both-owner", "both-key", &past)
	require.NoError(t, err)
	_, err = table.Revoke(ctx, "both-key")
	require.NoError(t, err)

	testCases := []struct {
		key       string
		wantValid bool
		wantWhy   Reason
		wantOwner string
	}{
		{key: "nope", wantWhy: ReasonUnknown},
		{key: "revoked-key", wantWhy: ReasonRevoked},
		{key: "both-key", wantWhy: ReasonRevoked},
		{key: "expired-key", wantWhy: ReasonExpired},
		{key: "future-key", wantValid: true, wantOwner: "future-owner"},
		{key: "forever-key", wantValid: true, wantOwner: "forever-owner"},
	}
	for _, tc := range testCases {
		v, err := table.Validate(ctx, tc.key)
		require.NoError(t, err)
		if v.Valid != tc.wantValid || v.Reason != tc.wantWhy || v.Owner != tc.wantOwner {
			t.Errorf("Validate(%s) got %+v want valid=%v reason=%v owner=%v", tc.key, v, tc.wantValid, tc.wantWhy, tc.wantOwner)
		}
	}

	t.Log("Moving the clock past the future expiry expires the key.")
	clk.Add(48 * time.Hour)
	v, err := table.Validate(ctx, "future-key")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, ReasonExpired, v.Reason)
}

func TestCreateGeneratesKey(t *testing.T) {
	ctx := context.Background()
	table, clk := newTestTable(t)

	rec, err := table.Create(ctx, "alice", "", nil)
	require.NoError(t, err)
	assert.Len(t, rec.Key, 36)
	assert.Equal(t, "alice", rec.Owner)
	assert.True(t, rec.Active)
	assert.Nil(t, rec.ExpiresAt)
	assert.Equal(t, clk.Now(), rec.CreatedAt)

	rec2, err := table.Create(ctx, "alice", "", nil)
	require.NoError(t, err)
	assert.NotEqual(t, rec.Key, rec2.Key)

	got, err := table.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, *rec, *got)
}

func TestCreateExisting(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t)

	_, err := table.Create(ctx, "alice", "dup", nil)
	require.NoError(t, err)
	_, err = table.Create(ctx, "bob", "dup", nil)
	assert.ErrorIs(t, err, ErrExists)

	got, err := table.Get(ctx, "dup")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)
}

func TestRevokeAndDelete(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t)
	_, err := table.Create(ctx, "alice", "k1", nil)
	require.NoError(t, err)

	ok, err := table.Revoke(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	got, err := table.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, got.Active)

	ok, err = table.Revoke(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = table.Delete(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = table.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err = table.Delete(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdatePartial(t *testing.T) {
	ctx := context.Background()
	table, clk := newTestTable(t)
	expiry := clk.Now().Add(time.Hour)
	_, err := table.Create(ctx, "alice", "k1", &expiry)
	require.NoError(t, err)

	t.Log("Changing the owner leaves the expiry alone.")
	newOwner := "bob"
	ok, err := table.Update(ctx, "k1", Update{Owner: &newOwner})
	require.NoError(t, err)
	require.True(t, ok)
	got, err := table.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.Owner)
	require.NotNil(t, got.ExpiresAt)
	assert.Equal(t, expiry, *got.ExpiresAt)

	t.Log("Setting a null expiry clears it and leaves the owner alone.")
	ok, err = table.Update(ctx, "k1", Update{SetExpiry: true})
	require.NoError(t, err)
	require.True(t, ok)
	got, err = table.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.Owner)
	assert.Nil(t, got.ExpiresAt)

	later := clk.Now().Add(48 * time.Hour)
	ok, err = table.Update(ctx, "k1", Update{SetExpiry: true, ExpiresAt: &later})
	require.NoError(t, err)
	require.True(t, ok)
	got, err = table.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got.ExpiresAt)
	assert.Equal(t, later, *got.ExpiresAt)

	ok, err = table.Update(ctx, "missing", Update{Owner: &newOwner})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetAllOrdered(t *testing.T) {
	ctx := context.Background()
	table, clk := newTestTable(t)
	want := []string{"c", "a", "b"}
	for _, k := range want {
		_, err := table.Create(ctx, "owner-"+k, k, nil)
		require.NoError(t, err)
		clk.Add(time.Second)
	}
	_, err := table.Revoke(ctx, "a")
	require.NoError(t, err)

	all, err := table.GetAll(ctx)
	require.NoError(t, err)
	var got []string
	for _, rec := range all {
		got = append(got, rec.Key)
	}
	assert.Equal(t, want, got)
	assert.False(t, all[1].Active)
}

func TestParseExpiry(t *testing.T) {
	testCases := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "2030-01-02", want: time.Date(2030, 1, 2, 0, 0, 0, 0, time.UTC)},
		{in: "2030-01-02T03:04:05", want: time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)},
		{in: "2030-01-02T03:04:05Z", want: time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)},
		{in: "2030-01-02T05:04:05+02:00", want: time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)},
		{in: "next tuesday", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range testCases {
		got, err := ParseExpiry(tc.in)
		if tc.wantErr {
			assert.ErrorIs(t, err, ErrBadExpiry, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.True(t, tc.want.Equal(got), "ParseExpiry(%s) got %v want %v", tc.in, got, tc.want)
	}
}
