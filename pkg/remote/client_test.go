package remote

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/rolodex/pkg/remote/remotetest"
	"github.com/mesh-intelligence/rolodex/pkg/types"
)

func setupClient(t *testing.T) (*Client, *remotetest.Server) {
	t.Helper()
	srv := remotetest.New()
	t.Cleanup(srv.Close)
	return NewClient(srv.URL(), nil), srv
}

func testRecord(id string, version int64) *types.Record {
	now := time.Now().UTC()
	return &types.Record{
		ID:         id,
		EntityType: types.TablePeople,
		Plain:      map[string]any{"name": "Ada"},
		DeviceID:   "dev-a",
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    version,
	}
}

func TestPing(t *testing.T) {
	c, srv := setupClient(t)
	ctx := context.Background()

	assert.True(t, c.Ping(ctx))

	srv.Close()
	assert.False(t, c.Ping(ctx))
}

func TestCreateThenList(t *testing.T) {
	c, _ := setupClient(t)
	ctx := context.Background()

	version, err := c.Create(ctx, types.TablePeople, testRecord("p1", 1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	page, err := c.List(ctx, types.TablePeople, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "p1", page.Items[0].ID)
	assert.NotEmpty(t, page.NextCursor)

	// Nothing changed since that cursor.
	page2, err := c.List(ctx, types.TablePeople, page.NextCursor)
	require.NoError(t, err)
	assert.Empty(t, page2.Items)
	assert.Equal(t, page.NextCursor, page2.NextCursor)
}

func TestUpdateAndDelete(t *testing.T) {
	c, srv := setupClient(t)
	ctx := context.Background()

	rec := testRecord("p1", 1)
	_, err := c.Create(ctx, types.TablePeople, rec)
	require.NoError(t, err)

	rec.Plain["name"] = "Ada Lovelace"
	rec.Version = 2
	version, err := c.Update(ctx, types.TablePeople, rec)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	require.NoError(t, c.Delete(ctx, types.TablePeople, "p1"))
	stored := srv.Record(types.TablePeople, "p1")
	require.NotNil(t, stored)
	assert.NotNil(t, stored.DeletedAt, "remote keeps a tombstone")

	// Confirming an already-propagated delete is a no-op.
	require.NoError(t, c.Delete(ctx, types.TablePeople, "p1"))
}

func TestServerErrorsAreRetryable(t *testing.T) {
	c, srv := setupClient(t)
	ctx := context.Background()

	srv.FailNext(1)
	_, err := c.List(ctx, types.TablePeople, "")
	assert.ErrorIs(t, err, types.ErrNetworkUnavailable)
}

func TestTransportErrorsAreRetryable(t *testing.T) {
	c, srv := setupClient(t)
	srv.Close()

	_, err := c.List(context.Background(), types.TablePeople, "")
	assert.ErrorIs(t, err, types.ErrNetworkUnavailable)
}

func TestRejectionsSurfaceServerMessage(t *testing.T) {
	c, srv := setupClient(t)
	ctx := context.Background()

	srv.RejectNext(422, "invalid_payload", "encrypted content without keys")
	_, err := c.Create(ctx, types.TablePeople, testRecord("p1", 1))
	require.ErrorIs(t, err, types.ErrRemoteRejected)
	assert.Contains(t, err.Error(), "encrypted content without keys")

	var remoteErr *Error
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "invalid_payload", remoteErr.Code)
}

func TestUnknownEntityRejected(t *testing.T) {
	c, _ := setupClient(t)
	_, err := c.List(context.Background(), "not_a_table", "")
	assert.ErrorIs(t, err, types.ErrRemoteRejected)
}
