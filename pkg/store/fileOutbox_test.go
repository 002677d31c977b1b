package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/telemetry-uploader/pkg/outbox"
)

func TestFileOutbox_MissingFileIsEmpty(t *testing.T) {
	ob, err := OpenFileOutbox(filepath.Join(t.TempDir(), "nested", "outbox.jsonl"))
	require.NoError(t, err)

	pending, err := ob.HasPending(context.Background())
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestFileOutbox_PersistsAcrossOpens(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache", "outbox.jsonl")

	ob, err := OpenFileOutbox(path)
	require.NoError(t, err)
	a := outbox.Entry{Destination: "https://x/a", Payload: []byte(`{"n":1}`)}
	b := outbox.Entry{Destination: "https://x/b", Payload: []byte(`{"n":2}`)}
	require.NoError(t, ob.Requeue(ctx, a))
	require.NoError(t, ob.Requeue(ctx, b))
	require.NoError(t, ob.Close())

	reopened, err := OpenFileOutbox(path)
	require.NoError(t, err)
	n, err := reopened.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	head, ok, err := reopened.Peek(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a, head)

	// Rotate the head to the tail, the way a failed delivery does.
	require.NoError(t, reopened.Requeue(ctx, head))
	require.NoError(t, reopened.Pop(ctx))

	again, err := OpenFileOutbox(path)
	require.NoError(t, err)
	first, _, err := again.Peek(ctx)
	require.NoError(t, err)
	assert.Equal(t, b, first)
	count, err := again.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestFileOutbox_PopRequiresPeek(t *testing.T) {
	ctx := context.Background()
	ob, err := OpenFileOutbox(filepath.Join(t.TempDir(), "outbox.jsonl"))
	require.NoError(t, err)
	require.NoError(t, ob.Requeue(ctx, outbox.Entry{Destination: "d", Payload: []byte("p")}))

	assert.ErrorIs(t, ob.Pop(ctx), outbox.ErrNotPeeked)
}

func TestFileOutbox_CorruptLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{not json}\n"), 0o644))

	_, err := OpenFileOutbox(path)
	assert.ErrorContains(t, err, "line 1")
}
