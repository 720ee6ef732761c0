package records

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrCodeEU/faceenroll/pkg/embedding"
	"github.com/MrCodeEU/faceenroll/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEmbedding(seed float32) *embedding.Embedding {
	var e embedding.Embedding
	for i := range e {
		e[i] = seed + float32(i)/1000
	}
	return &e
}

func vectorJSON(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("0.%d", i%10)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func TestActivation_Validate(t *testing.T) {
	assert.ErrorIs(t, Activation{}.Validate(), ErrInvalidActivation)

	bad := testEmbedding(0)
	bad[3] = float32(math.Inf(1))
	assert.ErrorIs(t, Activation{IdentityID: "a", Embedding: bad}.Validate(), ErrInvalidActivation)

	assert.NoError(t, Activation{IdentityID: "a"}.Validate())
}

func TestFileStore_ActivateAndList(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(t.TempDir(), false)
	require.NoError(t, err)
	fs.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	err = fs.ActivateIdentity(ctx, Activation{
		IdentityID:  "id-b",
		DisplayName: "Bea",
		Role:        "member",
		PhotoURL:    "file:///photos/id-b.jpg",
		Embedding:   testEmbedding(0.1),
	})
	require.NoError(t, err)
	require.NoError(t, fs.ActivateIdentity(ctx, Activation{IdentityID: "id-a", DisplayName: "Al", Role: "worker"}))

	list, err := fs.ListIdentities(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "id-a", list[0].ID)
	assert.Empty(t, list[0].Embeddings, "face skipped means no embedding")

	b := list[1]
	assert.Equal(t, "Bea", b.DisplayName)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), b.ActivatedAt)
	require.Len(t, b.Embeddings, 1)
	canonical, err := b.Embeddings[0].Canonical()
	require.NoError(t, err)
	assert.Equal(t, *testEmbedding(0.1), canonical)
}

func TestFileStore_ActivateReplaces(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(t.TempDir(), false)
	require.NoError(t, err)

	require.NoError(t, fs.ActivateIdentity(ctx, Activation{IdentityID: "id-1", DisplayName: "First", Embedding: testEmbedding(0.1)}))
	require.NoError(t, fs.ActivateIdentity(ctx, Activation{IdentityID: "id-1", DisplayName: "Second", Embedding: testEmbedding(0.2)}))

	list, err := fs.ListIdentities(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Second", list[0].DisplayName)
	assert.Len(t, list[0].Embeddings, 1)
}

func TestFileStore_LegacyShapes(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()
	fs, err := NewFileStore(dataDir, false)
	require.NoError(t, err)

	legacy := `{"id":"legacy","display_name":"Old","embeddings":[` +
		vectorJSON(128) + `,` +
		`[` + vectorJSON(128) + `],` +
		`{"descriptor":` + vectorJSON(128) + `},` +
		vectorJSON(64) + `,"junk"]}`
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "identities", "legacy.json"), []byte(legacy), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "identities", "broken.json"), []byte("{not json"), 0600))

	list, err := fs.ListIdentities(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1, "broken record file is skipped")

	shapes := []embedding.Shape{}
	for _, s := range list[0].Embeddings {
		shapes = append(shapes, s.Shape)
	}
	assert.Equal(t, []embedding.Shape{
		embedding.ShapeFlatVector,
		embedding.ShapeWrappedArray,
		embedding.ShapeNamedField,
		embedding.ShapeFlatVector,
		embedding.ShapeUnknown,
	}, shapes)

	_, err = list[0].Embeddings[3].Canonical()
	assert.ErrorIs(t, err, embedding.ErrInvalidFormat)
}

func TestFileStore_Encrypted(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()
	var key [storage.KeySize]byte
	key[5] = 9

	fs, err := NewFileStoreWithSealer(dataDir, storage.NewSealer(key))
	require.NoError(t, err)
	require.NoError(t, fs.ActivateIdentity(ctx, Activation{IdentityID: "sec", DisplayName: "Secret Name"}))

	raw, err := os.ReadFile(filepath.Join(dataDir, "identities", "sec.enc"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "Secret Name")

	rec, err := fs.Get(ctx, "sec")
	require.NoError(t, err)
	assert.Equal(t, "Secret Name", rec.DisplayName)
}

func TestFileStore_GetAndDelete(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(t.TempDir(), false)
	require.NoError(t, err)

	_, err = fs.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, fs.Delete(ctx, "missing"), ErrNotFound)

	require.NoError(t, fs.Put(ctx, IdentityRecord{ID: "x", DisplayName: "X"}))
	require.NoError(t, fs.Delete(ctx, "x"))
	_, err = fs.Get(ctx, "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIdentityRecord_JSON(t *testing.T) {
	rec := Activation{IdentityID: "j", Embedding: testEmbedding(0)}.Record()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"embeddings":[[0,0.001,`)
}
