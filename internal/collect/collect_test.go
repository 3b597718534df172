package collect

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnswift/contentbridge/internal/migrate"
	"github.com/johnswift/contentbridge/internal/repo"
)

const seed = `[
	{"path": "/content", "primaryType": "content:folder"},
	{"path": "/content/documents", "primaryType": "content:folder"},
	{"path": "/content/documents/news", "primaryType": "content:handle"},
	{"path": "/content/documents/news/news", "primaryType": "ns:news", "properties": {"state": "published"}},
	{"path": "/content/documents/news/news[2]", "primaryType": "ns:news", "properties": {"state": "draft"}},
	{"path": "/content/documents/a", "primaryType": "content:handle"},
	{"path": "/content/documents/a/a", "primaryType": "ns:page"},
	{"path": "/content/documents/a[2]", "primaryType": "content:handle"},
	{"path": "/content/documents/a[2]/a", "primaryType": "ns:page"},
	{"path": "/content/documents/empty", "primaryType": "content:handle"},
	{"path": "/content/documents/drafts", "primaryType": "content:handle"},
	{"path": "/content/documents/drafts/drafts", "primaryType": "ns:news"},
	{"path": "/content/gallery", "primaryType": "content:folder"},
	{"path": "/content/gallery/logo.png", "primaryType": "content:handle"},
	{"path": "/content/gallery/logo.png/logo.png", "primaryType": "gallery:imageset"},
	{"path": "/content/assets", "primaryType": "content:folder"},
	{"path": "/content/assets/terms.pdf", "primaryType": "content:handle"},
	{"path": "/content/assets/terms.pdf/terms.pdf", "primaryType": "gallery:assetset"}
]`

func seededStore(t *testing.T) *repo.MemoryStore {
	t.Helper()
	s := repo.NewMemoryStore()
	require.NoError(t, s.LoadSeed(context.Background(), strings.NewReader(seed)))
	return s
}

func paths(items []migrate.Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.HandlePath)
	}
	return out
}

func TestCollectSameNameSiblingsDedup(t *testing.T) {
	params := migrate.Parameters{
		Documents: migrate.NewQueriesAndPaths(nil, []string{"/content/documents/a", "/content/documents/a[2]"}, nil, nil),
	}
	res, err := Collect(context.Background(), seededStore(t), params)
	require.NoError(t, err)

	require.Len(t, res.Items, 1)
	assert.Equal(t, migrate.Item{HandlePath: "/content/documents/a", PrimaryType: "ns:page", Kind: migrate.KindDocument}, res.Items[0])
	assert.Equal(t, 1, res.TotalDocumentCount)
	assert.Equal(t, 0, res.TotalBinaryCount)
}

func TestCollectDedupAcrossPathsAndQueries(t *testing.T) {
	params := migrate.Parameters{
		Documents: migrate.NewQueriesAndPaths(
			[]string{"/content/documents//element(*, ns:news)"},
			[]string{"/content/documents/news/news[2]"},
			nil, nil),
	}
	res, err := Collect(context.Background(), seededStore(t), params)
	require.NoError(t, err)

	// The path hits "news" first; the query then adds "drafts" only.
	assert.Equal(t, []string{"/content/documents/news", "/content/documents/drafts"}, paths(res.Items))
	seen := map[string]bool{}
	for _, it := range res.Items {
		assert.False(t, seen[it.HandlePath], "duplicate %s", it.HandlePath)
		seen[it.HandlePath] = true
	}
}

func TestCollectKindsAreIndependent(t *testing.T) {
	params := migrate.Parameters{
		Binaries: migrate.NewQueriesAndPaths(
			[]string{"select * from [gallery:assetset]"},
			[]string{"/content/gallery/logo.png", "/content/documents/news"},
			nil, nil),
		Documents: migrate.NewQueriesAndPaths(nil, []string{"/content/gallery/logo.png", "/content/documents/news"}, nil, nil),
	}
	res, err := Collect(context.Background(), seededStore(t), params)
	require.NoError(t, err)

	assert.Equal(t, []string{"/content/gallery/logo.png", "/content/assets/terms.pdf"}, paths(res.ItemsOf(migrate.KindBinary)))
	assert.Equal(t, []string{"/content/documents/news"}, paths(res.ItemsOf(migrate.KindDocument)))
	assert.Equal(t, 2, res.TotalBinaryCount)
	assert.Equal(t, 1, res.TotalDocumentCount)
	// Binaries are collected before documents.
	assert.Equal(t, migrate.KindBinary, res.Items[0].Kind)
}

func TestCollectSkipsUnusableSelectors(t *testing.T) {
	params := migrate.Parameters{
		Documents: migrate.NewQueriesAndPaths(
			[]string{"news", "delete from [ns:news]", "  "},
			[]string{
				"/content/documents/missing",
				"/content/documents",
				"/content/documents/empty",
				"/content/gallery/logo.png",
				"/content/documents/news",
			},
			nil, nil),
	}
	res, err := Collect(context.Background(), seededStore(t), params)
	require.NoError(t, err)
	assert.Equal(t, []string{"/content/documents/news"}, paths(res.Items))
	assert.Empty(t, res.Errors)
}

func TestCollectIncludesExcludes(t *testing.T) {
	params := migrate.Parameters{
		Documents: migrate.NewQueriesAndPaths(
			[]string{"/content/documents//*"},
			nil,
			[]string{"/content/documents/**"},
			[]string{"/content/documents/dr*"}),
	}
	res, err := Collect(context.Background(), seededStore(t), params)
	require.NoError(t, err)
	assert.Equal(t, []string{"/content/documents/news", "/content/documents/a"}, paths(res.Items))
}

func TestCollectCustomRoots(t *testing.T) {
	params := migrate.Parameters{
		DocumentRoots: []string{"/content/gallery"},
		Documents:     migrate.NewQueriesAndPaths(nil, []string{"/content/gallery/logo.png", "/content/documents/news"}, nil, nil),
	}
	res, err := Collect(context.Background(), seededStore(t), params)
	require.NoError(t, err)
	assert.Equal(t, []string{"/content/gallery/logo.png"}, paths(res.Items))
}

type failingStore struct {
	*repo.MemoryStore
	err error
}

func (f failingStore) ExecuteQuery(context.Context, string, repo.QueryLanguage) ([]*repo.Node, error) {
	return nil, f.err
}

func TestCollectPropagatesStoreErrors(t *testing.T) {
	boom := errors.New("session closed")
	store := failingStore{MemoryStore: seededStore(t), err: boom}
	params := migrate.Parameters{
		Documents: migrate.NewQueriesAndPaths([]string{"/content/documents//*"}, []string{"/content/documents/news"}, nil, nil),
	}

	res, err := Collect(context.Background(), store, params)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var me *migrate.Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "collect", me.Op)

	// Items found before the failure are kept.
	assert.Equal(t, []string{"/content/documents/news"}, paths(res.Items))
}

func TestQueryLanguage(t *testing.T) {
	tests := []struct {
		in     string
		want   repo.QueryLanguage
		wantOK bool
	}{
		{"/content//*", repo.XPath, true},
		{"  /content", repo.XPath, true},
		{"SELECT * FROM [nt:base]", repo.SQL, true},
		{"sElEcT * from [x]", repo.SQL, true},
		{"content//*", "", false},
		{"sel", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := queryLanguage(tt.in)
		assert.Equal(t, tt.wantOK, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
