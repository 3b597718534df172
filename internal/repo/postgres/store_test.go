package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/johnswift/contentbridge/internal/repo"
)

func TestSelectorSQL(t *testing.T) {
	tests := []struct {
		name      string
		sel       repo.Selector
		wantWhere string
		wantArgs  []any
	}{
		{
			name:      "Exact",
			sel:       repo.Selector{Root: "/content/documents/news", Scope: repo.ScopeExact},
			wantWhere: "path = $1",
			wantArgs:  []any{"/content/documents/news"},
		},
		{
			name:      "Children",
			sel:       repo.Selector{Root: "/content/documents", Scope: repo.ScopeChildren},
			wantWhere: "parent_path = $1 AND path <> $2",
			wantArgs:  []any{"/content/documents", "/content/documents"},
		},
		{
			name:      "DescendantsTyped",
			sel:       repo.Selector{Root: "/content/my_docs", Scope: repo.ScopeDescendants, Type: "ns:news"},
			wantWhere: `path LIKE $1 ESCAPE '\' AND primary_type = $2`,
			wantArgs:  []any{`/content/my\_docs/%`, "ns:news"},
		},
		{
			name:      "DescendantsOfRoot",
			sel:       repo.Selector{Root: "/", Scope: repo.ScopeDescendants},
			wantWhere: `path LIKE $1 ESCAPE '\'`,
			wantArgs:  []any{"/%"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			where, args := selectorSQL(tt.sel)
			assert.Equal(t, tt.wantWhere, where)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestLikePrefixEscapes(t *testing.T) {
	assert.Equal(t, `/a/100\%/%`, likePrefix("/a/100%"))
	assert.Equal(t, `/a/b/%`, likePrefix("/a/b/"))
}

func TestAncestors(t *testing.T) {
	assert.Equal(t,
		[]string{"/content/documents/news/news[2]", "/content/documents/news", "/content/documents", "/content", "/"},
		ancestors("/content/documents/news/news[2]"))
	assert.Equal(t, []string{"/"}, ancestors("/"))
}
