// Package collect turns path and query selectors into the ordered, de-duplicated
// list of content items a migration run will process.
package collect

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/johnswift/contentbridge/internal/migrate"
	"github.com/johnswift/contentbridge/internal/pathutil"
	"github.com/johnswift/contentbridge/internal/repo"
)

// Collector resolves selectors against a store.
type Collector struct {
	store repo.Store
	log   *zap.Logger
}

// New creates a collector. A nil logger disables logging.
func New(store repo.Store, log *zap.Logger) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Collector{store: store, log: log.Named("collect")}
}

// Collect is shorthand for New(store, nil).Collect(ctx, params).
func Collect(ctx context.Context, store repo.Store, params migrate.Parameters) (*migrate.Result, error) {
	return New(store, nil).Collect(ctx, params)
}

// Collect runs the binary pass and then the document pass. Each pass has its
// own seen-set, so a handle is emitted at most once per kind. Malformed
// selectors are skipped; store failures abort with a *migrate.Error.
func (c *Collector) Collect(ctx context.Context, params migrate.Parameters) (*migrate.Result, error) {
	result := migrate.NewResult()

	passes := []struct {
		kind  migrate.Kind
		sel   migrate.QueriesAndPaths
		shape func(string) bool
	}{
		{migrate.KindBinary, params.Binaries, func(p string) bool { return pathutil.IsBinaryPath(p, params.BinaryRoots) }},
		{migrate.KindDocument, params.Documents, func(p string) bool { return pathutil.IsDocumentPath(p, params.DocumentRoots) }},
	}

	for _, pass := range passes {
		p := &collectPass{
			store:  c.store,
			kind:   pass.kind,
			shape:  pass.shape,
			filter: pass.sel,
			seen:   make(map[string]struct{}),
			result: result,
		}
		if err := p.run(ctx); err != nil {
			return result, &migrate.Error{Op: "collect", Err: err}
		}
		c.log.Debug("pass complete", zap.String("kind", string(pass.kind)), zap.Int("items", len(p.seen)))
	}

	c.log.Info("collected items",
		zap.Int("binaries", result.TotalBinaryCount),
		zap.Int("documents", result.TotalDocumentCount))
	return result, nil
}

type collectPass struct {
	store  repo.Store
	kind   migrate.Kind
	shape  func(string) bool
	filter migrate.QueriesAndPaths
	seen   map[string]struct{}
	result *migrate.Result
}

func (p *collectPass) run(ctx context.Context) error {
	for _, path := range p.filter.Paths() {
		if !p.shape(path) {
			continue
		}
		exists, err := p.store.NodeExists(ctx, path)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		node, err := p.store.GetNode(ctx, path)
		if errors.Is(err, repo.ErrNodeNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := p.add(ctx, node); err != nil {
			return err
		}
	}

	for _, statement := range p.filter.Queries() {
		lang, ok := queryLanguage(statement)
		if !ok {
			continue
		}
		nodes, err := p.store.ExecuteQuery(ctx, statement, lang)
		if err != nil {
			return err
		}
		for _, node := range nodes {
			if !p.shape(node.Path) {
				continue
			}
			if err := p.add(ctx, node); err != nil {
				return err
			}
		}
	}
	return nil
}

// add resolves node to its handle and emits it unless already seen or
// filtered out. Missing handles or variants are skipped.
func (p *collectPass) add(ctx context.Context, node *repo.Node) error {
	handle, err := p.store.ResolveHandle(ctx, node)
	if errors.Is(err, repo.ErrNodeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	variant, err := p.store.FirstVariant(ctx, handle)
	if errors.Is(err, repo.ErrNodeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	handlePath := pathutil.StripIndexNotation(handle.Path)
	if _, dup := p.seen[handlePath]; dup {
		return nil
	}
	if inc := p.filter.Includes(); len(inc) > 0 && !pathutil.MatchAny(handlePath, inc) {
		return nil
	}
	if pathutil.MatchAny(handlePath, p.filter.Excludes()) {
		return nil
	}

	p.seen[handlePath] = struct{}{}
	p.result.AddItem(migrate.Item{
		HandlePath:  handlePath,
		PrimaryType: variant.PrimaryType,
		Kind:        p.kind,
	})
	return nil
}

// queryLanguage accepts path queries (leading "/") and SQL queries (leading
// "select", any case). Everything else is rejected.
func queryLanguage(statement string) (repo.QueryLanguage, bool) {
	s := strings.TrimSpace(statement)
	switch {
	case strings.HasPrefix(s, "/"):
		return repo.XPath, true
	case len(s) >= 6 && strings.EqualFold(s[:6], "select"):
		return repo.SQL, true
	default:
		return "", false
	}
}
