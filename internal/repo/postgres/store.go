// Package postgres implements the content repository on a Postgres "nodes"
// table through pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/johnswift/contentbridge/internal/pathutil"
	"github.com/johnswift/contentbridge/internal/repo"
)

const nodeColumns = `id, path, primary_type, properties, data, mime_type, updated_at`

// Store is a repo.ContentWriter backed by Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a store on an open pool. Run db.Migrate first.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) NodeExists(ctx context.Context, path string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM nodes WHERE path = $1)`, path).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check node exists: %w", err)
	}
	return exists, nil
}

func (s *Store) GetNode(ctx context.Context, path string) (*repo.Node, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE path = $1`, path)
	return scanOne(row)
}

func (s *Store) GetNodeByID(ctx context.Context, id string) (*repo.Node, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id)
	return scanOne(row)
}

func (s *Store) ResolveHandle(ctx context.Context, node *repo.Node) (*repo.Node, error) {
	if node == nil {
		return nil, repo.ErrNodeNotFound
	}
	if node.IsHandle() {
		return node, nil
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+nodeColumns+`
		FROM nodes
		WHERE path = ANY($1) AND primary_type = $2
		ORDER BY length(path) DESC
		LIMIT 1
	`, ancestors(node.Path), repo.TypeHandle)
	return scanOne(row)
}

func (s *Store) FirstVariant(ctx context.Context, handle *repo.Node) (*repo.Node, error) {
	if handle == nil {
		return nil, repo.ErrNodeNotFound
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+nodeColumns+`
		FROM nodes
		WHERE parent_path = $1
		ORDER BY ord
		LIMIT 1
	`, handle.Path)
	return scanOne(row)
}

func (s *Store) Children(ctx context.Context, path string) ([]*repo.Node, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+nodeColumns+`
		FROM nodes
		WHERE parent_path = $1 AND path <> $1
		ORDER BY ord
	`, path)
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	return scanAll(rows)
}

func (s *Store) ExecuteQuery(ctx context.Context, statement string, lang repo.QueryLanguage) ([]*repo.Node, error) {
	sel, err := repo.ParseQuery(statement, lang)
	if err != nil {
		return nil, err
	}
	where, args := selectorSQL(sel)
	rows, err := s.pool.Query(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE `+where+` ORDER BY ord`, args...)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	return scanAll(rows)
}

func (s *Store) PutNode(ctx context.Context, n *repo.Node) (*repo.Node, error) {
	if n == nil || n.Path == "" {
		return nil, fmt.Errorf("node path is required")
	}
	stored := n.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	props := stored.Properties
	if props == nil {
		props = map[string]any{}
	}
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("marshal properties: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO nodes (id, path, parent_path, primary_type, properties, data, mime_type, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (path) DO UPDATE SET
			id = EXCLUDED.id,
			primary_type = EXCLUDED.primary_type,
			properties = EXCLUDED.properties,
			data = EXCLUDED.data,
			mime_type = EXCLUDED.mime_type,
			updated_at = EXCLUDED.updated_at
		RETURNING updated_at
	`, stored.ID, stored.Path, pathutil.Parent(stored.Path), stored.PrimaryType, propsJSON,
		stored.Data, stored.MimeType).Scan(&stored.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert node %s: %w", stored.Path, err)
	}
	return stored, nil
}

func (s *Store) DeleteNode(ctx context.Context, path string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM nodes WHERE path = $1 OR path LIKE $2 ESCAPE '\'`,
		path, likePrefix(path))
	if err != nil {
		return fmt.Errorf("delete node %s: %w", path, err)
	}
	return nil
}

// selectorSQL renders the WHERE clause for a parsed query.
func selectorSQL(sel repo.Selector) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	switch sel.Scope {
	case repo.ScopeExact:
		add("path = $%d", sel.Root)
	case repo.ScopeChildren:
		add("parent_path = $%d", sel.Root)
		add("path <> $%d", sel.Root)
	default:
		add(`path LIKE $%d ESCAPE '\'`, likePrefix(sel.Root))
	}
	if sel.Type != "" {
		add("primary_type = $%d", sel.Type)
	}
	return strings.Join(clauses, " AND "), args
}

// likePrefix returns a LIKE pattern matching every strict descendant of root.
func likePrefix(root string) string {
	root = strings.TrimSuffix(root, "/")
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(root) + "/%"
}

// ancestors lists p and every ancestor path up to "/".
func ancestors(p string) []string {
	out := []string{p}
	for p != "/" && p != "" {
		p = pathutil.Parent(p)
		out = append(out, p)
	}
	return out
}

func scanOne(row pgx.Row) (*repo.Node, error) {
	n, err := scanNode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repo.ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan node: %w", err)
	}
	return n, nil
}

func scanAll(rows pgx.Rows) ([]*repo.Node, error) {
	defer rows.Close()
	var out []*repo.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return out, nil
}

func scanNode(row interface{ Scan(dest ...any) error }) (*repo.Node, error) {
	var (
		n         repo.Node
		propsJSON []byte
		updatedAt time.Time
	)
	if err := row.Scan(&n.ID, &n.Path, &n.PrimaryType, &propsJSON, &n.Data, &n.MimeType, &updatedAt); err != nil {
		return nil, err
	}
	if len(propsJSON) > 0 {
		if err := json.Unmarshal(propsJSON, &n.Properties); err != nil {
			return nil, fmt.Errorf("unmarshal properties: %w", err)
		}
	}
	n.UpdatedAt = updatedAt
	return &n, nil
}

var _ repo.ContentWriter = (*Store)(nil)
