package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/johnswift/contentbridge/internal/archive"
	"github.com/johnswift/contentbridge/internal/migrate"
	"github.com/johnswift/contentbridge/internal/pathutil"
	"github.com/johnswift/contentbridge/internal/repo"
)

// Exporter writes one ContentNode entry per item into a package.
type Exporter struct {
	store  repo.ContentReader
	w      *archive.Writer
	params migrate.Parameters
	log    *zap.Logger
}

// NewExporter creates an exporter writing into w.
func NewExporter(store repo.ContentReader, w *archive.Writer, params migrate.Parameters, log *zap.Logger) *Exporter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Exporter{store: store, w: w, params: params.WithDefaults(), log: log.Named("export")}
}

// ExportItem is a migrate.Operation.
func (e *Exporter) ExportItem(ctx context.Context, rec *migrate.Record, item migrate.Item) error {
	handle, err := e.store.GetNode(ctx, item.HandlePath)
	if err != nil {
		return fmt.Errorf("get handle %s: %w", item.HandlePath, err)
	}
	rec.ContentID = handle.ID

	children, err := e.store.Children(ctx, handle.Path)
	if err != nil {
		return fmt.Errorf("list variants of %s: %w", item.HandlePath, err)
	}
	if len(children) == 0 {
		return fmt.Errorf("handle %s has no variants", item.HandlePath)
	}

	node := ContentNode{
		Path:        item.HandlePath,
		PrimaryType: item.PrimaryType,
		Kind:        item.Kind,
		Tags:        tagsFor(item.Kind, e.params),
	}
	// Payload entries are only written once the whole item converted, so a
	// failed item leaves nothing behind in the package.
	var payloads []payload
	for _, child := range children {
		v, p, err := e.variant(ctx, rec, child)
		if err != nil {
			return err
		}
		if p != nil {
			payloads = append(payloads, *p)
		}
		node.Variants = append(node.Variants, v)
		rec.IncrementCounter(CounterVariants, 1)
	}

	data, err := json.MarshalIndent(node, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", item.HandlePath, err)
	}
	for _, p := range payloads {
		if err := e.w.Add(p.entry, p.data); err != nil {
			return err
		}
	}
	return e.w.Add(NodeEntry(item.Kind, item.HandlePath), data)
}

// payload is a variant's binary data stored as its own package entry.
type payload struct {
	entry string
	data  []byte
}

func (e *Exporter) variant(ctx context.Context, rec *migrate.Record, n *repo.Node) (Variant, *payload, error) {
	v := Variant{
		Name:        pathutil.Name(n.Path),
		PrimaryType: n.PrimaryType,
		State:       n.StringProperty(repo.PropState),
		MimeType:    n.MimeType,
	}
	if len(n.Properties) > 0 {
		v.Properties = make(map[string]any, len(n.Properties))
		for k, val := range n.Properties {
			if k == repo.PropState {
				continue
			}
			v.Properties[k] = val
		}
	}

	for _, name := range e.params.DocbasePropertyNames {
		val, ok := v.Properties[name]
		if !ok {
			continue
		}
		v.Properties[name] = e.rewriteIDs(ctx, rec, val)
	}

	if len(n.Data) == 0 {
		return v, nil, nil
	}
	if int64(len(n.Data)) <= e.params.DataURLSizeThreshold {
		v.Data = encodeDataURL(n.MimeType, n.Data)
		return v, nil, nil
	}
	entry := DataEntry(n.Path)
	v.Data = BinaryRefPrefix + entry
	return v, &payload{entry: entry, data: n.Data}, nil
}

// rewriteIDs turns node ids into "path:<handle path>" references. Ids that do
// not resolve are kept and recorded on the record.
func (e *Exporter) rewriteIDs(ctx context.Context, rec *migrate.Record, val any) any {
	switch v := val.(type) {
	case string:
		return e.rewriteID(ctx, rec, v)
	case []any:
		out := make([]any, len(v))
		for i, x := range v {
			if s, ok := x.(string); ok {
				out[i] = e.rewriteID(ctx, rec, s)
			} else {
				out[i] = x
			}
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = e.rewriteID(ctx, rec, s)
		}
		return out
	default:
		return val
	}
}

func (e *Exporter) rewriteID(ctx context.Context, rec *migrate.Record, id string) string {
	if id == "" {
		return id
	}
	target, err := e.store.GetNodeByID(ctx, id)
	if err == nil {
		var handle *repo.Node
		handle, err = e.store.ResolveHandle(ctx, target)
		if err == nil {
			rec.IncrementCounter(CounterReferences, 1)
			return PathRefPrefix + pathutil.StripIndexNotation(handle.Path)
		}
	}
	if !errors.Is(err, repo.ErrNodeNotFound) {
		e.log.Warn("resolve reference", zap.String("id", id), zap.Error(err))
	}
	rec.AppendToCollection(CollectionUnresolved, id)
	return id
}
