package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/johnswift/contentbridge/internal/archive"
	"github.com/johnswift/contentbridge/internal/migrate"
	"github.com/johnswift/contentbridge/internal/pathutil"
	"github.com/johnswift/contentbridge/internal/repo"
)

// assetRoot separates asset folders from image gallery folders.
const assetRoot = "/content/assets"

// PackageItems lists the items stored in a package, binaries first so that
// documents referencing them resolve on import.
func PackageItems(r *archive.Reader) ([]migrate.Item, error) {
	var binaries, documents []migrate.Item
	for _, name := range r.Names() {
		item, ok := itemFromEntry(name)
		if !ok {
			continue
		}
		node, err := readNode(r, name)
		if err != nil {
			return nil, err
		}
		item.PrimaryType = node.PrimaryType
		if item.Kind == migrate.KindBinary {
			binaries = append(binaries, item)
		} else {
			documents = append(documents, item)
		}
	}
	return append(binaries, documents...), nil
}

func readNode(r *archive.Reader, name string) (*ContentNode, error) {
	data, err := r.ReadFile(name)
	if err != nil {
		return nil, err
	}
	var node ContentNode
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return &node, nil
}

// Importer writes package items back into a repository.
type Importer struct {
	store  repo.ContentWriter
	r      *archive.Reader
	params migrate.Parameters
	log    *zap.Logger
}

// NewImporter creates an importer reading from r.
func NewImporter(store repo.ContentWriter, r *archive.Reader, params migrate.Parameters, log *zap.Logger) *Importer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Importer{store: store, r: r, params: params.WithDefaults(), log: log.Named("import")}
}

// ImportItem is a migrate.Operation. An existing handle at the same path is
// replaced with the imported variants; any other existing node fails the item.
func (im *Importer) ImportItem(ctx context.Context, rec *migrate.Record, item migrate.Item) error {
	entry := NodeEntry(item.Kind, item.HandlePath)
	if !im.r.Has(entry) {
		return errMissingEntry(entry)
	}
	node, err := readNode(im.r, entry)
	if err != nil {
		return err
	}
	if len(node.Variants) == 0 {
		return fmt.Errorf("package item %s has no variants", item.HandlePath)
	}

	if !im.inRoots(item) {
		return fmt.Errorf("%w: %s item %s", ErrOutsideRoots, item.Kind, item.HandlePath)
	}
	existing, err := im.store.GetNode(ctx, item.HandlePath)
	switch {
	case errors.Is(err, repo.ErrNodeNotFound):
		existing = nil
	case err != nil:
		return fmt.Errorf("look up %s: %w", item.HandlePath, err)
	case !existing.IsHandle():
		return fmt.Errorf("%w: %s is a %s", ErrNotHandle, item.HandlePath, existing.PrimaryType)
	}

	if err := im.ensureFolders(ctx, rec, item); err != nil {
		return err
	}
	if existing != nil {
		if err := im.store.DeleteNode(ctx, item.HandlePath); err != nil {
			return fmt.Errorf("replace %s: %w", item.HandlePath, err)
		}
	}
	handle, err := im.store.PutNode(ctx, &repo.Node{
		Path:        item.HandlePath,
		PrimaryType: repo.TypeHandle,
		Properties:  tagProperties(node.Tags),
	})
	if err != nil {
		return fmt.Errorf("create handle %s: %w", item.HandlePath, err)
	}
	rec.ContentID = handle.ID

	for _, v := range node.Variants {
		n, err := im.variantNode(ctx, rec, item.HandlePath, v)
		if err != nil {
			return err
		}
		if _, err := im.store.PutNode(ctx, n); err != nil {
			return fmt.Errorf("create variant %s: %w", n.Path, err)
		}
		rec.IncrementCounter(CounterVariants, 1)
	}
	return nil
}

// inRoots reports whether the item lies below a root of its kind.
func (im *Importer) inRoots(item migrate.Item) bool {
	if item.Kind == migrate.KindBinary {
		return pathutil.IsBinaryPath(item.HandlePath, im.params.BinaryRoots)
	}
	return pathutil.IsDocumentPath(item.HandlePath, im.params.DocumentRoots)
}

func tagProperties(tags []string) map[string]any {
	if len(tags) == 0 {
		return nil
	}
	vals := make([]any, len(tags))
	for i, t := range tags {
		vals[i] = t
	}
	return map[string]any{"tags": vals}
}

func (im *Importer) variantNode(ctx context.Context, rec *migrate.Record, handlePath string, v Variant) (*repo.Node, error) {
	name := v.Name
	if name == "" || strings.Contains(name, "/") || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid variant name %q under %s", v.Name, handlePath)
	}
	n := &repo.Node{
		Path:        handlePath + "/" + name,
		PrimaryType: v.PrimaryType,
		MimeType:    v.MimeType,
		Properties:  make(map[string]any, len(v.Properties)+1),
	}
	for k, val := range v.Properties {
		n.Properties[k] = val
	}
	for _, prop := range im.params.DocbasePropertyNames {
		if val, ok := n.Properties[prop]; ok {
			n.Properties[prop] = im.resolveRefs(ctx, rec, val)
		}
	}
	n.Properties[repo.PropState] = im.publishState(v.State)

	switch {
	case v.Data == "":
	case strings.HasPrefix(v.Data, BinaryRefPrefix):
		data, err := im.r.ReadFile(strings.TrimPrefix(v.Data, BinaryRefPrefix))
		if err != nil {
			return nil, fmt.Errorf("read payload of %s: %w", n.Path, err)
		}
		n.Data = data
	default:
		mimeType, data, err := decodeDataURL(v.Data)
		if err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", n.Path, err)
		}
		n.Data = data
		if n.MimeType == "" {
			n.MimeType = mimeType
		}
	}
	return n, nil
}

func (im *Importer) publishState(exported string) string {
	switch im.params.PublishOnImport {
	case migrate.PublishAll:
		return repo.StatePublished
	case migrate.PublishLive:
		if exported == repo.StatePublished {
			return repo.StatePublished
		}
	}
	return repo.StateDraft
}

func (im *Importer) resolveRefs(ctx context.Context, rec *migrate.Record, val any) any {
	switch v := val.(type) {
	case string:
		return im.resolveRef(ctx, rec, v)
	case []any:
		out := make([]any, len(v))
		for i, x := range v {
			if s, ok := x.(string); ok {
				out[i] = im.resolveRef(ctx, rec, s)
			} else {
				out[i] = x
			}
		}
		return out
	default:
		return val
	}
}

// resolveRef maps "path:<handle path>" back to the id of the handle in the
// target repository. Unresolvable references are kept verbatim.
func (im *Importer) resolveRef(ctx context.Context, rec *migrate.Record, ref string) string {
	p, ok := strings.CutPrefix(ref, PathRefPrefix)
	if !ok {
		return ref
	}
	target, err := im.store.GetNode(ctx, p)
	if err != nil {
		if !errors.Is(err, repo.ErrNodeNotFound) {
			im.log.Warn("resolve reference", zap.String("path", p), zap.Error(err))
		}
		rec.AppendToCollection(CollectionUnresolved, ref)
		return ref
	}
	rec.IncrementCounter(CounterReferences, 1)
	return target.ID
}

// ensureFolders creates missing ancestors of the item's handle. Folders below
// a binary root carry the gallery or asset folder defaults.
func (im *Importer) ensureFolders(ctx context.Context, rec *migrate.Record, item migrate.Item) error {
	var missing []string
	for p := pathutil.Parent(item.HandlePath); p != "/"; p = pathutil.Parent(p) {
		exists, err := im.store.NodeExists(ctx, p)
		if err != nil {
			return fmt.Errorf("check folder %s: %w", p, err)
		}
		if exists {
			break
		}
		missing = append(missing, p)
	}

	for i := len(missing) - 1; i >= 0; i-- {
		if _, err := im.store.PutNode(ctx, im.folderNode(item.Kind, missing[i])); err != nil {
			return fmt.Errorf("create folder %s: %w", missing[i], err)
		}
		rec.IncrementCounter(CounterFoldersCreated, 1)
	}
	return nil
}

func (im *Importer) folderNode(kind migrate.Kind, p string) *repo.Node {
	if kind != migrate.KindBinary || !pathutil.IsBinaryPath(p, im.params.BinaryRoots) {
		return &repo.Node{Path: p, PrimaryType: repo.TypeFolder}
	}
	def := im.params.GalleryFolder
	if pathutil.IsUnder(p, assetRoot) {
		def = im.params.AssetFolder
	}
	return &repo.Node{
		Path:        p,
		PrimaryType: def.PrimaryType,
		Properties: map[string]any{
			"folderTypes":  toAny(def.FolderTypes),
			"galleryTypes": toAny(def.GalleryTypes),
		},
	}
}

func toAny(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
