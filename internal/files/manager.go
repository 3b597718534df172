// Package files manages the TTL-bound storage area holding export artifacts and
// uploaded import packages.
package files

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Storage base resolution sources, highest priority first: EnvStorageDir,
// Options.StorageDir, Options.Properties[PropStorageDir], then the OS temp dir.
const (
	EnvStorageDir  = "CONTENTBRIDGE_STORAGE_DIR"
	PropStorageDir = "contentbridge.storage.dir"
	DefaultDirName = "contentbridge"
	DefaultTTL     = 24 * time.Hour

	exportsDirName = "exports"
	importsDirName = "imports"
)

var (
	// ErrInvalidPath is returned for paths outside the managed subarea.
	ErrInvalidPath = errors.New("invalid process file path")
	// ErrFileNotFound is returned when a managed file does not exist.
	ErrFileNotFound = errors.New("process file not found")
	// ErrFileExpired is returned when a file outlived the TTL; the file has
	// been removed (or removal was attempted) and is never handed out.
	ErrFileExpired = errors.New("process file expired")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("file manager is shut down")
)

// Kind is the subarea a managed file lives in.
type Kind string

const (
	KindExport Kind = "export"
	KindImport Kind = "import"
)

// ManagedFile describes a file handed out by the manager.
type ManagedFile struct {
	Path      string
	Kind      Kind
	CreatedAt time.Time
	Size      int64
}

// Options configures a Manager.
type Options struct {
	StorageDir string
	// Properties holds process-wide key=value settings (CLI -D flags).
	Properties map[string]string
	TTL        time.Duration
	Logger     *zap.Logger

	// Getenv and Now default to os.Getenv and time.Now.
	Getenv func(string) string
	Now    func() time.Time
}

// Manager owns the exports/ and imports/ subareas of a storage base.
type Manager struct {
	base       string
	exportsDir string
	importsDir string
	ttl        time.Duration
	log        *zap.Logger
	now        func() time.Time

	mu     sync.Mutex
	closed bool
}

// ResolveStorageBase applies the storage directory priority order.
func ResolveStorageBase(opts Options) string {
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvStorageDir)); v != "" {
		return v
	}
	if v := strings.TrimSpace(opts.StorageDir); v != "" {
		return v
	}
	if v := strings.TrimSpace(opts.Properties[PropStorageDir]); v != "" {
		return v
	}
	return filepath.Join(os.TempDir(), DefaultDirName)
}

// New resolves the storage base and creates both subareas. Any failure is
// returned and no manager is produced.
func New(opts Options) (*Manager, error) {
	base, err := filepath.Abs(ResolveStorageBase(opts))
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	m := &Manager{
		base:       base,
		exportsDir: filepath.Join(base, exportsDirName),
		importsDir: filepath.Join(base, importsDirName),
		ttl:        opts.TTL,
		log:        opts.Logger,
		now:        opts.Now,
	}
	if m.ttl <= 0 {
		m.ttl = DefaultTTL
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	m.log = m.log.Named("files")
	if m.now == nil {
		m.now = time.Now
	}

	for _, dir := range []string{m.exportsDir, m.importsDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create storage dir %s: %w", dir, err)
		}
	}
	m.log.Info("storage ready", zap.String("base", base), zap.Duration("ttl", m.ttl))
	return m, nil
}

func (m *Manager) BaseDir() string    { return m.base }
func (m *Manager) ExportsDir() string { return m.exportsDir }
func (m *Manager) ImportsDir() string { return m.importsDir }
func (m *Manager) TTL() time.Duration { return m.ttl }

func (m *Manager) root(kind Kind) string {
	if kind == KindImport {
		return m.importsDir
	}
	return m.exportsDir
}

// CreateExportFile creates an empty, uniquely named export artifact.
func (m *Manager) CreateExportFile(processID string) (string, error) {
	return m.create(KindExport, processID)
}

// CreateImportFile creates an empty, uniquely named import package file.
func (m *Manager) CreateImportFile(processID string) (string, error) {
	return m.create(KindImport, processID)
}

func (m *Manager) create(kind Kind, processID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}

	name := fmt.Sprintf("%s-%s-%s.zip", kind, sanitizeID(processID), uuid.NewString())
	p := filepath.Join(m.root(kind), name)
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", fmt.Errorf("create %s file: %w", kind, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("create %s file: %w", kind, err)
	}
	return p, nil
}

// sanitizeID keeps a process id usable as one file name component.
func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= 64 {
			break
		}
	}
	if b.Len() == 0 {
		return "process"
	}
	return b.String()
}

// validate resolves p (absolute, or relative to the subarea root) and checks
// that it lies strictly inside the subarea. It never touches the filesystem;
// get additionally checks symlinks before handing a file out.
func (m *Manager) validate(kind Kind, p string) (string, error) {
	if p == "" || strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	root := m.root(kind)
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	clean := filepath.Clean(p)
	rel, err := filepath.Rel(root, clean)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q is outside the %s area", ErrInvalidPath, p, kind)
	}
	return clean, nil
}

// resolvedInside reports whether the directory holding p, with symlinks
// resolved, still lies inside the subarea.
func (m *Manager) resolvedInside(kind Kind, p string) bool {
	root, err := filepath.EvalSymlinks(m.root(kind))
	if err != nil {
		return false
	}
	dir, err := filepath.EvalSymlinks(filepath.Dir(p))
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, dir)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// GetExportFile returns a live export artifact.
func (m *Manager) GetExportFile(p string) (*ManagedFile, error) {
	return m.get(KindExport, p)
}

// GetImportFile returns a live import package.
func (m *Manager) GetImportFile(p string) (*ManagedFile, error) {
	return m.get(KindImport, p)
}

func (m *Manager) get(kind Kind, p string) (*ManagedFile, error) {
	clean, err := m.validate(kind, p)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(clean)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, clean)
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s file: %w", kind, err)
	}
	if info.Mode()&fs.ModeSymlink != 0 || !m.resolvedInside(kind, clean) {
		return nil, fmt.Errorf("%w: %q resolves outside the %s area", ErrInvalidPath, clean, kind)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, clean)
	}
	if m.expired(info) {
		if err := os.Remove(clean); err != nil && !errors.Is(err, fs.ErrNotExist) {
			m.log.Warn("remove expired file", zap.String("path", clean), zap.Error(err))
		}
		return nil, fmt.Errorf("%w: %s", ErrFileExpired, clean)
	}
	return &ManagedFile{Path: clean, Kind: kind, CreatedAt: info.ModTime(), Size: info.Size()}, nil
}

func (m *Manager) expired(info fs.FileInfo) bool {
	return m.now().Sub(info.ModTime()) > m.ttl
}

// DeleteExportFile removes an export artifact; a missing file is not an error.
func (m *Manager) DeleteExportFile(p string) error {
	return m.remove(KindExport, p)
}

// DeleteImportFile removes an import package; a missing file is not an error.
func (m *Manager) DeleteImportFile(p string) error {
	return m.remove(KindImport, p)
}

func (m *Manager) remove(kind Kind, p string) error {
	clean, err := m.validate(kind, p)
	if err != nil {
		return err
	}
	if err := os.Remove(clean); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s file: %w", kind, err)
	}
	return nil
}

// CleanupExpiredFiles deletes every regular file past the TTL in both
// subareas. Individual failures are logged and skipped.
func (m *Manager) CleanupExpiredFiles() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	deleted := 0
	for _, kind := range []Kind{KindExport, KindImport} {
		root := m.root(kind)
		entries, err := os.ReadDir(root)
		if err != nil {
			m.log.Warn("read storage dir", zap.String("dir", root), zap.Error(err))
			continue
		}
		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				// Vanished since ReadDir.
				continue
			}
			if !m.expired(info) {
				continue
			}
			p := filepath.Join(root, e.Name())
			if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				m.log.Warn("delete expired file", zap.String("path", p), zap.Error(err))
				continue
			}
			deleted++
		}
	}
	if deleted > 0 {
		m.log.Info("deleted expired files", zap.Int("count", deleted))
	}
	return deleted, nil
}

// Shutdown removes the whole storage base. Failures are logged only.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	if err := os.RemoveAll(m.base); err != nil {
		m.log.Warn("remove storage dir", zap.String("base", m.base), zap.Error(err))
		return
	}
	m.log.Info("storage removed", zap.String("base", m.base))
}
