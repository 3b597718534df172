// Package archive reads and writes the ZIP artifacts exchanged by exports and
// imports. Entry names are always UTF-8: the general-purpose UTF-8 flag is set
// and every entry also carries an Info-ZIP Unicode Path extra field, so names
// in any script survive tools that ignore the flag.
package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/klauspost/compress/zip"
)

const (
	unicodePathID      = 0x7075
	unicodePathVersion = 1
)

// ErrInvalidName is returned for entry names that are empty, not UTF-8 or
// escape the archive root.
var ErrInvalidName = errors.New("invalid archive entry name")

// ErrEntryNotFound is returned by Reader lookups for unknown names.
var ErrEntryNotFound = errors.New("archive entry not found")

// NormalizeName converts name to the canonical entry form: slash separated,
// no leading slash, no "." or ".." segments.
func NormalizeName(name string) (string, error) {
	if !utf8.ValidString(name) {
		return "", fmt.Errorf("%w: %q is not UTF-8", ErrInvalidName, name)
	}
	n := strings.ReplaceAll(name, "\\", "/")
	n = strings.TrimLeft(n, "/")
	for _, seg := range strings.Split(n, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	n = path.Clean(n)
	if n == "." || n == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return n, nil
}

// unicodePathExtra builds the 0x7075 extra field for name.
func unicodePathExtra(name string) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, uint16(unicodePathID))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1+4+len(name)))
	buf.WriteByte(unicodePathVersion)
	_ = binary.Write(&buf, binary.LittleEndian, crc32.ChecksumIEEE([]byte(name)))
	buf.WriteString(name)
	return buf.Bytes()
}

// unicodePath extracts the name from a 0x7075 extra field whose CRC matches
// the header name. It reports false when absent or stale.
func unicodePath(extra []byte, headerName string) (string, bool) {
	for len(extra) >= 4 {
		id := binary.LittleEndian.Uint16(extra[0:2])
		size := int(binary.LittleEndian.Uint16(extra[2:4]))
		extra = extra[4:]
		if size > len(extra) {
			return "", false
		}
		field := extra[:size]
		extra = extra[size:]

		if id != unicodePathID || size < 5 || field[0] != unicodePathVersion {
			continue
		}
		if binary.LittleEndian.Uint32(field[1:5]) != crc32.ChecksumIEEE([]byte(headerName)) {
			return "", false
		}
		name := string(field[5:])
		if !utf8.ValidString(name) {
			return "", false
		}
		return name, true
	}
	return "", false
}

// Writer produces a UTF-8 ZIP artifact.
type Writer struct {
	zw    *zip.Writer
	file  *os.File
	names map[string]struct{}
	now   func() time.Time
}

// NewWriter writes an archive to w. Close does not close w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		zw:    zip.NewWriter(w),
		names: make(map[string]struct{}),
		now:   time.Now,
	}
}

// Create truncates or creates the file at p and writes an archive into it.
// Close closes the file.
func Create(p string) (*Writer, error) {
	f, err := os.Create(p)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	w := NewWriter(f)
	w.file = f
	return w, nil
}

func (w *Writer) entry(name string) (io.Writer, error) {
	n, err := NormalizeName(name)
	if err != nil {
		return nil, err
	}
	if _, dup := w.names[n]; dup {
		return nil, fmt.Errorf("duplicate archive entry %q", n)
	}
	w.names[n] = struct{}{}

	hdr := &zip.FileHeader{
		Name:     n,
		Method:   zip.Deflate,
		Modified: w.now(),
		Extra:    unicodePathExtra(n),
	}
	// The writer sets the UTF-8 flag itself when the name needs it; force it
	// for pure ASCII names too so every entry is flagged.
	hdr.Flags |= 0x800
	out, err := w.zw.CreateHeader(hdr)
	if err != nil {
		return nil, fmt.Errorf("create entry %s: %w", n, err)
	}
	return out, nil
}

// Add writes one entry with the given content.
func (w *Writer) Add(name string, data []byte) error {
	out, err := w.entry(name)
	if err != nil {
		return err
	}
	if _, err := out.Write(data); err != nil {
		return fmt.Errorf("write entry %s: %w", name, err)
	}
	return nil
}

// AddFrom streams one entry from r.
func (w *Writer) AddFrom(name string, r io.Reader) error {
	out, err := w.entry(name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		return fmt.Errorf("write entry %s: %w", name, err)
	}
	return nil
}

// AddDir adds every regular file below dir as "prefix/relative/path", walking
// subdirectories recursively in lexical order.
func (w *Writer) AddDir(prefix, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if prefix != "" {
			name = strings.TrimSuffix(prefix, "/") + "/" + name
		}
		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("open %s: %w", p, err)
		}
		defer f.Close()
		return w.AddFrom(name, f)
	})
}

// Close finishes the archive and closes the underlying file if Create opened it.
func (w *Writer) Close() error {
	err := w.zw.Close()
	if w.file != nil {
		if cerr := w.file.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	return nil
}

// Reader gives name-based access to an artifact's entries.
type Reader struct {
	rc      *zip.ReadCloser
	names   []string
	entries map[string]*zip.File
}

// OpenReader opens the archive at p. Entries whose names would escape the
// archive root are rejected.
func OpenReader(p string) (*Reader, error) {
	rc, err := zip.OpenReader(p)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	r := &Reader{rc: rc, entries: make(map[string]*zip.File)}
	for _, f := range rc.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := f.Name
		if u, ok := unicodePath(f.Extra, f.Name); ok {
			name = u
		}
		n, err := NormalizeName(name)
		if err != nil {
			_ = rc.Close()
			return nil, err
		}
		if _, dup := r.entries[n]; dup {
			continue
		}
		r.entries[n] = f
		r.names = append(r.names, n)
	}
	return r, nil
}

// Names lists entries in archive order.
func (r *Reader) Names() []string {
	return append([]string(nil), r.names...)
}

// Has reports whether an entry exists.
func (r *Reader) Has(name string) bool {
	_, ok := r.entries[name]
	return ok
}

// Open streams one entry.
func (r *Reader) Open(name string) (io.ReadCloser, error) {
	f, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open entry %s: %w", name, err)
	}
	return rc, nil
}

// ReadFile returns the full content of one entry.
func (r *Reader) ReadFile(name string) ([]byte, error) {
	rc, err := r.Open(name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read entry %s: %w", name, err)
	}
	return data, nil
}

// Close releases the archive file.
func (r *Reader) Close() error {
	return r.rc.Close()
}
