package archive

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripUnicodeNames(t *testing.T) {
	entries := map[string]string{
		"документ/тест.txt":      "Привет, мир",
		"中文/文件.txt":              "你好世界",
		"documents/café/menu.json": `{"plat":"crème brûlée"}`,
		"plain.txt":              "ascii",
	}
	order := []string{"документ/тест.txt", "中文/文件.txt", "documents/café/menu.json", "plain.txt"}

	p := filepath.Join(t.TempDir(), "out.zip")
	w, err := Create(p)
	require.NoError(t, err)
	for _, name := range order {
		require.NoError(t, w.Add(name, []byte(entries[name])))
	}
	require.NoError(t, w.Close())

	r, err := OpenReader(p)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, order, r.Names())
	for _, name := range order {
		data, err := r.ReadFile(name)
		require.NoError(t, err, name)
		assert.Equal(t, entries[name], string(data))
	}

	_, err = r.ReadFile("missing.txt")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestEntriesCarryUnicodeExtraAndFlag(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Add("документ/тест.txt", []byte("x")))
	require.NoError(t, w.Add("a.txt", []byte("y")))
	require.NoError(t, w.Close())

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	for _, f := range zr.File {
		assert.NotZero(t, f.Flags&0x800, "utf-8 flag on %s", f.Name)
		name, ok := unicodePath(f.Extra, f.Name)
		assert.True(t, ok, f.Name)
		assert.Equal(t, f.Name, name)
	}
}

func TestReaderPrefersUnicodeExtraField(t *testing.T) {
	legacy := "dokument.txt"
	want := "документ.txt"

	var extra bytes.Buffer
	_ = binary.Write(&extra, binary.LittleEndian, uint16(unicodePathID))
	_ = binary.Write(&extra, binary.LittleEndian, uint16(5+len(want)))
	extra.WriteByte(unicodePathVersion)
	_ = binary.Write(&extra, binary.LittleEndian, crc32.ChecksumIEEE([]byte(legacy)))
	extra.WriteString(want)

	p := filepath.Join(t.TempDir(), "legacy.zip")
	f, err := os.Create(p)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	out, err := zw.CreateHeader(&zip.FileHeader{Name: legacy, Method: zip.Store, Extra: extra.Bytes()})
	require.NoError(t, err)
	_, err = out.Write([]byte("body"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	r, err := OpenReader(p)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, []string{want}, r.Names())
	data, err := r.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "body", string(data))
}

func TestUnicodePathStaleCRCIsIgnored(t *testing.T) {
	extra := unicodePathExtra("original.txt")
	_, ok := unicodePath(extra, "renamed.txt")
	assert.False(t, ok)

	_, ok = unicodePath([]byte{0x75, 0x70, 0xff}, "x")
	assert.False(t, ok)
}

func TestAddDirFlattensTree(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub", "тест"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "root.txt"), []byte("r"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "тест", "файл.txt"), []byte("f"), 0o644))

	p := filepath.Join(t.TempDir(), "dir.zip")
	w, err := Create(p)
	require.NoError(t, err)
	require.NoError(t, w.AddDir("binaries", dir))
	require.NoError(t, w.Close())

	r, err := OpenReader(p)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, []string{"binaries/root.txt", "binaries/sub/тест/файл.txt"}, r.Names())
	data, err := r.ReadFile("binaries/sub/тест/файл.txt")
	require.NoError(t, err)
	assert.Equal(t, "f", string(data))
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"/content/documents/a.json", "content/documents/a.json", false},
		{`windows\style\path.txt`, "windows/style/path.txt", false},
		{"a/./b.txt", "a/b.txt", false},
		{"../../etc/passwd", "", true},
		{"a/../../b", "", true},
		{"", "", true},
		{"/", "", true},
		{string([]byte{0xff, 0xfe}), "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeName(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidName, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestWriterRejectsDuplicatesAndTraversal(t *testing.T) {
	w := NewWriter(&bytes.Buffer{})
	require.NoError(t, w.Add("a.txt", nil))
	assert.Error(t, w.Add("/a.txt", nil))
	assert.ErrorIs(t, w.Add("../evil", nil), ErrInvalidName)
	require.NoError(t, w.Close())
}
