package install

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"github.com/justapithecus/skiff/iox"
	"github.com/justapithecus/skiff/types"
)

// Format is a recognized archive container.
type Format string

// Supported archive formats.
const (
	FormatZip     Format = "zip"
	FormatTar     Format = "tar"
	FormatTarGzip Format = "tar.gz"
	FormatTarZstd Format = "tar.zst"
)

var (
	zipMagic  = []byte("PK\x03\x04")
	zipEmpty  = []byte("PK\x05\x06")
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	tarMagic  = []byte("ustar")
)

// DetectFormat sniffs the archive container from its leading bytes.
func DetectFormat(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", types.ClassifyFS("extract", path, err)
	}
	defer iox.DiscardClose(f)

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", types.ClassifyFS("extract", path, err)
	}
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, zipMagic), bytes.HasPrefix(head, zipEmpty):
		return FormatZip, nil
	case bytes.HasPrefix(head, gzipMagic):
		return FormatTarGzip, nil
	case bytes.HasPrefix(head, zstdMagic):
		return FormatTarZstd, nil
	case len(head) >= 262 && bytes.Equal(head[257:262], tarMagic):
		return FormatTar, nil
	default:
		return "", types.Errorf(types.ErrExtraction, "extract", "unrecognized archive format")
	}
}

// extractor unpacks one archive into a directory, checking ctx between entries.
type extractor struct {
	dest    string
	entries int
}

// Extract unpacks the archive at src into dest, which must exist.
// Corrupt or unsafe entries fail with types.ErrExtraction; local write
// failures fail with types.ErrFilesystem.
func Extract(ctx context.Context, src, dest string) (int, error) {
	format, err := DetectFormat(src)
	if err != nil {
		return 0, err
	}

	x := &extractor{dest: dest}
	switch format {
	case FormatZip:
		err = x.zip(ctx, src)
	default:
		err = x.tarFile(ctx, src, format)
	}
	return x.entries, err
}

func (x *extractor) zip(ctx context.Context, src string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return types.NewError(types.ErrExtraction, "extract", src, err)
	}
	defer iox.DiscardClose(r)

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return types.NewError(types.ErrCanceled, "extract", src, err)
		}
		if err := x.zipEntry(f); err != nil {
			return err
		}
	}
	return nil
}

func (x *extractor) zipEntry(f *zip.File) error {
	target, err := x.target(f.Name)
	if err != nil {
		return err
	}
	mode := f.Mode()
	switch {
	case mode.IsDir():
		x.entries++
		return types.ClassifyFS("extract", target, os.MkdirAll(target, 0o755))
	case mode&os.ModeSymlink != 0:
		return types.Errorf(types.ErrExtraction, "extract", "symlink entry %q not supported in zip archives", f.Name)
	}
	if f.Method != zip.Store && f.Method != zip.Deflate {
		return types.Errorf(types.ErrExtraction, "extract", "entry %q uses unsupported compression method %d", f.Name, f.Method)
	}

	rc, err := f.Open()
	if err != nil {
		return types.NewError(types.ErrExtraction, "extract", f.Name, err)
	}
	defer iox.DiscardClose(rc)
	return x.writeFile(target, rc, mode.Perm())
}

func (x *extractor) tarFile(ctx context.Context, src string, format Format) error {
	f, err := os.Open(src)
	if err != nil {
		return types.ClassifyFS("extract", src, err)
	}
	defer iox.DiscardClose(f)

	var r io.Reader = bufio.NewReader(f)
	switch format {
	case FormatTarGzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return types.NewError(types.ErrExtraction, "extract", src, err)
		}
		defer iox.DiscardClose(gz)
		r = gz
	case FormatTarZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return types.NewError(types.ErrExtraction, "extract", src, err)
		}
		defer zr.Close()
		r = zr
	}

	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return types.NewError(types.ErrCanceled, "extract", src, err)
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return types.NewError(types.ErrExtraction, "extract", src, err)
		}
		if err := x.tarEntry(tr, hdr); err != nil {
			return err
		}
	}
}

func (x *extractor) tarEntry(tr *tar.Reader, hdr *tar.Header) error {
	switch hdr.Typeflag {
	case tar.TypeXGlobalHeader, tar.TypeXHeader:
		return nil
	}

	target, err := x.target(hdr.Name)
	if err != nil {
		return err
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		x.entries++
		return types.ClassifyFS("extract", target, os.MkdirAll(target, 0o755))
	case tar.TypeReg:
		return x.writeFile(target, tr, os.FileMode(hdr.Mode).Perm())
	case tar.TypeSymlink:
		return x.symlink(target, hdr)
	default:
		return types.Errorf(types.ErrExtraction, "extract", "entry %q has unsupported type %q", hdr.Name, hdr.Typeflag)
	}
}

// symlink creates a link whose target resolves inside the extraction root.
// Targets must be in clean form (leading ".." segments, then plain names),
// so a chain of links stays inside dest in any entry order.
func (x *extractor) symlink(target string, hdr *tar.Header) error {
	link := filepath.FromSlash(hdr.Linkname)
	if link == "" || filepath.IsAbs(link) || filepath.Clean(link) != link {
		return types.Errorf(types.ErrExtraction, "extract", "symlink %q has unsafe target %q", hdr.Name, hdr.Linkname)
	}
	resolved := filepath.Join(filepath.Dir(target), link)
	rel, err := filepath.Rel(x.dest, resolved)
	if err != nil || !filepath.IsLocal(rel) {
		return types.Errorf(types.ErrExtraction, "extract", "symlink %q points outside the archive", hdr.Name)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return types.ClassifyFS("extract", target, err)
	}
	x.entries++
	return types.ClassifyFS("extract", target, os.Symlink(hdr.Linkname, target))
}

// target maps an archive entry name to a path inside dest. It rejects
// absolute names, names that climb out with "..", and names whose path
// runs through a symlink already extracted.
func (x *extractor) target(name string) (string, error) {
	clean := filepath.FromSlash(strings.ReplaceAll(name, `\`, "/"))
	clean = strings.TrimSuffix(clean, string(filepath.Separator))
	if !filepath.IsLocal(clean) {
		return "", types.Errorf(types.ErrExtraction, "extract", "entry %q escapes the extraction directory", name)
	}
	cur := x.dest
	for _, part := range strings.Split(filepath.Clean(clean), string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		fi, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		if err != nil {
			return "", types.ClassifyFS("extract", cur, err)
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return "", types.Errorf(types.ErrExtraction, "extract", "entry %q goes through symlink %q", name, part)
		}
	}
	return filepath.Join(x.dest, clean), nil
}

// writeFile copies one entry, keeping archive read errors (corruption)
// distinct from local write errors.
func (x *extractor) writeFile(target string, src io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return types.ClassifyFS("extract", target, err)
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o600)
	if err != nil {
		return types.ClassifyFS("extract", target, err)
	}

	buf := make([]byte, 64*1024)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				iox.DiscardClose(out)
				return types.ClassifyFS("extract", target, err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			iox.DiscardClose(out)
			return types.NewError(types.ErrExtraction, "extract", target, readErr)
		}
	}
	if err := out.Close(); err != nil {
		return types.ClassifyFS("extract", target, err)
	}
	x.entries++
	return nil
}

// describeFormat is used in log fields.
func describeFormat(path string) string {
	f, err := DetectFormat(path)
	if err != nil {
		return fmt.Sprintf("unknown (%v)", err)
	}
	return string(f)
}
