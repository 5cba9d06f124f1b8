package client

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// tarDirectory streams path (file or directory) into w as a tar
// archive. A single leading path component, the source root's last
// segment, is preserved in every entry so the receiver can
// reconstruct the tree.
func tarDirectory(w io.Writer, path string) error {
	tw := tar.NewWriter(w)
	defer tw.Close()

	base := filepath.Base(path)
	return filepath.Walk(path, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(filepath.Dir(path), p)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if hdr.Name == "" {
			hdr.Name = base
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

// newZstdEncoder wraps w so writes are transparently zstd-compressed,
// for the client's optional pre-encryption compression stage.
func newZstdEncoder(w io.Writer) (*zstd.Encoder, error) {
	return zstd.NewWriter(w)
}

// newZstdDecoder wraps r so reads are transparently zstd-decompressed.
func newZstdDecoder(r io.Reader) (*zstd.Decoder, error) {
	return zstd.NewReader(r)
}

// untarTo extracts the tar stream read from r into destDir, refusing
// to overwrite an existing path for the first entry's top-level
// directory. Later entries are not re-checked.
func untarTo(r io.Reader, destDir string) error {
	tr := tar.NewReader(r)
	checkedTop := false

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("client: reading tar stream: %w", err)
		}

		target := filepath.Join(destDir, filepath.FromSlash(hdr.Name))

		if !checkedTop {
			top := firstPathComponent(hdr.Name)
			topPath := filepath.Join(destDir, top)
			if _, err := os.Stat(topPath); err == nil {
				return fmt.Errorf("client: destination %q already exists", topPath)
			}
			checkedTop = true
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)|0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)|0o600)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
}

func firstPathComponent(name string) string {
	name = filepath.ToSlash(name)
	for i := 0; i < len(name); i++ {
		if name[i] == '/' {
			return name[:i]
		}
	}
	return name
}
