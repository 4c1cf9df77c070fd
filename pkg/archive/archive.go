package archive

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Pack streams dir as a zstd-compressed tarball into w and returns the
// sha256 of the compressed stream. Entry names are relative to dir. Devices,
// sockets and fifos are skipped; a home directory full of editor state has
// no business containing them and they cannot be restored portably anyway.
func Pack(dir string, w io.Writer) (digest string, err error) {
	hasher := sha256.New()
	enc, err := zstd.NewWriter(io.MultiWriter(w, hasher))
	if err != nil {
		return "", fmt.Errorf("failed to create compressor: %w", err)
	}
	tw := tar.NewWriter(enc)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		mode := info.Mode()
		if mode&(os.ModeDevice|os.ModeNamedPipe|os.ModeSocket|os.ModeCharDevice) != 0 {
			return nil
		}

		var link string
		if mode&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		if mode.IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, f)
			f.Close()
			if err != nil {
				return err
			}
		}
		return nil
	})
	if walkErr != nil {
		return "", fmt.Errorf("failed to pack %s: %w", dir, walkErr)
	}

	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish tar stream: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to finish compression: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Unpack extracts a zstd-compressed tarball into dir. Entries that would
// escape dir are rejected outright; a corrupted or malicious archive must
// not be able to write outside the target volume.
func Unpack(r io.Reader, dir string) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to open compressed stream: %w", err)
	}
	defer dec.Close()

	tr := tar.NewReader(dec)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive entry: %w", err)
		}

		target, err := secureJoin(dir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create parent directory: %w", err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fs.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("failed to create file: %w", err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("failed to write file: %w", err)
			}
			if err := f.Close(); err != nil {
				return err
			}

		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create parent directory: %w", err)
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("failed to create symlink: %w", err)
			}

		case tar.TypeLink:
			src, err := secureJoin(dir, hdr.Linkname)
			if err != nil {
				return err
			}
			if err := os.Link(src, target); err != nil {
				return fmt.Errorf("failed to create hard link: %w", err)
			}

		default:
			// Anything exotic was excluded at pack time.
		}
	}
}

// secureJoin resolves an archive entry name under dir, rejecting absolute
// paths and parent traversal.
func secureJoin(dir, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry escapes target: %q", name)
	}
	return filepath.Join(dir, clean), nil
}
