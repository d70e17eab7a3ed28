package artifact

import (
	"encoding/binary"
	"encoding/hex"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cockroachdb/errors"
	"lukechampine.com/blake3"
)

// Hasher builds fingerprints from length-prefixed fields, so ("ab","c") and
// ("a","bc") never collide.
type Hasher struct {
	h hash.Hash
}

// NewHasher returns a 256-bit BLAKE3 field hasher.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New(32, nil)}
}

// Field appends one length-prefixed field.
func (h *Hasher) Field(s string) *Hasher {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	_, _ = h.h.Write(n[:])
	_, _ = io.WriteString(h.h, s)
	return h
}

// Fields appends each string as its own field, preceded by the count.
func (h *Hasher) Fields(ss ...string) *Hasher {
	h.Field(strconv.Itoa(len(ss)))
	for _, s := range ss {
		h.Field(s)
	}
	return h
}

// Sum returns the hex digest.
func (h *Hasher) Sum() string {
	return hex.EncodeToString(h.h.Sum(nil))
}

// HashFile returns the BLAKE3 digest of a file's contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304 -- paths are stage outputs under the build directory
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashPath fingerprints a filesystem entry. Regular files hash their
// contents, symlinks their target, and directories hash every entry below
// them in lexical order by relative path, type, permission bits and content.
func HashPath(path string) (string, error) {
	return HashPathExcluding(path)
}

// HashPathExcluding is HashPath with every entry at or below one of exclude
// left out of a directory hash. Both path and exclude are compared after
// filepath.Abs.
func HashPathExcluding(path string, exclude ...string) (string, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return "", err
	}
	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return "", err
		}
		return NewHasher().Field("symlink").Field(target).Sum(), nil
	case info.IsDir():
		skip := make(map[string]bool, len(exclude))
		for _, e := range exclude {
			abs, err := filepath.Abs(e)
			if err != nil {
				return "", err
			}
			skip[abs] = true
		}
		root, err := filepath.Abs(path)
		if err != nil {
			return "", err
		}
		return hashTree(root, skip)
	case info.Mode().IsRegular():
		return HashFile(path)
	default:
		return "", errors.Newf("unsupported file type %s for %s", info.Mode().Type(), path)
	}
}

func hashTree(root string, skip map[string]bool) (string, error) {
	h := NewHasher().Field("tree")
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if p == root {
			return nil
		}
		if skip[p] {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			h.Field("l").Field(rel).Field(target)
		case d.IsDir():
			h.Field("d").Field(rel)
		case info.Mode().IsRegular():
			sum, err := HashFile(p)
			if err != nil {
				return err
			}
			h.Field("f").Field(rel).Field(info.Mode().Perm().String()).Field(sum)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return h.Sum(), nil
}
