package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// ContentHash returns a SHA-256 hex digest identifying a's current content,
// the value the outgoing payload carries in place of a's full filesystem
// path. File-kind artifacts hash their bytes directly; directory-kind
// artifacts hash a deterministic manifest of relative path, size, and
// mtime for every file in the tree (same depth ComputeSignature uses),
// since hashing a multi-gigabyte acquisition directory byte-for-byte on
// every upload would be prohibitively slow.
func ContentHash(a Artifact) (string, error) {
	switch a.Kind {
	case File:
		return fileContentHash(a.Path)
	case Directory:
		depth := 1
		if a.Vendor == Waters {
			depth = 2
		}
		return dirManifestHash(a.Path, depth)
	default:
		return fileContentHash(a.Path)
	}
}

func fileContentHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type manifestEntry struct {
	rel   string
	size  int64
	mtime int64
}

func dirManifestHash(root string, depth int) (string, error) {
	var entries []manifestEntry

	var walk func(dir, prefix string, remaining int) error
	walk = func(dir, prefix string, remaining int) error {
		items, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, it := range items {
			rel := filepath.Join(prefix, it.Name())
			if it.IsDir() {
				if remaining > 0 {
					if err := walk(filepath.Join(dir, it.Name()), rel, remaining-1); err != nil {
						return err
					}
				}
				continue
			}
			info, err := it.Info()
			if err != nil {
				continue
			}
			entries = append(entries, manifestEntry{rel: rel, size: info.Size(), mtime: info.ModTime().UnixNano()})
		}
		return nil
	}
	if err := walk(root, "", depth); err != nil {
		return "", err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })

	h := sha256.New()
	for _, e := range entries {
		fmt.Fprintf(h, "%s|%d|%d\n", e.rel, e.size, e.mtime)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
