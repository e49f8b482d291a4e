// Package exact is the byte-level companion to the fingerprint engine:
// it finds files whose contents are identical, regardless of name,
// using streamed 64-bit content digests. Re-encodes never collide here;
// that is the fingerprint matcher's job.
package exact

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/OneOfOne/xxhash"

	"github.com/rad1914/TuneShredder/pkg/tuneshredder/audio"
)

// Group is a set of byte-identical files.
type Group struct {
	Digest uint64
	Size   int64
	Paths  []string
}

// HashFile streams the file through xxhash64.
func HashFile(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	h := xxhash.New64()
	if _, err := io.Copy(h, f); err != nil {
		return 0, fmt.Errorf("hashing %s: %w", path, err)
	}
	return h.Sum64(), nil
}

// Scan walks dir, digests every recognized audio file, and returns the
// groups with more than one member, largest waste first. Files are
// pre-grouped by size so only same-size files get hashed.
func Scan(dir string) ([]Group, error) {
	bySize := make(map[int64][]string)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !audio.Recognized(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		bySize[info.Size()] = append(bySize[info.Size()], path)
		return nil
	})
	if err != nil {
		return nil, err
	}

	type sizedDigest struct {
		size   int64
		digest uint64
	}
	byDigest := make(map[sizedDigest][]string)
	for size, paths := range bySize {
		if len(paths) < 2 {
			continue
		}
		for _, p := range paths {
			digest, err := HashFile(p)
			if err != nil {
				return nil, err
			}
			k := sizedDigest{size: size, digest: digest}
			byDigest[k] = append(byDigest[k], p)
		}
	}

	groups := make([]Group, 0, len(byDigest))
	for k, paths := range byDigest {
		if len(paths) < 2 {
			continue
		}
		sort.Strings(paths)
		groups = append(groups, Group{Digest: k.digest, Size: k.size, Paths: paths})
	}
	sort.Slice(groups, func(i, j int) bool {
		wi := groups[i].Size * int64(len(groups[i].Paths)-1)
		wj := groups[j].Size * int64(len(groups[j].Paths)-1)
		if wi != wj {
			return wi > wj
		}
		return groups[i].Paths[0] < groups[j].Paths[0]
	})
	return groups, nil
}
