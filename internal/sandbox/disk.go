package sandbox

import (
	"io/fs"
	"os"
	"path/filepath"
)

// smallDirThreshold ignores the space a nearly-empty directory itself
// occupies, the way du rounds away empty directories.
const smallDirThreshold = 16 * 1024

// diskUsage walks the given paths and reports how many regular files exist
// and how much space they take. Symlinks are counted but not followed.
func diskUsage(paths []string) (files, bytes int64) {
	for _, root := range paths {
		_ = filepath.Walk(root, func(path string, info fs.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return nil
			}
			if info.IsDir() {
				if size := info.Size(); size >= smallDirThreshold {
					bytes += size
				}
				return nil
			}
			files++
			bytes += info.Size()
			return nil
		})
	}
	return files, bytes
}
