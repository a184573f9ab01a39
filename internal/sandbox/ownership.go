package sandbox

import (
	"io/fs"
	"os"
	"path/filepath"

	"taoj/pkg/errors"
)

// ChownTreeToWorker hands a working directory to the worker uid so the
// sandboxed program may write into it.
func ChownTreeToWorker(root string) error {
	return chownTree(root, WorkerUID, WorkerUID)
}

// ChownTreeBack reclaims files the worker wrote, so artifacts can be read
// and uploaded by the runner afterwards.
func ChownTreeBack(root string) error {
	return chownTree(root, os.Getuid(), os.Getgid())
}

func chownTree(root string, uid, gid int) error {
	err := filepath.Walk(root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		// do not follow symlinks out of the tree
		if info.Mode()&os.ModeSymlink != 0 {
			return os.Lchown(path, uid, gid)
		}
		return os.Chown(path, uid, gid)
	})
	if err != nil {
		return errors.Wrapf(err, errors.SandboxSetupFailed, "chown %s", root)
	}
	return nil
}
