// Package atomicfile replaces files and directories so readers observe either
// the old or the new content, never a partial write.
package atomicfile

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// WriteFile atomically replaces path with data.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	return Write(path, perm, func(w io.Writer) error {
		_, err := io.Copy(w, bytes.NewReader(data))
		return err
	})
}

// Write streams fill into a temp file next to path, fsyncs it and renames it
// over path. On any error the temp file is removed and path is untouched.
func Write(path string, perm os.FileMode, fill func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "mkdir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+base+".tmp.*")
	if err != nil {
		return errors.Wrapf(err, "create temp for %s", path)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if err := fill(tmp); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return errors.Wrapf(err, "chmod %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		return errors.Wrapf(err, "fsync %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close %s", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(err, "rename %s -> %s", tmpName, path)
	}
	committed = true
	return fsyncDir(dir)
}

// StageDir creates an empty staging directory beside path for ReplaceDir.
func StageDir(path string) (string, error) {
	parent := filepath.Dir(path)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", errors.Wrapf(err, "mkdir %s", parent)
	}
	dir, err := os.MkdirTemp(parent, "."+filepath.Base(path)+".stage.*")
	if err != nil {
		return "", errors.Wrapf(err, "create staging dir for %s", path)
	}
	return dir, nil
}

// backupInfix separates a directory name from the nanosecond suffix of its
// ReplaceDir backup.
const backupInfix = ".old-"

// ReplaceDir swaps a fully written staging directory into place.
//
// The old directory (if any) is first renamed to a backup, then staged is
// renamed to path and the backup removed. If the second rename fails the
// backup is moved back. A crash between the two renames leaves the backup
// on disk beside path; RecoverDir puts it back.
func ReplaceDir(staged, path string) error {
	if _, err := RecoverDir(path); err != nil {
		return err
	}
	backup := ""
	if _, err := os.Stat(path); err == nil {
		backup = path + backupInfix + strconv.FormatInt(time.Now().UnixNano(), 10)
		if err := os.Rename(path, backup); err != nil {
			return errors.Wrapf(err, "move aside %s", path)
		}
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "stat %s", path)
	}

	if err := os.Rename(staged, path); err != nil {
		if backup != "" {
			_ = os.Rename(backup, path)
		}
		return errors.Wrapf(err, "rename %s -> %s", staged, path)
	}
	if backup != "" {
		if err := os.RemoveAll(backup); err != nil {
			return errors.Wrapf(err, "remove backup %s", backup)
		}
	}
	return fsyncDir(filepath.Dir(path))
}

// RecoverDir repairs what an interrupted ReplaceDir left beside path. When
// path is missing, the newest backup is renamed back to it and true is
// returned. Backups older than the live directory are removed.
func RecoverDir(path string) (bool, error) {
	parent := filepath.Dir(path)
	prefix := filepath.Base(path) + backupInfix
	entries, err := os.ReadDir(parent)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "read dir %s", parent)
	}

	var backups []string
	var stamps []int64
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimPrefix(name, prefix), 10, 64)
		if err != nil {
			continue
		}
		backups = append(backups, filepath.Join(parent, name))
		stamps = append(stamps, n)
	}
	if len(backups) == 0 {
		return false, nil
	}

	restored := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		newest := 0
		for i := range stamps {
			if stamps[i] > stamps[newest] {
				newest = i
			}
		}
		if err := os.Rename(backups[newest], path); err != nil {
			return false, errors.Wrapf(err, "restore %s -> %s", backups[newest], path)
		}
		backups = append(backups[:newest], backups[newest+1:]...)
		restored = true
	} else if err != nil {
		return false, errors.Wrapf(err, "stat %s", path)
	}

	for _, b := range backups {
		if err := os.RemoveAll(b); err != nil {
			return restored, errors.Wrapf(err, "remove backup %s", b)
		}
	}
	return restored, fsyncDir(parent)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
