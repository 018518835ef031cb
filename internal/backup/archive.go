// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backup

import (
	"io"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/utils/v4/tar"
)

// skipDirectories are filesystem housekeeping directories never worth
// archiving. Names are compared upper case.
var skipDirectories = set.NewStrings("$RECYCLE.BIN", "LOST+FOUND")

// Logf records a line of progress.
type Logf func(format string, args ...any)

// WriteArchive writes a tar archive of every regular file under root to
// w. Paths in the archive are relative to root. It returns the base64
// SHA-1 of the archive.
func WriteArchive(w io.Writer, root string, logf Logf) (string, error) {
	files, err := archiveFiles(root, logf)
	if err != nil {
		return "", errors.Trace(err)
	}
	strip := filepath.Clean(root) + string(filepath.Separator)
	sum, err := tar.TarFiles(files, w, strip)
	if err != nil {
		return "", errors.Annotate(err, "writing archive")
	}
	return sum, nil
}

func archiveFiles(root string, logf Logf) ([]string, error) {
	logf("Opening in %s...", root)
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && skipDirectories.Contains(strings.ToUpper(d.Name())) {
				logf("Skipping directory %s and its subdirectories", path)
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		logf("Writing %s... (%s)", d.Name(), FormatFileSize(info.Size()))
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, errors.Annotatef(err, "walking %s", root)
	}
	return files, nil
}
