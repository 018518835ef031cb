// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backup

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

const (
	// DefaultContainer holds backup archives.
	DefaultContainer = "mongobackups"

	// ArchiveSuffix ends the name of every backup archive.
	ArchiveSuffix = ".tar"

	// Submitter is recorded in the metadata of every archive.
	Submitter = "BlobBackup"

	fileNameKey  = "FileName"
	submitterKey = "Submitter"
)

var sizeUnits = []string{"bytes", "KB", "MB", "GB", "TB", "PB", "EB", "ZB", "YB"}

// BackupName returns the archive name for a backup started at t.
func BackupName(t time.Time) string {
	return fmt.Sprintf("backup_%d-%d-%d_%d-%d%s",
		t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), ArchiveSuffix)
}

// FormatFileSize renders a size in bytes with binary units and at most
// two decimals, for example "72.75 KB".
func FormatFileSize(n int64) string {
	size := float64(n)
	index := 0
	for size >= 1024 && index < len(sizeUnits)-1 {
		size /= 1024
		index++
	}
	size = math.Round(size*100) / 100
	return strconv.FormatFloat(size, 'f', -1, 64) + " " + sizeUnits[index]
}
