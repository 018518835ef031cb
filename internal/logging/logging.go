// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package logging sets up loggo for the mongorole programs.
package logging

import (
	"io"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/lumberjack/v2"
)

var logger = loggo.GetLogger("mongorole.logging")

const (
	// DefaultConfig is used when no logging config is given.
	DefaultConfig = "<root>=INFO"

	// DefaultMaxSizeMB is the size at which a log file is rotated.
	DefaultMaxSizeMB = 300

	// DefaultMaxBackups is the number of rotated files kept.
	DefaultMaxBackups = 2

	fileWriterName = "file"
)

// Config describes how a program logs.
type Config struct {
	// LoggingConfig is a loggo specification such as
	// "<root>=INFO;mongorole.peergrouper=DEBUG".
	LoggingConfig string

	// LogFile, when set, receives every log entry in addition to the
	// default writer. It is rotated by size.
	LogFile    string
	MaxSizeMB  int
	MaxBackups int
}

// Setup configures the default loggo context. The returned closer
// releases the log file, if any.
func Setup(config Config) (io.Closer, error) {
	spec := config.LoggingConfig
	if spec == "" {
		spec = DefaultConfig
	}
	if _, err := loggo.ParseConfigString(spec); err != nil {
		return nil, errors.NewNotValid(err, "logging config")
	}
	loggo.DefaultContext().ResetLoggerLevels()
	if err := loggo.ConfigureLoggers(spec); err != nil {
		return nil, errors.Trace(err)
	}
	if config.LogFile == "" {
		return nopCloser{}, nil
	}

	writer := NewFileWriter(config.LogFile, config.MaxSizeMB, config.MaxBackups)
	_, _ = loggo.RemoveWriter(fileWriterName)
	if err := loggo.RegisterWriter(fileWriterName, loggo.NewSimpleWriter(writer, loggo.DefaultFormatter)); err != nil {
		_ = writer.Close()
		return nil, errors.Annotate(err, "adding log file writer")
	}
	logger.Debugf("created rotating log file %q with max size %d MB and max backups %d",
		writer.Filename, writer.MaxSize, writer.MaxBackups)
	return fileCloser{writer}, nil
}

// NewFileWriter returns a compressing, rotating writer for path.
// Non-positive sizes take the defaults.
func NewFileWriter(path string, maxSizeMB, maxBackups int) *lumberjack.Logger {
	if maxSizeMB <= 0 {
		maxSizeMB = DefaultMaxSizeMB
	}
	if maxBackups <= 0 {
		maxBackups = DefaultMaxBackups
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type fileCloser struct {
	writer *lumberjack.Logger
}

func (c fileCloser) Close() error {
	_, _ = loggo.RemoveWriter(fileWriterName)
	return errors.Trace(c.writer.Close())
}
