package logger

import (
	"io"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig sizes the rotating log file the planner and worker write
// when logging.output is "file". Rotation is size-based; cron-driven
// processes produce bursts, not a steady stream, so there is no
// age-based rotation.
type FileConfig struct {
	Path      string
	MaxSizeMB int
	MaxFiles  int
}

// NewFileWriter returns a writer that appends to cfg.Path and rotates at
// MaxSizeMB, keeping MaxFiles gzipped predecessors.
func NewFileWriter(cfg FileConfig) io.Writer {
	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxFiles,
		Compress:   true,
	}
}
