// Package logger implements the leveled, per-object logging idiom
// used throughout the scanner, mirroring rclone's own fs.Logf family
// (fs.Errorf(obj, ...), fs.Debugf(obj, ...)) rather than reaching for
// a third-party logging library - rclone doesn't either.
package logger

import (
	"fmt"
	"log"
	"os"
	"sync"
)

// Level controls which calls actually produce output.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelNotice
	LevelError
	LevelQuiet // nothing is printed
)

var (
	mu    sync.Mutex
	level = LevelNotice
	std   = log.New(os.Stderr, "", 0)
)

// SetLevel sets the minimum level that will be printed.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

// SetQuiet is a shorthand for SetLevel(LevelQuiet).
func SetQuiet(quiet bool) {
	if quiet {
		SetLevel(LevelQuiet)
	}
}

func logAt(l Level, obj any, format string, args ...any) {
	mu.Lock()
	cur := level
	mu.Unlock()
	if l < cur {
		return
	}
	msg := fmt.Sprintf(format, args...)
	prefix := objectName(obj)
	if prefix != "" {
		std.Printf("%s: %s", prefix, msg)
	} else {
		std.Print(msg)
	}
}

func objectName(obj any) string {
	switch v := obj.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Debugf logs at debug level, prefixed with obj's name.
func Debugf(obj any, format string, args ...any) { logAt(LevelDebug, obj, format, args...) }

// Infof logs at info level.
func Infof(obj any, format string, args ...any) { logAt(LevelInfo, obj, format, args...) }

// Logf logs at notice level (the default level), matching rclone's
// fs.Logf naming.
func Logf(obj any, format string, args ...any) { logAt(LevelNotice, obj, format, args...) }

// Errorf logs at error level; it never exits the process.
func Errorf(obj any, format string, args ...any) { logAt(LevelError, obj, format, args...) }
