// Package nlog is the dispatch platform's logger: buffering, timestamping,
// writing, and size-based rotation, one file per severity.
/*
 * Copyright (c) 2023, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

var MaxSize int64 = 4 * 1024 * 1024

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

var sevChar = [...]byte{'I', 'W', 'E'}
var sevText = [...]string{"INFO", "WARN", "ERROR"}

type file struct {
	mu      sync.Mutex
	w       *bufio.Writer
	f       *os.File
	written int64
	sev     severity
}

var (
	logDir, role, title string
	toStderr            bool
	alsoToStderr        bool
	files               [3]*file
	once                sync.Once
)

func InitFlags(flset *flag.FlagSet) {
	flset.BoolVar(&toStderr, "logtostderr", false, "log to standard error instead of files")
	flset.BoolVar(&alsoToStderr, "alsologtostderr", false, "log to standard error as well as files")
}

// SetLogDirRole points the logger at a log directory and tags rotated
// filenames with the process role ("management" or "agent").
func SetLogDirRole(dir, r string) { logDir, role = dir, r }

func SetTitle(s string) { title = s }

func InfoLogName() string { return role + ".INFO" }
func ErrLogName() string  { return role + ".ERROR" }

func Infoln(args ...any)                  { log(sevInfo, 0, "", args...) }
func Infof(format string, args ...any)    { log(sevInfo, 0, format, args...) }
func InfoDepth(depth int, args ...any)    { log(sevInfo, depth, "", args...) }
func Warningln(args ...any)               { log(sevWarn, 0, "", args...) }
func Warningf(format string, args ...any) { log(sevWarn, 0, format, args...) }
func Errorln(args ...any)                 { log(sevErr, 0, "", args...) }
func Errorf(format string, args ...any)   { log(sevErr, 0, format, args...) }
func ErrorDepth(depth int, args ...any)   { log(sevErr, depth, "", args...) }

func init() {
	for s := sevInfo; s <= sevErr; s++ {
		files[s] = &file{sev: s}
	}
}

func ensureOpen() {
	once.Do(func() {
		if toStderr || logDir == "" {
			return
		}
		for s := sevInfo; s <= sevErr; s++ {
			if err := files[s].open(); err != nil {
				toStderr = true
				fmt.Fprintf(os.Stderr, "nlog: falling back to stderr: %v\n", err)
				return
			}
		}
	})
}

func log(sev severity, depth int, format string, args ...any) {
	ensureOpen()
	line := formatLine(sev, depth+2, format, args...)

	if toStderr || alsoToStderr || sev >= sevWarn {
		os.Stderr.WriteString(line)
	}
	if toStderr {
		return
	}
	// every line also lands in the INFO log, matching the teacher's fan-in
	if sev != sevInfo {
		files[sevInfo].write(line)
	}
	files[sev].write(line)
}

func formatLine(sev severity, depth int, format string, args ...any) string {
	var b strings.Builder
	b.WriteByte(sevChar[sev])
	b.WriteByte(' ')
	b.WriteString(time.Now().Format("15:04:05.000000"))
	b.WriteByte(' ')
	if _, fn, ln, ok := runtime.Caller(depth); ok {
		if idx := strings.LastIndexByte(fn, '/'); idx >= 0 {
			fn = fn[idx+1:]
		}
		b.WriteString(fn)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(ln))
		b.WriteByte(' ')
	}
	if format == "" {
		fmt.Fprintln(&b, args...)
	} else {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}
	return b.String()
}

func (f *file) open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rotate()
}

// under f.mu
func (f *file) rotate() error {
	if f.f != nil {
		f.w.Flush()
		f.f.Close()
	}
	name, link := logName(sevText[f.sev], time.Now())
	path := filepath.Join(logDir, name)
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	linkPath := filepath.Join(logDir, link)
	os.Remove(linkPath)
	os.Symlink(name, linkPath) //nolint:errcheck // best-effort convenience symlink
	f.f = fh
	f.w = bufio.NewWriterSize(fh, 32*1024)
	f.written = 0
	header := fmt.Sprintf("Started up at %s, %s for %s/%s\n", time.Now().Format(time.RFC3339), runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if title != "" {
		header += title + "\n"
	}
	_, err = f.w.WriteString(header)
	return err
}

func (f *file) write(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.f == nil {
		return
	}
	n, _ := f.w.WriteString(line)
	f.written += int64(n)
	if f.written >= MaxSize {
		f.w.Flush()
		f.rotate() //nolint:errcheck // logging must never block the caller on rotation failure
	}
}

func Flush(exit ...bool) {
	force := len(exit) > 0 && exit[0]
	for s := sevInfo; s <= sevErr; s++ {
		f := files[s]
		f.mu.Lock()
		if f.w != nil {
			f.w.Flush()
			if force {
				f.f.Sync() //nolint:errcheck
			}
		}
		f.mu.Unlock()
	}
}

func logName(tag string, t time.Time) (name, link string) {
	host, _ := os.Hostname()
	name = fmt.Sprintf("%s.%s.%s.%02d%02d-%02d%02d%02d.%d",
		role, host, tag, t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), os.Getpid())
	return name, role + "." + tag
}
