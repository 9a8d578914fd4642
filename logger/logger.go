// Copyright 2025 The guild Authors
// This file is part of the guild library.
//
// The guild library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The guild library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the guild library. If not, see <http://www.gnu.org/licenses/>.

// Package logger provides leveled logging with pluggable sinks.
//
// Emission is fire-and-forget: records go through a bounded channel
// drained by a single writer goroutine, so callers never block on slow
// sinks. When the channel is full the record is dropped and counted.
package logger

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level is a log verbosity level.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	}
	return fmt.Sprintf("level-%d", int(l))
}

// LevelFromString parses one of error/warn/info/debug.
func LevelFromString(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "error":
		return LevelError, nil
	case "warn":
		return LevelWarn, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Record is a single log entry.
type Record struct {
	Time time.Time
	Lvl  Level
	Msg  string
}

// LogSystem is a destination for log records.
type LogSystem interface {
	LogRecord(Record)
}

const emitQueueSize = 256

// Logger fans records out to its sinks through a bounded queue.
// Construct one per process and hand it to each component.
type Logger struct {
	systems []LogSystem
	ch      chan Record
	dropped uint64

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a logger draining into the given sinks and starts its
// writer goroutine.
func New(systems ...LogSystem) *Logger {
	l := &Logger{
		systems: systems,
		ch:      make(chan Record, emitQueueSize),
		done:    make(chan struct{}),
	}
	go l.drain()
	return l
}

func (l *Logger) drain() {
	for rec := range l.ch {
		for _, sys := range l.systems {
			sys.LogRecord(rec)
		}
	}
	close(l.done)
}

func (l *Logger) emit(lvl Level, msg string) {
	rec := Record{Time: time.Now(), Lvl: lvl, Msg: msg}
	select {
	case l.ch <- rec:
	default:
		atomic.AddUint64(&l.dropped, 1)
	}
}

// Errorf logs at the error level.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.emit(LevelError, fmt.Sprintf(format, args...))
}

// Warnf logs at the warn level.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.emit(LevelWarn, fmt.Sprintf(format, args...))
}

// Infof logs at the info level.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.emit(LevelInfo, fmt.Sprintf(format, args...))
}

// Debugf logs at the debug level.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.emit(LevelDebug, fmt.Sprintf(format, args...))
}

// Dropped returns the number of records discarded because the queue
// was full.
func (l *Logger) Dropped() uint64 {
	return atomic.LoadUint64(&l.dropped)
}

// Close stops the writer goroutine after the queue has drained.
// The logger must not be used afterwards.
func (l *Logger) Close() {
	l.closeOnce.Do(func() {
		close(l.ch)
		<-l.done
	})
}

// Discard is a logger whose records go nowhere; handy as a default in
// tests and optional constructor arguments.
var Discard = New()

// ensureWriter guards against sinks constructed with a nil writer.
func ensureWriter(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
