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

package logger

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
)

var levelTags = map[Level]func(format string, a ...interface{}) string{
	LevelError: color.New(color.FgRed).SprintfFunc(),
	LevelWarn:  color.New(color.FgYellow).SprintfFunc(),
	LevelInfo:  color.New(color.FgGreen).SprintfFunc(),
	LevelDebug: color.New(color.FgCyan).SprintfFunc(),
}

// StdLogSystem writes records to an io.Writer, one line each, with a
// colored level tag. Records above the configured level are skipped.
type StdLogSystem struct {
	mu  sync.Mutex
	w   io.Writer
	lvl Level
}

// NewStdLogSystem creates a writer sink filtering at the given level.
func NewStdLogSystem(w io.Writer, lvl Level) *StdLogSystem {
	return &StdLogSystem{w: ensureWriter(w), lvl: lvl}
}

func (s *StdLogSystem) LogRecord(rec Record) {
	if rec.Lvl > s.lvl {
		return
	}
	tag := levelTags[rec.Lvl]("%-5s", rec.Lvl)
	s.mu.Lock()
	fmt.Fprintf(s.w, "%s %s %s\n", rec.Time.Format("15:04:05"), tag, rec.Msg)
	s.mu.Unlock()
}

// RingCapacity is how many records the in-memory ring retains for the
// dashboard consumer.
const RingCapacity = 100

// RingSystem keeps the most recent records in a bounded in-memory ring.
type RingSystem struct {
	mu  sync.RWMutex
	buf []Record
}

// NewRingSystem creates an empty ring sink.
func NewRingSystem() *RingSystem {
	return &RingSystem{}
}

func (r *RingSystem) LogRecord(rec Record) {
	r.mu.Lock()
	r.buf = append(r.buf, rec)
	if len(r.buf) > RingCapacity {
		r.buf = r.buf[1:]
	}
	r.mu.Unlock()
}

// Recent returns a copy of the retained records, oldest first.
func (r *RingSystem) Recent() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, len(r.buf))
	copy(out, r.buf)
	return out
}
