// Copyright (C) 2014 Jakob Borg. All rights reserved. Use of this source code
// is governed by an MIT-style license that can be found in the LICENSE file.

// Package logging implements the node's standardized logger: leveled
// output with pluggable callback handlers, so in-process listeners (the
// event bus) can mirror log lines without scraping stdout.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	numLevels
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Handler is called with every logged line at or above the level it was
// registered for.
type Handler func(l Level, msg string)

type Logger struct {
	out      *log.Logger
	mut      sync.Mutex
	handlers [numLevels][]Handler
}

var Default = New(os.Stderr)

func New(w io.Writer) *Logger {
	return &Logger{out: log.New(w, "", log.LstdFlags)}
}

// AddHandler registers h to receive every message logged at level or above.
func (l *Logger) AddHandler(level Level, h Handler) {
	l.mut.Lock()
	defer l.mut.Unlock()
	l.handlers[level] = append(l.handlers[level], h)
}

func (l *Logger) emit(level Level, s string) {
	l.mut.Lock()
	defer l.mut.Unlock()
	l.out.Output(3, level.String()+": "+s)
	trimmed := strings.TrimSpace(s)
	for lv := LevelDebug; lv <= level; lv++ {
		for _, h := range l.handlers[lv] {
			h(level, trimmed)
		}
	}
}

func (l *Logger) Debugln(vals ...interface{}) { l.emit(LevelDebug, fmt.Sprintln(vals...)) }
func (l *Logger) Debugf(format string, vals ...interface{}) {
	l.emit(LevelDebug, fmt.Sprintf(format, vals...))
}
func (l *Logger) Infoln(vals ...interface{}) { l.emit(LevelInfo, fmt.Sprintln(vals...)) }
func (l *Logger) Infof(format string, vals ...interface{}) {
	l.emit(LevelInfo, fmt.Sprintf(format, vals...))
}
func (l *Logger) Warnln(vals ...interface{}) { l.emit(LevelWarn, fmt.Sprintln(vals...)) }
func (l *Logger) Warnf(format string, vals ...interface{}) {
	l.emit(LevelWarn, fmt.Sprintf(format, vals...))
}
func (l *Logger) Errorln(vals ...interface{}) { l.emit(LevelError, fmt.Sprintln(vals...)) }
func (l *Logger) Errorf(format string, vals ...interface{}) {
	l.emit(LevelError, fmt.Sprintf(format, vals...))
}
