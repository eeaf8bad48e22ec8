// Copyright 2023-2026 The strec Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; version 2.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package log

// API inspired by zerolog https://github.com/rs/zerolog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Level defines log level.
type Level uint8

// Logging levels.
const (
	LevelError   Level = 16
	LevelWarning Level = 24
	LevelInfo    Level = 32
	LevelDebug   Level = 48
)

// UnixMillisecond timestamp.
type UnixMillisecond uint64

// Event defines log event.
type Event struct {
	level   Level
	time    UnixMillisecond // Timestamp.
	src     string          // Source, usually a stage or package name.
	session string          // Capture session id.

	logger *Logger
}

// Entry defines a log entry.
type Entry struct {
	Level   Level
	Time    UnixMillisecond
	Msg     string
	Src     string
	Session string
}

// Src sets event source.
func (e *Event) Src(source string) *Event {
	e.src = source
	return e
}

// Session sets the capture session the event belongs to.
func (e *Event) Session(sessionID string) *Event {
	e.session = sessionID
	return e
}

// Time sets event time.
func (e *Event) Time(t time.Time) *Event {
	e.time = UnixMillisecond(t.UnixNano() / 1000)
	return e
}

// Msg sends the event with msg added as the message field.
func (e *Event) Msg(msg string) {
	entry := Entry{
		Level:   e.level,
		Time:    e.time,
		Msg:     msg,
		Src:     e.src,
		Session: e.session,
	}
	e.logger.feed <- entry
}

// Msgf sends the event with formatted msg added as the message field.
func (e *Event) Msgf(format string, v ...interface{}) {
	e.Msg(fmt.Sprintf(format, v...))
}

// Feed defines feed of log entries.
type Feed <-chan Entry
type logFeed chan Entry

// Logger fans log entries out to subscribers.
type Logger struct {
	feed  logFeed      // feed of log entries.
	sub   chan logFeed // subscribe requests.
	unsub chan logFeed // unsubscribe requests.

	wg *sync.WaitGroup
}

// NewLogger returns a Logger. Start must be called before use.
func NewLogger(wg *sync.WaitGroup) *Logger {
	return &Logger{
		feed:  make(logFeed),
		sub:   make(chan logFeed),
		unsub: make(chan logFeed),
		wg:    wg,
	}
}

// NewMockLogger used for testing.
func NewMockLogger() *Logger {
	return &Logger{
		feed:  make(logFeed),
		sub:   make(chan logFeed),
		unsub: make(chan logFeed),
		wg:    &sync.WaitGroup{},
	}
}

// Start the subscription broker.
func (l *Logger) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		subs := map[logFeed]struct{}{}
		for {
			select {
			case <-ctx.Done():
				l.wg.Done()
				return

			case ch := <-l.sub:
				subs[ch] = struct{}{}

			case ch := <-l.unsub:
				close(ch)
				delete(subs, ch)

			case entry := <-l.feed:
				for ch := range subs {
					ch <- entry
				}
			}
		}
	}()
}

// CancelFunc cancels log feed subscription.
type CancelFunc func()

// Subscribe returns a new chan with the log feed and a CancelFunc.
func (l *Logger) Subscribe() (<-chan Entry, CancelFunc) {
	feed := make(logFeed)
	l.sub <- feed

	cancel := func() {
		l.unSubscribe(feed)
	}
	return feed, cancel
}

func (l *Logger) unSubscribe(feed logFeed) {
	// Read feed until unsub request is accepted.
	for {
		select {
		case l.unsub <- feed:
			return
		case <-feed:
		}
	}
}

// LogToStdout prints the log feed to stdout until ctx is done.
func (l *Logger) LogToStdout(ctx context.Context) {
	feed, cancel := l.Subscribe()
	defer cancel()
	for {
		select {
		case entry := <-feed:
			printEntry(entry)
		case <-ctx.Done():
			return
		}
	}
}

func printEntry(entry Entry) {
	var b strings.Builder

	switch entry.Level {
	case LevelError:
		b.WriteString("[ERROR] ")
	case LevelWarning:
		b.WriteString("[WARNING] ")
	case LevelInfo:
		b.WriteString("[INFO] ")
	case LevelDebug:
		b.WriteString("[DEBUG] ")
	}

	if entry.Session != "" {
		b.WriteString(entry.Session + ": ")
	}
	if entry.Src != "" {
		b.WriteString(entry.Src + ": ")
	}

	b.WriteString(entry.Msg)
	fmt.Println(b.String())
}

// Error starts a new message with error level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Error() *Event {
	return l.event(LevelError)
}

// Warn starts a new message with warn level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Warn() *Event {
	return l.event(LevelWarning)
}

// Info starts a new message with info level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Info() *Event {
	return l.event(LevelInfo)
}

// Debug starts a new message with debug level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Debug() *Event {
	return l.event(LevelDebug)
}

func (l *Logger) event(level Level) *Event {
	return &Event{
		level:  level,
		time:   UnixMillisecond(time.Now().UnixNano() / 1000),
		logger: l,
	}
}
