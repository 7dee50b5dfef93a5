// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"fmt"
	"io"
	"os"
)

// AsyncLogger wraps an io.WriteCloser (normally a *lumberjack.Logger) with a
// buffered channel and a single background goroutine, so that a slow or
// stalled log sink never blocks the goroutine that produced the log line.
// When the buffer is full, the message is dropped rather than applying
// backpressure to the caller.
type AsyncLogger struct {
	out      io.WriteCloser
	messages chan []byte
	done     chan struct{}
}

// NewAsyncLogger starts the background writer goroutine and returns a
// logger ready to accept writes. bufferSize is the number of pending
// messages the channel holds before new writes are dropped.
func NewAsyncLogger(out io.WriteCloser, bufferSize int) *AsyncLogger {
	l := &AsyncLogger{
		out:      out,
		messages: make(chan []byte, bufferSize),
		done:     make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *AsyncLogger) run() {
	defer close(l.done)
	for msg := range l.messages {
		l.out.Write(msg)
	}
}

// Write queues p for the background goroutine to deliver to the underlying
// writer. It copies p since the caller's buffer may be reused. Write never
// blocks: if the buffer is full the message is dropped and a warning is
// printed to stderr.
func (l *AsyncLogger) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)

	select {
	case l.messages <- cp:
	default:
		fmt.Fprintln(os.Stderr, "asynclogger: log buffer is full, dropping message.")
	}
	return len(p), nil
}

// Close drains the pending buffer, waits for the background goroutine to
// finish, and closes the underlying writer.
func (l *AsyncLogger) Close() error {
	close(l.messages)
	<-l.done
	return l.out.Close()
}
