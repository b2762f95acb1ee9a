package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"onboardvoice/internal/device"
	"onboardvoice/internal/model"
	"onboardvoice/internal/progress"
)

// consoleSpeaker "speaks" by printing. Output starts and ends immediately.
type consoleSpeaker struct {
	mu  sync.Mutex
	out io.Writer
}

func (s *consoleSpeaker) Speak(_ context.Context, text string, cb device.SpeechCallbacks) {
	if cb.OnStart != nil {
		cb.OnStart()
	}
	s.mu.Lock()
	fmt.Fprintf(s.out, "assistant> %s\n", text)
	s.mu.Unlock()
	if cb.OnEnd != nil {
		cb.OnEnd()
	}
}

// consoleListener treats each stdin line as one utterance. Lines starting with
// "/" are host commands and are handed to Commands instead.
type consoleListener struct {
	lines    chan string
	commands chan string
	closed   chan struct{}
}

func newConsoleListener(in io.Reader) *consoleListener {
	l := &consoleListener{
		lines:    make(chan string),
		commands: make(chan string, 1),
		closed:   make(chan struct{}),
	}
	go l.scan(in)
	return l
}

func (l *consoleListener) scan(in io.Reader) {
	defer close(l.closed)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "/") {
			l.commands <- line
			continue
		}
		l.lines <- line
	}
}

func (l *consoleListener) Available() bool { return true }

func (l *consoleListener) Listen(ctx context.Context, _ bool) (string, error) {
	select {
	case line := <-l.lines:
		return line, nil
	case <-l.closed:
		return "", io.EOF
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Commands delivers host commands typed on stdin.
func (l *consoleListener) Commands() <-chan string { return l.commands }

// Closed is closed once stdin is exhausted.
func (l *consoleListener) Closed() <-chan struct{} { return l.closed }

// consoleObserver prints progress and signals completion.
type consoleObserver struct {
	out  io.Writer
	done chan model.Fields
}

func (o *consoleObserver) TurnAppended(string, model.Turn)               {}
func (o *consoleObserver) StateChanged(string, model.State, model.State) {}

func (o *consoleObserver) ProgressChanged(_ string, pos model.Position) {
	fmt.Fprintf(o.out, "[%d/%d %s]\n", pos, progress.Done, progress.StageName(pos))
}

func (o *consoleObserver) ExternalActionRequested(_ string, kind string) {
	fmt.Fprintf(o.out, "[waiting for %s, type /back success or /back failure]\n", kind)
}

func (o *consoleObserver) Completed(_ string, fields model.Fields) {
	select {
	case o.done <- fields:
	default:
	}
}
