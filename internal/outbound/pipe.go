package outbound

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/muurk/iotgate/internal/logging"
	"go.uber.org/zap"
)

// reopenDelay is how long the reader waits before reopening a pipe whose
// writer went away.
const reopenDelay = 200 * time.Millisecond

// PipeSource reads newline-separated entries from a named pipe (or a regular
// file) in the background. Poll returns whatever arrived since the last tick.
type PipeSource struct {
	path   string
	offset int64

	mu    sync.Mutex
	lines []string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPipeSource starts reading path. The returned source keeps reopening the
// path after EOF until Close is called, so writers may come and go.
func NewPipeSource(ctx context.Context, path string) (*PipeSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("outbound pipe: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("outbound pipe: %s is a directory", path)
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &PipeSource{
		path:   path,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.run(ctx)
	return p, nil
}

// Poll implements Source.
func (p *PipeSource) Poll() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	lines := p.lines
	p.lines = nil
	return lines
}

// Close stops the reader and waits for it to exit.
func (p *PipeSource) Close() error {
	p.cancel()
	<-p.done
	return nil
}

func (p *PipeSource) run(ctx context.Context) {
	defer close(p.done)

	for ctx.Err() == nil {
		if err := p.readOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logging.Warn("Outbound pipe read failed",
				zap.String("path", p.path),
				zap.Error(err),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reopenDelay):
		}
	}
}

// readOnce opens the pipe and reads lines until EOF. Opening a FIFO blocks
// until a writer appears, so the open happens in its own goroutine.
func (p *PipeSource) readOnce(ctx context.Context) error {
	opened := make(chan *os.File, 1)
	openErr := make(chan error, 1)
	go func() {
		f, err := os.Open(p.path)
		if err != nil {
			openErr <- err
			return
		}
		opened <- f
	}()

	var f *os.File
	select {
	case <-ctx.Done():
		// Unblock a pending FIFO open by briefly opening the write side.
		if w, err := os.OpenFile(p.path, os.O_WRONLY|os.O_APPEND, 0); err == nil {
			_ = w.Close()
		}
		select {
		case f = <-opened:
			_ = f.Close()
		case <-openErr:
		case <-time.After(time.Second):
		}
		return ctx.Err()
	case err := <-openErr:
		return err
	case f = <-opened:
	}
	defer f.Close()

	stop := context.AfterFunc(ctx, func() { _ = f.Close() })
	defer stop()

	// Regular files are tailed from where the last pass stopped; FIFOs are
	// consumed as they are written.
	info, err := f.Stat()
	if err != nil {
		return err
	}
	regular := info.Mode().IsRegular()
	if regular {
		if info.Size() < p.offset {
			p.offset = 0
		}
		if _, err := f.Seek(p.offset, io.SeekStart); err != nil {
			return err
		}
	}

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if err != nil && (regular || line == "") {
			// A partial trailing line in a regular file is left for the next pass.
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if regular {
			p.offset += int64(len(line))
		}
		if entry := strings.TrimRight(line, "\r\n"); entry != "" {
			p.mu.Lock()
			p.lines = append(p.lines, entry)
			p.mu.Unlock()
		}
		if err != nil {
			return ctx.Err()
		}
	}
}
