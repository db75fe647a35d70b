package adb

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/zsiec/devrelay/internal/device"
)

type execCommander struct {
	binary string
	log    *slog.Logger
}

func (e *execCommander) Output(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, e.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%w: %s", err, msg)
		}
		return out, err
	}
	return out, nil
}

// Start launches a long-lived adb invocation. Its stdout and stderr are
// forwarded to the debug log line by line.
func (e *execCommander) Start(args ...string) (device.Process, error) {
	cmd := exec.Command(e.binary, args...)
	cmd.Stdout = &logWriter{log: e.log, stream: "stdout"}
	cmd.Stderr = &logWriter{log: e.log, stream: "stderr"}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// execProcess adapts a started *exec.Cmd to device.Process.
type execProcess struct {
	cmd      *exec.Cmd
	done     chan struct{}
	err      error
	killOnce sync.Once
}

func (p *execProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *execProcess) Kill() error {
	var err error
	p.killOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		err = p.cmd.Process.Kill()
	})
	return err
}

type logWriter struct {
	log    *slog.Logger
	stream string
	mu     sync.Mutex
	buf    []byte
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := strings.TrimSpace(string(w.buf[:i])); line != "" {
			w.log.Debug("capture server", "stream", w.stream, "line", line)
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}
