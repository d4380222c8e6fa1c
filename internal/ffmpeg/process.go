// Package ffmpeg launches and supervises encoder subprocesses. Every
// pipeline stage owns at most one Process at a time; the supervisor
// guarantees the child is reaped on every exit path.
package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ErrSpawn is returned when the encoder binary cannot be located or the
// child fails to launch.
var ErrSpawn = errors.New("encoder spawn failed")

// ErrEncoder is returned when a running encoder exits non-zero.
var ErrEncoder = errors.New("encoder failed")

// StderrSink receives subprocess stderr lines, one call per line.
type StderrSink interface {
	Line(string)
}

// Options controls how a Process is started.
type Options struct {
	// Name labels the process in logs and metrics (e.g. "overlay").
	Name string
	// StdinEnabled opens a stdin pipe so Stop can request a graceful "q"
	// quit before escalating to a kill.
	StdinEnabled bool
	// Stderr receives stderr lines. Nil discards them.
	Stderr StderrSink
}

// Process is a supervised encoder subprocess. Stdout is the data plane and
// is consumed by the owning stage; stderr is streamed to the sink.
type Process struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *pipeReader

	done     chan struct{}
	exitCode int
	exitErr  error

	mu      sync.Mutex
	stopped bool
}

// Start launches argv[0] with the remaining arguments. It returns
// immediately once the child is running; stderr reading and process reaping
// run in background goroutines. Cancelling ctx is equivalent to Stop(0).
func Start(ctx context.Context, argv []string, opts Options) (*Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty argv", ErrSpawn)
	}
	bin, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, argv[0], err)
	}

	cmd := exec.Command(bin, argv[1:]...)
	// Own process group so Stop can kill the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	p := &Process{
		name: opts.Name,
		cmd:  cmd,
		done: make(chan struct{}),
	}

	if opts.StdinEnabled {
		p.stdin, err = cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("%w: stdin pipe: %v", ErrSpawn, err)
		}
	}
	// Own pipes rather than cmd.StdoutPipe: exec.Cmd.Wait closes its pipes
	// at child exit, which would drop OS-buffered output the stage has not
	// drained yet (capture frames, the "q" trailer flush).
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawn, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSpawn, err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	// The child holds its own copies; dropping the parent write ends makes
	// reads hit EOF once the child is gone and its tail is drained.
	stdoutW.Close()
	stderrW.Close()
	p.stdout = &pipeReader{f: stdoutR}

	go p.readStderr(stderrR, opts.Stderr)
	go p.reap()
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = p.Stop(0)
			case <-p.done:
			}
		}()
	}

	return p, nil
}

// Stdout returns the child's stdout. The owning stage consumes it; output
// buffered in the pipe stays readable after the process exits, until EOF.
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

// Done is closed when the process has exited for any reason.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits or ctx is cancelled, and returns the
// exit code. A non-zero exit returns the code together with ErrEncoder.
func (p *Process) Wait(ctx context.Context) (int, error) {
	if ctx != nil {
		select {
		case <-p.done:
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	} else {
		<-p.done
	}
	return p.exitCode, p.exitErr
}

// Stop shuts the process down: a "q" on stdin when available, then up to
// grace for a clean exit, then a process-group kill. Safe to call multiple
// times and after exit.
func (p *Process) Stop(grace time.Duration) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		<-p.done
		return nil
	}
	p.stopped = true
	stdin := p.stdin
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	default:
	}

	if stdin != nil && grace > 0 {
		// ffmpeg treats "q" as a request to finish writing trailers.
		_, _ = io.WriteString(stdin, "q\n")
		_ = stdin.Close()
	}

	if grace > 0 {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-p.done:
			return nil
		case <-timer.C:
		}
	}

	p.killTree()
	<-p.done
	return nil
}

// killTree kills the child's whole process group.
func (p *Process) killTree() {
	if p.cmd.Process == nil {
		return
	}
	pid := p.cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		// Group may be gone already; fall back to the single process.
		_ = p.cmd.Process.Kill()
	}
}

// pipeReader releases the pipe descriptor on the first read error, so a
// stage that drains to EOF needs no explicit close.
type pipeReader struct {
	f    *os.File
	once sync.Once
}

func (r *pipeReader) Read(b []byte) (int, error) {
	n, err := r.f.Read(b)
	if err != nil {
		r.once.Do(func() { r.f.Close() })
	}
	return n, err
}

func (p *Process) readStderr(r io.ReadCloser, sink StderrSink) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if sink != nil {
			sink.Line(scanner.Text())
		}
	}
}

func (p *Process) reap() {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		p.exitCode = 0
	case errors.As(err, &exitErr):
		p.exitCode = exitErr.ExitCode()
		p.exitErr = fmt.Errorf("%w: %s exited with code %d", ErrEncoder, p.name, p.exitCode)
	default:
		p.exitCode = -1
		p.exitErr = fmt.Errorf("%w: %s: %v", ErrEncoder, p.name, err)
	}
	close(p.done)
}
