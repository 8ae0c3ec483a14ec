package sandbox

import (
	"bytes"
	"io"
	"os"
	"sync"
	"time"
)

// cappedBuffer keeps the first limit bytes written to it and silently
// discards the rest. Writes never fail, so the writer keeps draining.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - int64(b.buf.Len())
	switch {
	case room <= 0:
		if len(p) > 0 {
			b.truncated = true
		}
	case int64(len(p)) > room:
		b.buf.Write(p[:room])
		b.truncated = true
	default:
		b.buf.Write(p)
	}
	return len(p), nil
}

// Collector drains a process's stdout and stderr concurrently.
type Collector struct {
	stdout cappedBuffer
	stderr cappedBuffer
	files  []*os.File
	wg     sync.WaitGroup
}

// Collect starts draining both streams of proc, keeping at most limit
// bytes of each.
func Collect(proc *SandboxProcess, limit int64) *Collector {
	return collectStreams(proc.stdout, proc.stderr, limit)
}

func collectStreams(stdout, stderr *os.File, limit int64) *Collector {
	c := &Collector{
		stdout: cappedBuffer{limit: limit},
		stderr: cappedBuffer{limit: limit},
		files:  []*os.File{stdout, stderr},
	}
	c.drain(stdout, &c.stdout)
	c.drain(stderr, &c.stderr)
	return c
}

func (c *Collector) drain(r io.Reader, dst *cappedBuffer) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		// A read error, including the close in Wait, ends the stream.
		_, _ = io.Copy(dst, r)
	}()
}

// Wait returns the captured output. It is meant to be called after the
// process has been reaped: it gives the streams up to drainTimeout to reach
// EOF, then closes the read ends to unblock any reader still waiting on a
// descriptor held open elsewhere.
func (c *Collector) Wait(drainTimeout time.Duration) CapturedOutput {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		closeAll(c.files...)
		<-done
	}
	closeAll(c.files...)

	return CapturedOutput{
		Stdout:          c.stdout.buf.Bytes(),
		Stderr:          c.stderr.buf.Bytes(),
		TruncatedStdout: c.stdout.truncated,
		TruncatedStderr: c.stderr.truncated,
	}
}
