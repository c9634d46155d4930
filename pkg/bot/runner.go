package bot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hivelabs/hive/pkg/client"
	"github.com/hivelabs/hive/pkg/log"
	"github.com/hivelabs/hive/pkg/types"
)

// flushInterval is how often buffered output is shipped to the server while
// a command runs.
const flushInterval = time.Second

// Runner executes task manifests and reports progress through the client.
type Runner struct {
	workDir string
	client  *client.Client
	logger  zerolog.Logger
}

// NewRunner creates a runner rooted at workDir.
func NewRunner(workDir string, c *client.Client) *Runner {
	return &Runner{
		workDir: workDir,
		client:  c,
		logger:  log.WithComponent("runner"),
	}
}

// RunTask executes the manifest's commands in order, streaming output and
// exit codes back. A non-zero exit code is a task failure, not a bot error;
// only infrastructure problems return a non-nil error here (the caller then
// reports BOT_DIED).
func (r *Runner) RunTask(ctx context.Context, m *types.TaskManifest) error {
	taskDir := filepath.Join(r.workDir, m.TaskID)
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return fmt.Errorf("creating task dir: %w", err)
	}
	defer os.RemoveAll(taskDir)

	if err := r.stageData(ctx, taskDir, m.Data); err != nil {
		return fmt.Errorf("staging inputs: %w", err)
	}

	for i := range m.Commands {
		stop, err := r.runCommand(ctx, taskDir, m, i)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

// stageData downloads the manifest's (url, digest) inputs into the task
// directory, named by digest.
func (r *Runner) stageData(ctx context.Context, taskDir string, data []types.DataRef) error {
	for _, ref := range data {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("fetching %s: %w", ref.URL, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return fmt.Errorf("fetching %s: status %d", ref.URL, resp.StatusCode)
		}
		dst, err := os.Create(filepath.Join(taskDir, ref.Digest))
		if err != nil {
			resp.Body.Close()
			return err
		}
		_, err = io.Copy(dst, resp.Body)
		resp.Body.Close()
		if closeErr := dst.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return fmt.Errorf("writing %s: %w", ref.Digest, err)
		}
	}
	return nil
}

// runCommand executes one command of the manifest. stop means the server
// told the bot to drop the task (canceled) or it timed out; the remaining
// commands are not run.
func (r *Runner) runCommand(ctx context.Context, taskDir string, m *types.TaskManifest, index int) (stop bool, err error) {
	hardTimeout := time.Duration(m.HardTimeout) * time.Second
	cmdCtx, cancel := context.WithTimeout(ctx, hardTimeout)
	defer cancel()

	argv := m.Commands[index]
	cmd := exec.CommandContext(cmdCtx, argv[0], argv[1:]...)
	cmd.Dir = taskDir
	cmd.Env = os.Environ()
	for k, v := range m.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	// One pipe carries stdout and stderr interleaved, the way a terminal
	// would see them.
	pr, pw, err := os.Pipe()
	if err != nil {
		return false, err
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	started := time.Now()
	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return false, fmt.Errorf("starting command %d: %w", index, err)
	}
	pw.Close()

	st := &streamer{
		runner:    r,
		taskID:    m.TaskID,
		index:     index,
		ioTimeout: time.Duration(m.IOTimeout) * time.Second,
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		st.consume(ctx, pr, cancel)
	}()

	waitErr := cmd.Wait()
	wg.Wait()
	pr.Close()
	duration := time.Since(started).Seconds()

	exitCode := int64(0)
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		exitCode = int64(exitErr.ExitCode())
	} else if waitErr != nil {
		exitCode = -1
	}

	hardTimedOut := cmdCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil

	update := client.TaskUpdateArgs{
		TaskID:           m.TaskID,
		CommandIndex:     index,
		Output:           st.pending(),
		OutputChunkStart: st.flushedOffset(),
		ExitCode:         &exitCode,
		Duration:         &duration,
		HardTimeout:      hardTimedOut,
		IOTimeout:        st.ioTimedOut,
	}
	result, err := r.sendUpdate(ctx, update)
	if err != nil {
		return false, fmt.Errorf("reporting command %d result: %w", index, err)
	}
	if result.MustStop || st.mustStop {
		r.logger.Info().Str("task_id", m.TaskID).Msg("server told the bot to stop the task")
		return true, nil
	}
	if hardTimedOut || st.ioTimedOut {
		return true, nil
	}
	if exitCode != 0 {
		// The task failed; later commands do not run, matching the
		// sequential shell semantics clients expect.
		return true, nil
	}
	return false, nil
}

// sendUpdate ships one update, retrying transient failures a few times so a
// blip does not turn into a lost task.
func (r *Runner) sendUpdate(ctx context.Context, args client.TaskUpdateArgs) (*client.UpdateResult, error) {
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		result, err := r.client.TaskUpdate(ctx, args)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if apiErr, ok := err.(*client.APIError); ok && !apiErr.Retryable() {
			return nil, err
		}
		if !sleepCtx(ctx, time.Duration(attempt+1)*time.Second) {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// streamer accumulates command output and flushes it to the server at
// flushInterval, tracking the byte offset of each flush so writes are
// append-only from the server's point of view.
type streamer struct {
	runner    *Runner
	taskID    string
	index     int
	ioTimeout time.Duration

	mu         sync.Mutex
	buf        []byte
	flushed    int64
	mustStop   bool
	ioTimedOut bool
}

// consume reads the pipe until EOF, flushing periodically. cancelCmd kills
// the command on io timeout or a server stop order.
func (s *streamer) consume(ctx context.Context, pr *os.File, cancelCmd context.CancelFunc) {
	readCh := make(chan []byte)
	go func() {
		defer close(readCh)
		chunk := make([]byte, 32*1024)
		for {
			n, err := pr.Read(chunk)
			if n > 0 {
				readCh <- append([]byte(nil), chunk[:n]...)
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var silence *time.Timer
	var silenceCh <-chan time.Time
	if s.ioTimeout > 0 {
		silence = time.NewTimer(s.ioTimeout)
		silenceCh = silence.C
		defer silence.Stop()
	}

	for {
		select {
		case data, ok := <-readCh:
			if !ok {
				s.flush(ctx)
				return
			}
			s.mu.Lock()
			s.buf = append(s.buf, data...)
			s.mu.Unlock()
			if silence != nil {
				if !silence.Stop() {
					<-silence.C
				}
				silence.Reset(s.ioTimeout)
			}
		case <-ticker.C:
			s.flush(ctx)
			s.mu.Lock()
			stop := s.mustStop
			s.mu.Unlock()
			if stop {
				cancelCmd()
			}
		case <-silenceCh:
			s.mu.Lock()
			s.ioTimedOut = true
			s.mu.Unlock()
			cancelCmd()
			// Drain the pipe so the reader goroutine can finish.
			for range readCh {
			}
			s.flush(ctx)
			return
		case <-ctx.Done():
			cancelCmd()
			for range readCh {
			}
			return
		}
	}
}

// flush ships buffered output. Failures leave the bytes buffered for the
// next flush or the final update.
func (s *streamer) flush(ctx context.Context) {
	s.mu.Lock()
	if len(s.buf) == 0 {
		s.mu.Unlock()
		return
	}
	data := append([]byte(nil), s.buf...)
	offset := s.flushed
	s.mu.Unlock()

	result, err := s.runner.client.TaskUpdate(ctx, client.TaskUpdateArgs{
		TaskID:           s.taskID,
		CommandIndex:     s.index,
		Output:           data,
		OutputChunkStart: offset,
	})
	if err != nil {
		s.runner.logger.Warn().Err(err).Str("task_id", s.taskID).Msg("output flush failed; will retry")
		return
	}

	s.mu.Lock()
	s.buf = s.buf[len(data):]
	s.flushed += int64(len(data))
	if result.MustStop {
		s.mustStop = true
	}
	s.mu.Unlock()
}

// pending returns output not yet acknowledged by the server.
func (s *streamer) pending() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf...)
}

// flushedOffset returns the byte offset the next write starts at.
func (s *streamer) flushedOffset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushed
}
