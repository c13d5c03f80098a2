package claude

import (
	"bufio"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cui-project/cui-server/ndjson"
	"github.com/cui-project/cui-server/tracker"
)

// process is one live CLI child: the command handle, its pipes, and the
// goroutines draining them. The manager owns the table; the process owns
// its own teardown.
type process struct {
	streamingID string
	cmd         *exec.Cmd
	stdout      io.ReadCloser
	stderr      io.ReadCloser

	startedAt time.Time

	// sessionID is set once the init record reveals it.
	sessionID atomic.Value // string
	initCh    chan SystemInit

	resultSeen atomic.Bool
	stopping   atomic.Bool

	readers sync.WaitGroup
	exited  chan struct{} // closed after the child is reaped and finalized

	spawnCtx      tracker.Context
	mcpConfigPath string
}

func (p *process) currentSessionID() string {
	if v, ok := p.sessionID.Load().(string); ok {
		return v
	}
	return ""
}

// readStdout drains the child's NDJSON output through an incremental
// scanner, publishing every record on the stream. The first init record
// resolves the pending start call and registers the session pairing.
func (m *Manager) readStdout(p *process) {
	defer p.readers.Done()

	var sc ndjson.Scanner
	buf := make([]byte, 32*1024)
	inited := false
	for {
		n, err := p.stdout.Read(buf)
		if n > 0 {
			sc.Push(buf[:n])
			for {
				line, ok := sc.Next()
				if !ok {
					break
				}
				inited = m.handleStdoutLine(p, line, inited)
			}
		}
		if err != nil {
			if tail := sc.Flush(); tail != nil {
				m.handleStdoutLine(p, tail, inited)
			}
			if err != io.EOF && !p.stopping.Load() {
				logger.Error().Err(err).Str("streamingId", p.streamingID).Msg("stdout read error")
			}
			return
		}
	}
}

// handleStdoutLine publishes one stdout line as a record and returns
// whether the init record has been seen yet.
func (m *Manager) handleStdoutLine(p *process, line []byte, inited bool) bool {
	raw, err := ndjson.Decode(line)
	if err != nil {
		logger.Warn().Err(err).Str("streamingId", p.streamingID).Msg("malformed stdout line")
		m.streams.Publish(p.streamingID, errorRecord(p.streamingID, "malformed output line"))
		return inited
	}
	if raw == nil {
		return inited
	}

	rec, err := ParseRecord(raw)
	if err != nil {
		m.streams.Publish(p.streamingID, errorRecord(p.streamingID, "unparseable record"))
		return inited
	}

	if err := m.streams.Publish(p.streamingID, rec.Raw); err != nil {
		logger.Warn().Err(err).Str("streamingId", p.streamingID).Msg("publish failed")
	}

	if !inited && rec.IsInit() {
		init, err := ParseSystemInit(rec.Raw)
		if err != nil {
			logger.Error().Err(err).Str("streamingId", p.streamingID).Msg("bad init record")
			return inited
		}
		p.sessionID.Store(init.SessionID)
		m.tracker.Register(p.streamingID, init.SessionID, p.spawnCtx)
		select {
		case p.initCh <- init:
		default:
		}
		inited = true
	}
	if rec.Type == RecordTypeResult {
		p.resultSeen.Store(true)
	}
	return inited
}

// readStderr logs diagnostics and surfaces them as error records so
// connected clients see why a child is unhappy.
func (m *Manager) readStderr(p *process) {
	defer p.readers.Done()

	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		logger.Warn().Str("streamingId", p.streamingID).Str("stderr", line).Msg("CLI stderr")
		m.streams.Publish(p.streamingID, errorRecord(p.streamingID, line))
	}
}

// monitor reaps the child once both readers drain, then finalizes the
// stream: synthesize a terminal result if the CLI never emitted one,
// close the fan-out, unregister the tracker pairing and notify.
func (m *Manager) monitor(p *process) {
	p.readers.Wait()
	err := p.cmd.Wait()

	exitCode := 0
	if p.cmd.ProcessState != nil {
		exitCode = p.cmd.ProcessState.ExitCode()
	}
	if err != nil && !p.stopping.Load() {
		logger.Warn().Err(err).Str("streamingId", p.streamingID).Int("exitCode", exitCode).Msg("CLI process exited with error")
	} else {
		logger.Info().Str("streamingId", p.streamingID).Int("exitCode", exitCode).Msg("CLI process exited")
	}

	sessionID := p.currentSessionID()
	if !p.resultSeen.Load() {
		m.streams.Publish(p.streamingID, syntheticResult(sessionID, exitCode, time.Since(p.startedAt)))
	}
	m.streams.Close(p.streamingID)
	m.tracker.Unregister(p.streamingID)

	m.mu.Lock()
	delete(m.processes, p.streamingID)
	m.mu.Unlock()
	m.removeMCPConfig(p)

	if m.notifier != nil && sessionID != "" {
		m.notifier.ConversationEnded(p.streamingID, sessionID)
	}
	close(p.exited)
}

// signalStop asks the child to exit: SIGINT first (the CLI ignores
// SIGTERM), SIGKILL after the grace period.
func (p *process) signalStop(grace time.Duration) {
	p.stopping.Store(true)
	if p.cmd.Process == nil {
		return
	}
	if err := p.cmd.Process.Signal(syscall.SIGINT); err != nil {
		// Signal failed: the process is likely already gone.
		p.cmd.Process.Kill()
		return
	}
	go func() {
		select {
		case <-p.exited:
		case <-time.After(grace):
			logger.Warn().Str("streamingId", p.streamingID).Msg("CLI ignored SIGINT, sending SIGKILL")
			p.cmd.Process.Kill()
		}
	}()
}
