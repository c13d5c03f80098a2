// Package claude owns the lifetime of CLI child processes: argument
// construction, spawn, stdout/stderr draining, and teardown.
package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cui-project/cui-server/config"
	"github.com/cui-project/cui-server/log"
	"github.com/cui-project/cui-server/stream"
	"github.com/cui-project/cui-server/tracker"
)

var (
	// ErrSpawnFailed wraps any failure to launch the child.
	ErrSpawnFailed = errors.New("failed to spawn CLI process")
	// ErrInitTimeout is returned when the child never emits its init
	// record within the configured window.
	ErrInitTimeout = errors.New("timed out waiting for CLI init")
	// ErrInvalidWorkingDirectory is returned when the requested working
	// directory does not exist or is not a directory.
	ErrInvalidWorkingDirectory = errors.New("working directory is not a directory")
	// ErrTooManyConversations is returned at the concurrent child cap.
	ErrTooManyConversations = errors.New("too many concurrent conversations")
)

var logger = log.GetLogger("Claude")

// StartConfig describes one child invocation. For a resume,
// ResumeSessionID carries the prior CLI session id and InitialPrompt the
// new user message.
type StartConfig struct {
	WorkingDirectory string
	InitialPrompt    string
	Model            string
	AllowedTools     []string
	DisallowedTools  []string
	SystemPrompt     string
	PermissionMode   string
	ResumeSessionID  string
}

// StartResult resolves once the child's init record arrives.
type StartResult struct {
	StreamingID string
	Init        SystemInit
}

// Notifier is pinged when a conversation's child exits.
type Notifier interface {
	ConversationEnded(streamingID, sessionID string)
}

// Manager tracks every live child under one mutex. The mutex is never
// held across I/O; each child's pipes are drained by goroutines the
// child owns.
type Manager struct {
	cfg      *config.Config
	streams  *stream.Broadcaster
	tracker  *tracker.Tracker
	notifier Notifier

	mu        sync.Mutex
	processes map[string]*process
	// reserved counts starts that passed the cap check but have not
	// inserted their table entry yet, so concurrent starts cannot all
	// slip under MaxConversations together.
	reserved int
}

// NewManager creates a manager. notifier may be nil.
func NewManager(cfg *config.Config, streams *stream.Broadcaster, tr *tracker.Tracker, notifier Notifier) *Manager {
	return &Manager{
		cfg:       cfg,
		streams:   streams,
		tracker:   tr,
		notifier:  notifier,
		processes: make(map[string]*process),
	}
}

// Start spawns a CLI child and blocks until its init record arrives or
// the init timeout elapses. On any failure the streaming id leaves no
// residue: the stream entry is removed and the tracker is untouched.
func (m *Manager) Start(ctx context.Context, sc StartConfig) (StartResult, error) {
	if sc.WorkingDirectory != "" {
		fi, err := os.Stat(sc.WorkingDirectory)
		if err != nil || !fi.IsDir() {
			return StartResult{}, fmt.Errorf("%w: %s", ErrInvalidWorkingDirectory, sc.WorkingDirectory)
		}
	}

	// Reserve a slot under the same lock that guards the table, and hold
	// the reservation until the entry is inserted or the start fails.
	m.mu.Lock()
	if m.cfg.MaxConversations > 0 && len(m.processes)+m.reserved >= m.cfg.MaxConversations {
		m.mu.Unlock()
		return StartResult{}, ErrTooManyConversations
	}
	m.reserved++
	m.mu.Unlock()
	releaseSlot := func() {
		m.mu.Lock()
		m.reserved--
		m.mu.Unlock()
	}

	streamingID := uuid.New().String()

	mcpConfigPath, err := m.writeMCPConfig(streamingID)
	if err != nil {
		releaseSlot()
		return StartResult{}, fmt.Errorf("%w: mcp config: %v", ErrSpawnFailed, err)
	}

	args := m.buildArgs(sc, mcpConfigPath)
	cmd := exec.Command(m.cfg.ClaudePath, args...)
	if sc.WorkingDirectory != "" {
		cmd.Dir = sc.WorkingDirectory
	}
	cmd.Env = append(os.Environ(),
		"CUI_SERVER_URL="+m.cfg.BaseURL,
		"CUI_STREAMING_ID="+streamingID,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		releaseSlot()
		os.Remove(mcpConfigPath)
		return StartResult{}, fmt.Errorf("%w: stdout pipe: %v", ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		releaseSlot()
		os.Remove(mcpConfigPath)
		return StartResult{}, fmt.Errorf("%w: stderr pipe: %v", ErrSpawnFailed, err)
	}

	p := &process{
		streamingID: streamingID,
		cmd:         cmd,
		stdout:      stdout,
		stderr:      stderr,
		startedAt:   time.Now(),
		initCh:      make(chan SystemInit, 1),
		exited:      make(chan struct{}),
		spawnCtx: tracker.Context{
			InitialPrompt:    sc.InitialPrompt,
			WorkingDirectory: sc.WorkingDirectory,
			Model:            sc.Model,
			Timestamp:        time.Now(),
		},
		mcpConfigPath: mcpConfigPath,
	}

	m.streams.Register(streamingID)

	logger.Info().
		Str("streamingId", streamingID).
		Str("cwd", sc.WorkingDirectory).
		Strs("args", args).
		Msg("starting CLI process")

	if err := cmd.Start(); err != nil {
		releaseSlot()
		m.streams.Unregister(streamingID)
		os.Remove(mcpConfigPath)
		return StartResult{}, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	m.mu.Lock()
	m.processes[streamingID] = p
	m.reserved--
	m.mu.Unlock()

	p.readers.Add(2)
	go m.readStdout(p)
	go m.readStderr(p)
	go m.monitor(p)

	select {
	case init := <-p.initCh:
		logger.Info().
			Str("streamingId", streamingID).
			Str("sessionId", init.SessionID).
			Str("model", init.Model).
			Msg("CLI session initialized")
		return StartResult{StreamingID: streamingID, Init: init}, nil
	case <-time.After(m.cfg.InitTimeout):
		logger.Error().Str("streamingId", streamingID).Msg("init record never arrived")
		m.abortStart(p)
		return StartResult{}, ErrInitTimeout
	case <-ctx.Done():
		m.abortStart(p)
		return StartResult{}, ctx.Err()
	}
}

// abortStart kills a child whose start call failed and removes every
// observable trace right away: the table entry, the stream entry and
// any tracker registration go before the caller sees the error, so
// Stop returns false and subscribers cannot attach while the killed
// child is still being reaped. The monitor goroutine finishes quietly
// against the already-removed state.
func (m *Manager) abortStart(p *process) {
	p.signalStop(m.cfg.StopGracePeriod)

	m.mu.Lock()
	delete(m.processes, p.streamingID)
	m.mu.Unlock()

	m.streams.Unregister(p.streamingID)
	m.tracker.Unregister(p.streamingID)
}

// buildArgs constructs the CLI's argument vector. The prompt (initial or
// resume message) is always the final positional argument.
func (m *Manager) buildArgs(sc StartConfig, mcpConfigPath string) []string {
	args := []string{"--print", "--output-format", "stream-json", "--verbose"}

	if sc.Model != "" {
		args = append(args, "--model", sc.Model)
	}
	if len(sc.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(sc.AllowedTools, ","))
	}
	if len(sc.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(sc.DisallowedTools, ","))
	}
	if sc.SystemPrompt != "" {
		args = append(args, "--system-prompt", sc.SystemPrompt)
	}
	if sc.PermissionMode != "" {
		args = append(args, "--permission-mode", sc.PermissionMode)
	}
	if sc.WorkingDirectory != "" {
		args = append(args, "--add-dir", sc.WorkingDirectory)
	}
	args = append(args,
		"--mcp-config", mcpConfigPath,
		"--permission-prompt-tool", m.cfg.PermissionTool,
	)
	if sc.ResumeSessionID != "" {
		args = append(args, "--resume", sc.ResumeSessionID)
	}
	args = append(args, "--", sc.InitialPrompt)
	return args
}

// writeMCPConfig emits the per-invocation MCP server config pointing the
// CLI at the permission helper.
func (m *Manager) writeMCPConfig(streamingID string) (string, error) {
	dir := filepath.Join(m.cfg.DataDir, "mcp")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	doc := map[string]interface{}{
		"mcpServers": map[string]interface{}{
			"cui-permissions": map[string]interface{}{
				"command": m.cfg.PermissionHelper,
				"args":    []string{},
				"env": map[string]string{
					"CUI_SERVER_URL":   m.cfg.BaseURL,
					"CUI_STREAMING_ID": streamingID,
				},
			},
		},
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, streamingID+".json")
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return "", err
	}
	return path, nil
}

func (m *Manager) removeMCPConfig(p *process) {
	if p.mcpConfigPath != "" {
		os.Remove(p.mcpConfigPath)
	}
}

// Stop asks a child to exit. Returns false when no live child has that
// streaming id. Stream closure is driven by the exit handler, not here,
// so callers never race with the final records.
func (m *Manager) Stop(streamingID string) bool {
	m.mu.Lock()
	p, ok := m.processes[streamingID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	logger.Info().Str("streamingId", streamingID).Msg("stopping CLI process")
	p.signalStop(m.cfg.StopGracePeriod)
	return true
}

// ActiveCount returns the number of live children.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.processes)
}

// Shutdown stops every live child in parallel, bounded per child, then
// disconnects all stream subscribers.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	procs := make([]*process, 0, len(m.processes))
	for _, p := range m.processes {
		procs = append(procs, p)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *process) {
			defer wg.Done()
			p.signalStop(m.cfg.StopGracePeriod)
			select {
			case <-p.exited:
			case <-time.After(m.cfg.StopGracePeriod + 2*time.Second):
				logger.Warn().Str("streamingId", p.streamingID).Msg("child did not exit during shutdown")
			case <-ctx.Done():
			}
		}(p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn().Msg("shutdown deadline reached with children remaining")
	}

	m.streams.DisconnectAll()
}
