// Package runpool implements the run pool: spawns the
// coding-agent binary per invocation, parses its streaming NDJSON
// protocol, enforces a session timeout, and records the outcome.
// Runs the agent binary as its own process group with a phase loop,
// turning a single fixed "claude -p ..." invocation into a
// frame-parsing, timeout-aware, budget-recording run.
package runpool

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/google/uuid"

	"github.com/orca-dev/orca/internal/db"
	"github.com/orca-dev/orca/internal/events"
	"github.com/orca-dev/orca/internal/model"
	"github.com/orca-dev/orca/internal/orcalog"
)

// killGrace is how long kill-session waits after SIGTERM before SIGKILL.
const killGrace = 5 * time.Second

// Input is the spawn request for one invocation.
type Input struct {
	TaskID          string
	Phase           model.Phase
	AgentPrompt     string
	WorktreePath    string
	MaxTurns        int
	SystemPrompt    string
	DisallowedTools []string
	BranchName      string
	SessionTimeout  time.Duration

	// OnFirstFrame, if set, is called exactly once when the agent's first
	// frame of any kind arrives. Callers use this to detect "the agent is
	// actually talking now" rather than relying on process start, since a
	// process can sit alive for a while before producing any output.
	OnFirstFrame func()
}

// Result is the invocation outcome returned to the caller (the
// scheduler), already persisted to the task store.
type Result struct {
	InvocationID  int64
	Status        model.InvocationStatus
	SessionID     string
	CostUSD       *float64
	NumTurns      *int
	OutputSummary string
}

// Pool bounds concurrent agent invocations and owns their lifecycle.
// Graceful shutdown is driven by the context passed to Run: canceling it
// triggers kill-session on the in-flight child via the ctx.Done() branch
// of runInvocation's select loop, so the pool itself tracks no separate
// running-process registry.
type Pool struct {
	store      *db.DB
	publisher  *events.Bus
	log        orcalog.Logger
	sem        *semaphore.Weighted
	claudePath string
	logDir     string
}

// Config configures a Pool.
type Config struct {
	Store           *db.DB
	Publisher       *events.Bus
	Log             orcalog.Logger
	ConcurrencyCap  int64
	ClaudePath      string
	LogDir          string
}

// New builds a Pool with the given concurrency cap.
func New(cfg Config) *Pool {
	log := cfg.Log
	if log == nil {
		log = orcalog.Nop()
	}
	cap := cfg.ConcurrencyCap
	if cap <= 0 {
		cap = 1
	}
	return &Pool{
		store:      cfg.Store,
		publisher:  cfg.Publisher,
		log:        log,
		sem:        semaphore.NewWeighted(cap),
		claudePath: cfg.ClaudePath,
		logDir:     cfg.LogDir,
	}
}

// TryAcquire reports whether a slot is currently available without
// blocking, used by the scheduler's concurrency gate
// ahead of committing to a dispatch.
func (p *Pool) TryAcquire() bool {
	return p.sem.TryAcquire(1)
}

// Release returns a slot acquired via TryAcquire without a matching Run
// (e.g. the caller decided not to dispatch after all).
func (p *Pool) Release() {
	p.sem.Release(1)
}

// Run spawns the agent for in and blocks until the invocation resolves,
// releasing the concurrency slot acquired by a prior TryAcquire.
func (p *Pool) Run(ctx context.Context, in Input) (*Result, error) {
	defer p.sem.Release(1)

	invocationID, err := p.store.CreateInvocation(&model.Invocation{
		TaskID:       in.TaskID,
		Phase:        in.Phase,
		StartedAt:    time.Now().UTC(),
		BranchName:   in.BranchName,
		WorktreePath: in.WorktreePath,
	})
	if err != nil {
		return nil, fmt.Errorf("create invocation: %w", err)
	}

	logPath := filepath.Join(p.logDir, fmt.Sprintf("%d.ndjson", invocationID))
	if err := os.MkdirAll(p.logDir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare log dir: %w", err)
	}
	if err := p.store.SetLogPath(invocationID, logPath); err != nil {
		return nil, fmt.Errorf("set log path: %w", err)
	}

	p.publisher.Publish(events.New(events.TopicInvocationStarted, in.TaskID, events.InvocationStarted{
		InvocationID: invocationID,
		Phase:        string(in.Phase),
		BranchName:   in.BranchName,
	}))

	result, err := p.runInvocation(ctx, invocationID, logPath, in)
	if err != nil {
		return nil, err
	}

	if err := p.store.CloseInvocationTx(invocationID, result.Status, result.OutputSummary, result.NumTurns, result.CostUSD); err != nil {
		return nil, fmt.Errorf("close invocation %d: %w", invocationID, err)
	}

	cost := 0.0
	if result.CostUSD != nil {
		cost = *result.CostUSD
	}
	p.publisher.Publish(events.New(events.TopicInvocationCompleted, in.TaskID, events.InvocationCompleted{
		InvocationID: invocationID,
		Phase:        string(in.Phase),
		Status:       string(result.Status),
		CostUSD:      cost,
	}))

	return result, nil
}

func (p *Pool) runInvocation(ctx context.Context, invocationID int64, logPath string, in Input) (*Result, error) {
	cmd := p.buildCommand(in, invocationID)
	setProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}
	defer logFile.Close()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}

	var mu sync.Mutex
	var sessionID string
	var resultFrame *frame

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		p.readFrames(stdout, logFile, invocationID, &mu, &sessionID, &resultFrame, in.OnFirstFrame)
	}()

	waitErrCh := make(chan error, 1)
	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		waitErrCh <- err
		close(exited)
	}()

	timeout := in.SessionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var status model.InvocationStatus
	select {
	case <-timer.C:
		p.killSession(cmd, exited)
		<-waitErrCh
		status = model.InvocationTimedOut
	case <-ctx.Done():
		p.killSession(cmd, exited)
		<-waitErrCh
		status = model.InvocationFailed
	case waitErr := <-waitErrCh:
		<-readerDone
		mu.Lock()
		rf := resultFrame
		mu.Unlock()
		if rf != nil && rf.isSuccess() && waitErr == nil {
			status = model.InvocationCompleted
		} else {
			status = model.InvocationFailed
		}
	}

	<-readerDone // closed channel: safe to read again even if already drained above

	mu.Lock()
	sid := sessionID
	rf := resultFrame
	mu.Unlock()

	if sid != "" {
		if err := p.store.SetSessionID(invocationID, sid); err != nil {
			p.log.Warn("set session id", "invocation_id", invocationID, "error", err)
		}
	} else {
		sid = uuid.NewString()
	}

	result := &Result{
		InvocationID: invocationID,
		Status:       status,
		SessionID:    sid,
	}
	if rf != nil {
		result.CostUSD = rf.TotalCostUSD
		result.NumTurns = rf.NumTurns
		result.OutputSummary = rf.Result
	}
	if result.OutputSummary == "" && status != model.InvocationCompleted {
		result.OutputSummary = "process_error"
	}

	return result, nil
}

func (p *Pool) buildCommand(in Input, invocationID int64) *exec.Cmd {
	args := []string{
		"-p", in.AgentPrompt,
		"--output-format", "stream-json",
		"--dangerously-skip-permissions",
	}
	if in.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", in.SystemPrompt)
	}
	if in.MaxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprintf("%d", in.MaxTurns))
	}
	for _, tool := range in.DisallowedTools {
		args = append(args, "--disallowedTools", tool)
	}

	claudePath := p.claudePath
	if claudePath == "" {
		claudePath = "claude"
	}

	cmd := exec.Command(claudePath, args...)
	cmd.Dir = in.WorktreePath
	cmd.Env = append(os.Environ(), fmt.Sprintf("ORCA_INVOCATION_ID=%d", invocationID))
	return cmd
}

// readFrames parses newline-delimited JSON frames off stdout, appending
// every line to the NDJSON log.
// onFirstFrame fires once, for the very first frame seen regardless of
// type, since that is the earliest signal the agent process is actually
// talking rather than merely running.
func (p *Pool) readFrames(stdout io.Reader, logFile *os.File, invocationID int64, mu *sync.Mutex, sessionID *string, resultFrame **frame, onFirstFrame func()) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	seenFrame := false
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		if _, err := logFile.Write(append(append([]byte{}, line...), '\n')); err != nil {
			p.log.Warn("write ndjson log", "invocation_id", invocationID, "error", err)
		}

		if !seenFrame {
			seenFrame = true
			if onFirstFrame != nil {
				onFirstFrame()
			}
		}

		f := parseFrame(line)
		if f.isInit() && f.SessionID != "" {
			mu.Lock()
			*sessionID = f.SessionID
			mu.Unlock()
		}
		if f.isResult() {
			fc := f
			mu.Lock()
			*resultFrame = &fc
			mu.Unlock()
		}
	}
}

// killSession sends SIGTERM, then SIGKILL if
// the process is still alive after killGrace.
func (p *Pool) killSession(cmd *exec.Cmd, exited <-chan struct{}) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if err := signalProcessGroup(pid, terminateSignal()); err != nil {
		p.log.Debug("kill-session: sigterm", "pid", pid, "error", err)
	}

	timer := time.NewTimer(killGrace)
	defer timer.Stop()

	select {
	case <-exited:
		return
	case <-timer.C:
		if err := signalProcessGroup(pid, killSignal()); err != nil {
			p.log.Debug("kill-session: sigkill", "pid", pid, "error", err)
		}
	}
}

