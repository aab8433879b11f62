// Package lock provides mutual exclusion for task claims across independent
// processes, using exclusive-create lock markers on a shared filesystem. A
// claim is the pair (lock marker, file move): the marker guards the
// transition, the move records the outcome.
package lock

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/The-Foreman/internal/task"
)

var (
	// ErrTaskNotFound is returned when a claim or release addresses a task
	// file that is no longer where it should be.
	ErrTaskNotFound = errors.New("lock: task file not found")
	// ErrLockContended is reported when every acquisition attempt in a
	// claim's retry schedule lost the race.
	ErrLockContended = errors.New("lock: lock held by another claimer")
)

// marker is the on-disk lock file. It stays YAML so an operator can read it
// with less(1) when diagnosing a wedged claim.
type marker struct {
	TaskID     string `yaml:"task_id"`
	Holder     string `yaml:"holder"`
	AcquiredAt string `yaml:"acquired_at"`
}

// ClaimResult is the outcome of one AttemptClaim call. Contention and a
// vanished task are reported here, not as returned errors.
type ClaimResult struct {
	Success bool
	TaskID  string
	AgentID string
	Err     error
}

// Options bound the claim retry loop.
type Options struct {
	// RetryAttempts is the total number of lock acquisitions tried per claim.
	RetryAttempts int
	// Backoff is slept between attempts; the last entry repeats if the
	// schedule is shorter than the attempt count.
	Backoff []time.Duration
}

func (o Options) withDefaults() Options {
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 5
	}
	if len(o.Backoff) == 0 {
		o.Backoff = []time.Duration{20 * time.Millisecond}
	}
	return o
}

// Manager coordinates claims over one lock directory. Many Manager instances
// in many processes may point at the same directories; correctness rests on
// O_EXCL, not on in-process state.
type Manager struct {
	locksDir   string
	intakeDir  string
	agentsRoot string
	opts       Options
	logger     *zap.Logger
	now        func() time.Time
	sleep      func(time.Duration)
}

// NewManager wires a Manager over the shared directories.
func NewManager(locksDir, intakeDir, agentsRoot string, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		locksDir:   locksDir,
		intakeDir:  intakeDir,
		agentsRoot: agentsRoot,
		opts:       opts.withDefaults(),
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		sleep:      time.Sleep,
	}
}

func (m *Manager) markerPath(taskID string) string {
	return filepath.Join(m.locksDir, taskID+".lock")
}

// AcquireLock attempts a single exclusive acquisition for taskID. It returns
// false, without error, when the lock is already held.
func (m *Manager) AcquireLock(taskID string) (bool, error) {
	return m.acquire(taskID, uuid.NewString())
}

func (m *Manager) acquire(taskID, holder string) (bool, error) {
	if err := os.MkdirAll(m.locksDir, 0o755); err != nil {
		return false, fmt.Errorf("lock: ensure lock dir: %w", err)
	}
	f, err := os.OpenFile(m.markerPath(taskID), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("lock: create marker: %w", err)
	}
	data, err := yaml.Marshal(marker{
		TaskID:     taskID,
		Holder:     holder,
		AcquiredAt: m.now().Format(time.RFC3339),
	})
	if err == nil {
		_, err = f.Write(data)
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		// The marker exists but is incomplete; remove it rather than leave a
		// corrupted lock for the stale sweep.
		os.Remove(m.markerPath(taskID))
		return false, fmt.Errorf("lock: write marker: %w", err)
	}
	return true, nil
}

// ReleaseLock removes the marker for taskID. Releasing an unheld lock is a
// no-op.
func (m *Manager) ReleaseLock(taskID string) error {
	err := os.Remove(m.markerPath(taskID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("lock: remove marker: %w", err)
	}
	return nil
}

// IsLocked reports whether a marker currently exists for taskID.
func (m *Manager) IsLocked(taskID string) bool {
	_, err := os.Stat(m.markerPath(taskID))
	return err == nil
}

// Holder returns the holder identifier recorded in the marker, or "" when
// the lock is not held or the marker cannot be parsed.
func (m *Manager) Holder(taskID string) string {
	data, err := os.ReadFile(m.markerPath(taskID))
	if err != nil {
		return ""
	}
	var mk marker
	if err := yaml.Unmarshal(data, &mk); err != nil {
		return ""
	}
	return mk.Holder
}

// ReleaseStaleLocksOlderThan force-releases every marker whose recorded
// acquisition time is older than maxAge and returns the count removed. A
// marker that cannot be parsed is removed unconditionally, so a half-written
// lock never wedges its task.
func (m *Manager) ReleaseStaleLocksOlderThan(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.locksDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("lock: list lock dir: %w", err)
	}
	released := 0
	cutoff := m.now().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lock") {
			continue
		}
		path := filepath.Join(m.locksDir, entry.Name())
		stale := false
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var mk marker
		acquired, parseErr := time.Time{}, yaml.Unmarshal(data, &mk)
		if parseErr == nil {
			acquired, parseErr = time.Parse(time.RFC3339, mk.AcquiredAt)
		}
		switch {
		case parseErr != nil:
			stale = true
			m.logger.Warn("removing corrupted lock marker", zap.String("marker", entry.Name()))
		case acquired.Before(cutoff):
			stale = true
			m.logger.Info("removing stale lock",
				zap.String("task_id", mk.TaskID),
				zap.String("holder", mk.Holder),
				zap.Time("acquired_at", acquired))
		}
		if !stale {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return released, fmt.Errorf("lock: remove stale marker: %w", err)
		}
		released++
	}
	return released, nil
}

// AttemptClaim takes exclusive ownership of taskID for agentID: acquire the
// lock with bounded retries, stamp the claim fields into the task header, and
// move the file from intake into the agent's working folder. Exactly one of
// any number of concurrent callers for the same taskID succeeds.
func (m *Manager) AttemptClaim(taskID, agentID string) ClaimResult {
	result := ClaimResult{TaskID: taskID, AgentID: agentID}
	holder := agentID + "@" + uuid.NewString()

	acquired := false
	for attempt := 0; attempt < m.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			m.sleep(m.backoffFor(attempt - 1))
		}
		ok, err := m.acquire(taskID, holder)
		if err != nil {
			result.Err = err
			return result
		}
		if ok {
			acquired = true
			break
		}
	}
	if !acquired {
		result.Err = fmt.Errorf("%w: %s", ErrLockContended, taskID)
		return result
	}
	defer m.ReleaseLock(taskID)

	src, err := m.findTaskFile(m.intakeDir, taskID)
	if err != nil {
		result.Err = err
		return result
	}
	raw, err := os.ReadFile(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		result.Err = err
		return result
	}

	doc, err := task.ParseDocument(raw)
	if err != nil {
		// Headerless or unparsable: keep the original bytes as the body and
		// synthesize a header to carry the claim fields.
		doc = task.NewDocument(raw)
	}
	doc.SetHeaderField(task.FieldClaimedBy, agentID)
	doc.SetHeaderField(task.FieldClaimedAt, m.now().Format(time.RFC3339))
	doc.SetHeaderField(task.FieldStatus, task.StatusInProgress)
	encoded, err := doc.Encode()
	if err != nil {
		result.Err = err
		return result
	}

	workDir := filepath.Join(m.agentsRoot, agentID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		result.Err = fmt.Errorf("lock: create working folder: %w", err)
		return result
	}
	dst := filepath.Join(workDir, filepath.Base(src))
	if err := os.WriteFile(dst, encoded, 0o644); err != nil {
		result.Err = fmt.Errorf("lock: write claimed file: %w", err)
		return result
	}
	if err := os.Remove(src); err != nil {
		os.Remove(dst)
		result.Err = fmt.Errorf("lock: remove intake file: %w", err)
		return result
	}

	m.logger.Info("task claimed",
		zap.String("task_id", taskID),
		zap.String("agent_id", agentID))
	result.Success = true
	return result
}

// ReleaseClaim undoes a claim: strips the claim fields and moves the file
// from the agent's working folder back into intake. reclaim_count is not
// touched here; the caller decides whether the release counts as a failure.
func (m *Manager) ReleaseClaim(taskID, agentID string) error {
	holder := agentID + "@" + uuid.NewString()
	acquired := false
	for attempt := 0; attempt < m.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			m.sleep(m.backoffFor(attempt - 1))
		}
		ok, err := m.acquire(taskID, holder)
		if err != nil {
			return err
		}
		if ok {
			acquired = true
			break
		}
	}
	if !acquired {
		return fmt.Errorf("%w: %s", ErrLockContended, taskID)
	}
	defer m.ReleaseLock(taskID)

	src, err := m.findTaskFile(filepath.Join(m.agentsRoot, agentID), taskID)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("lock: read claimed file: %w", err)
	}
	doc, err := task.ParseDocument(raw)
	if err != nil {
		return fmt.Errorf("lock: parse claimed file: %w", err)
	}
	doc.DeleteHeaderField(task.FieldClaimedBy)
	doc.DeleteHeaderField(task.FieldClaimedAt)
	doc.DeleteHeaderField(task.FieldStatus)
	encoded, err := doc.Encode()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(m.intakeDir, 0o755); err != nil {
		return fmt.Errorf("lock: ensure intake dir: %w", err)
	}
	dst := filepath.Join(m.intakeDir, filepath.Base(src))
	if err := os.WriteFile(dst, encoded, 0o644); err != nil {
		return fmt.Errorf("lock: write released file: %w", err)
	}
	if err := os.Remove(src); err != nil {
		os.Remove(dst)
		return fmt.Errorf("lock: remove claimed file: %w", err)
	}

	m.logger.Info("task released",
		zap.String("task_id", taskID),
		zap.String("agent_id", agentID))
	return nil
}

func (m *Manager) backoffFor(step int) time.Duration {
	if step >= len(m.opts.Backoff) {
		step = len(m.opts.Backoff) - 1
	}
	return m.opts.Backoff[step]
}

// IntakeTaskPath resolves the intake file for taskID. It tolerates
// producer-chosen file names the same way AttemptClaim does.
func (m *Manager) IntakeTaskPath(taskID string) (string, error) {
	return m.findTaskFile(m.intakeDir, taskID)
}

// findTaskFile locates the file for taskID in dir: the conventional
// <taskId>.md name first, then a header scan for producers that named the
// file differently.
func (m *Manager) findTaskFile(dir, taskID string) (string, error) {
	direct := filepath.Join(dir, taskID+".md")
	if _, err := os.Stat(direct); err == nil {
		return direct, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return "", fmt.Errorf("lock: list %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !task.IsTaskFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if task.Stem(path) == taskID {
			return path, nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		doc, err := task.ParseDocument(raw)
		if err != nil {
			continue
		}
		if strings.TrimSpace(doc.HeaderString(task.FieldTaskID)) == taskID {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}
