package pipeline

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/example/relpack/internal/stage"
	"github.com/gofrs/flock"
)

// ExitLocked is the exit code when another run holds the project lock.
const ExitLocked = 6

const (
	lockFile  = "release.lock"
	ownerFile = "release.owner"
)

// Lock is the per-project run lock.
type Lock struct {
	fl        *flock.Flock
	ownerPath string
}

// AcquireLock takes the run lock in stateDir without waiting. A held lock is
// reported as a stage error carrying ExitLocked.
func AcquireLock(stateDir string, now time.Time) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	fl := flock.New(filepath.Join(stateDir, lockFile))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", fl.Path(), err)
	}
	ownerPath := filepath.Join(stateDir, ownerFile)
	if !ok {
		holder := "unknown owner"
		if data, err := os.ReadFile(ownerPath); err == nil && strings.TrimSpace(string(data)) != "" {
			holder = strings.TrimSpace(string(data))
		}
		return nil, &stage.Error{
			Stage:   stage.Lock,
			Code:    ExitLocked,
			Message: fmt.Sprintf("another release is running in %s (locked by %s)", filepath.Dir(stateDir), holder),
		}
	}
	owner := fmt.Sprintf("%s since %s", lockOwner(), now.UTC().Format(time.RFC3339))
	_ = os.WriteFile(ownerPath, []byte(owner+"\n"), 0o644)
	return &Lock{fl: fl, ownerPath: ownerPath}, nil
}

// Release drops the lock.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	_ = os.Remove(l.ownerPath)
	return l.fl.Unlock()
}

func lockOwner() string {
	host, _ := os.Hostname()
	host = strings.TrimSpace(host)
	if host == "" {
		host = "unknown-host"
	}
	pid := os.Getpid()

	u, _ := user.Current()
	if u != nil && strings.TrimSpace(u.Username) != "" {
		return strings.TrimSpace(u.Username) + "@" + host + ":" + strconv.Itoa(pid)
	}
	return host + ":" + strconv.Itoa(pid)
}
