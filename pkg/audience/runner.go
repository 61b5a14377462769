// Package audience materializes per-step audiences for a firing: it runs
// the configured audience script as an external process, then collects
// the tabular artifacts the script wrote into a well-known directory.
package audience

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/threadswap/pushpilot/pkg/events"
)

// DefaultScriptTimeout bounds one audience script run.
const DefaultScriptTimeout = 10 * time.Minute

// MaterializationError is terminal for a firing: the executor does not
// retry materialization.
type MaterializationError struct {
	Reason string
	Err    error
}

func (e *MaterializationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("materialization failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("materialization failed: %s", e.Reason)
}

func (e *MaterializationError) Unwrap() error { return e.Err }

// runScript executes the named audience script with its parameters as
// KEY=VALUE arguments, streaming stdout and stderr into the firing's
// event stream. A non-zero exit or timeout is a materialization failure.
func (m *Materializer) runScript(ctx context.Context, name string, params map[string]string, em *events.Emitter) error {
	scriptPath := filepath.Join(m.scriptDir, name)

	runCtx, cancel := context.WithTimeout(ctx, m.scriptTimeout)
	defer cancel()

	args := make([]string, 0, len(params))
	for _, k := range sortedKeys(params) {
		args = append(args, k+"="+params[k])
	}
	cmd := exec.CommandContext(runCtx, scriptPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &MaterializationError{Reason: "creating stdout pipe", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &MaterializationError{Reason: "creating stderr pipe", Err: err}
	}

	em.Emit(events.LevelInfo, events.StageScript,
		fmt.Sprintf("running audience script %s", name))

	if err := cmd.Start(); err != nil {
		return &MaterializationError{Reason: "starting script " + name, Err: err}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			em.Emit(events.LevelInfo, events.StageScript, scanner.Text())
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			em.Emit(events.LevelWarning, events.StageScript, scanner.Text())
		}
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return &MaterializationError{
				Reason: fmt.Sprintf("script %s timed out after %v", name, m.scriptTimeout),
			}
		}
		return &MaterializationError{Reason: "script " + name + " failed", Err: err}
	}

	em.Emit(events.LevelSuccess, events.StageScript,
		fmt.Sprintf("audience script %s completed", name))
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sanitizeScriptName rejects path traversal in configured script names.
func sanitizeScriptName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return &MaterializationError{Reason: fmt.Sprintf("invalid script name %q", name)}
	}
	return nil
}
