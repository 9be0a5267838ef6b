package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// DefaultShell returns the shell used for command strings when none is configured.
func DefaultShell() string {
	if runtime.GOOS == "darwin" {
		return "/bin/zsh"
	}
	return "/bin/sh"
}

// BuildEnv merges base (KEY=VALUE pairs, usually os.Environ) with a PATH
// prefixed by pathAdditions and ~/.local/bin, then applies overrides, which
// win over everything including PATH. The result is sorted by key.
func BuildEnv(base, pathAdditions []string, home string, overrides map[string]string) []string {
	vars := make(map[string]string, len(base)+len(overrides)+1)
	for _, kv := range base {
		if key, value, ok := strings.Cut(kv, "="); ok && key != "" {
			vars[key] = value
		}
	}

	prefix := lo.FilterMap(pathAdditions, func(p string, _ int) (string, bool) {
		p = ExpandHome(strings.TrimSpace(p), home)
		return p, p != ""
	})
	if home != "" {
		prefix = append(prefix, filepath.Join(home, ".local", "bin"))
	}
	existing := lo.Filter(filepath.SplitList(vars["PATH"]), func(p string, _ int) bool { return p != "" })
	vars["PATH"] = strings.Join(lo.Uniq(append(prefix, existing...)), string(os.PathListSeparator))

	for key, value := range overrides {
		if key != "" {
			vars[key] = value
		}
	}

	keys := lo.Keys(vars)
	sort.Strings(keys)
	return lo.Map(keys, func(key string, _ int) string {
		return key + "=" + vars[key]
	})
}

// ResolveWorkingDir returns dir with a leading ~ expanded, or home when dir is blank.
func ResolveWorkingDir(dir, home string) string {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return home
	}
	return ExpandHome(dir, home)
}

// ExpandHome replaces a leading "~" or "~/" in path with home.
func ExpandHome(path, home string) string {
	if home == "" {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// RunStopCommand runs command through shell in dir with env and waits for it.
// Cancelling ctx kills the command's whole process group.
func RunStopCommand(ctx context.Context, shell, command, dir string, env []string) error {
	if trimmed(command) == "" {
		return ErrNoCommand
	}
	if trimmed(shell) == "" {
		shell = DefaultShell()
	}

	cmd := exec.CommandContext(ctx, shell, "-c", command) //nolint:gosec // commands come from the user's own configuration
	cmd.Dir = dir
	cmd.Env = env
	cmd.SysProcAttr = setSysProcAttr(cmd.SysProcAttr)
	cmd.WaitDelay = outputGrace
	cmd.Cancel = func() error {
		return killGroup(cmd.Process.Pid)
	}

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrStopCommandTimeout, command)
		}
		return fmt.Errorf("stop command %q: %w", command, err)
	}
	return nil
}

// KillPIDs sends SIGTERM to every pid and returns the joined failures.
func KillPIDs(pids []int) error {
	var errs []error
	for _, pid := range pids {
		if pid <= 0 {
			continue
		}
		if err := terminatePID(pid); err != nil {
			errs = append(errs, fmt.Errorf("pid %d: %w", pid, err))
		}
	}
	return errors.Join(errs...)
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}
