package procexec

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// ChildEnvArgv names the environment variable the Executor uses to pass the
// real argv to a re-exec'd child (see RunRlimitChild). Go's os/exec gives no
// hook to run code between fork and exec, so RLIMIT_CPU/AS/FSIZE — which
// must be set in the child before it execs the target binary to actually
// bind rather than merely being polled from the parent — are applied by
// having the child re-exec through this package's own binary first. This is
// the same self-re-exec idiom container runtimes use in place of a missing
// fork hook.
const (
	ChildEnvMarker = "CYBERCMD_RLIMIT_CHILD"
	ChildEnvArgv   = "CYBERCMD_RLIMIT_ARGV"
	ChildEnvCPU    = "CYBERCMD_RLIMIT_CPU_SECONDS"
	ChildEnvAS     = "CYBERCMD_RLIMIT_AS_BYTES"
	ChildEnvFSize  = "CYBERCMD_RLIMIT_FSIZE_BYTES"
)

// IsRlimitChildInvocation reports whether the current process was started
// as the rlimit-setting re-exec shim, so main() can dispatch to
// RunRlimitChild before doing any other startup work.
func IsRlimitChildInvocation() bool {
	return os.Getenv(ChildEnvMarker) == "1"
}

// RunRlimitChild applies the resource caps encoded in the environment and
// then replaces the current process image with the real target argv via
// unix.Exec. It never returns on success; on failure it returns an error so
// main() can print it and exit non-zero (the parent Executor sees this as
// an ordinary non-zero exit / SpawnError, since the process never reaches
// the real target).
func RunRlimitChild() error {
	var argv []string
	if raw := os.Getenv(ChildEnvArgv); raw != "" {
		if err := json.Unmarshal([]byte(raw), &argv); err != nil {
			return fmt.Errorf("procexec: decoding child argv: %w", err)
		}
	}
	if len(argv) == 0 {
		return fmt.Errorf("procexec: rlimit child invoked with no argv")
	}

	if err := applyChildRlimits(); err != nil {
		return err
	}

	path, err := exec.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("procexec: %s: %w", argv[0], err)
	}

	env := cleanChildEnv(os.Environ())
	return unix.Exec(path, argv, env)
}

func applyChildRlimits() error {
	if v := os.Getenv(ChildEnvCPU); v != "" {
		if n := atoiOrZero(v); n > 0 {
			lim := unix.Rlimit{Cur: uint64(n), Max: uint64(n)}
			if err := unix.Setrlimit(unix.RLIMIT_CPU, &lim); err != nil {
				return fmt.Errorf("procexec: setting RLIMIT_CPU: %w", err)
			}
		}
	}
	if v := os.Getenv(ChildEnvAS); v != "" {
		if n := atoiOrZero(v); n > 0 {
			lim := unix.Rlimit{Cur: uint64(n), Max: uint64(n)}
			if err := unix.Setrlimit(unix.RLIMIT_AS, &lim); err != nil {
				return fmt.Errorf("procexec: setting RLIMIT_AS: %w", err)
			}
		}
	}
	if v := os.Getenv(ChildEnvFSize); v != "" {
		if n := atoiOrZero(v); n > 0 {
			lim := unix.Rlimit{Cur: uint64(n), Max: uint64(n)}
			if err := unix.Setrlimit(unix.RLIMIT_FSIZE, &lim); err != nil {
				return fmt.Errorf("procexec: setting RLIMIT_FSIZE: %w", err)
			}
		}
	}
	return nil
}

// cleanChildEnv strips the re-exec marker variables so the real target
// process does not see them.
func cleanChildEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, e := range env {
		switch {
		case hasPrefix(e, ChildEnvMarker+"="),
			hasPrefix(e, ChildEnvArgv+"="),
			hasPrefix(e, ChildEnvCPU+"="),
			hasPrefix(e, ChildEnvAS+"="),
			hasPrefix(e, ChildEnvFSize+"="):
			continue
		default:
			out = append(out, e)
		}
	}
	return out
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func atoiOrZero(s string) int64 {
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	return n
}
