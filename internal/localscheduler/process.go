package localscheduler

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/flowsched/flowsched/internal/domain"
)

// launchedProcess tracks a running child together with the file
// handles opened for it, so kill/reap can release them deterministically.
type launchedProcess struct {
	jobID   string
	cmd     *exec.Cmd
	stdout  *os.File
	stderr  *os.File
	stdin   *os.File
	cpuNeed int
}

// launchProcess opens the requested I/O files, assembles the
// environment, and starts the command, per spec.md section 4.4
// "Process launch". Failures close any files already opened.
func launchProcess(jobID string, tmpl *domain.JobTemplate) (*launchedProcess, error) {
	lp := &launchedProcess{jobID: jobID}

	if tmpl.StdoutPath != "" {
		f, err := os.OpenFile(tmpl.StdoutPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			lp.closeFiles()
			return nil, fmt.Errorf("open stdout: %w", err)
		}
		lp.stdout = f
	}
	if tmpl.JoinStderrToStdout {
		lp.stderr = lp.stdout
	} else if tmpl.StderrPath != "" {
		f, err := os.OpenFile(tmpl.StderrPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			lp.closeFiles()
			return nil, fmt.Errorf("open stderr: %w", err)
		}
		lp.stderr = f
	}
	if tmpl.StdinPath != "" {
		f, err := os.OpenFile(tmpl.StdinPath, os.O_RDONLY, 0)
		if err != nil {
			lp.closeFiles()
			return nil, fmt.Errorf("open stdin: %w", err)
		}
		lp.stdin = f
	}

	if len(tmpl.Command) == 0 {
		lp.closeFiles()
		return nil, domain.ErrEmptyCommand
	}

	cmd := exec.Command(tmpl.Command[0], tmpl.Command[1:]...)
	cmd.Dir = tmpl.WorkingDirectory
	cmd.Env = overlayEnv(os.Environ(), tmpl.Environment)
	if lp.stdout != nil {
		cmd.Stdout = lp.stdout
	}
	if lp.stderr != nil {
		cmd.Stderr = lp.stderr
	}
	if lp.stdin != nil {
		cmd.Stdin = lp.stdin
	}
	cmd.SysProcAttr = newSessionSysProcAttr()

	if err := cmd.Start(); err != nil {
		lp.closeFiles()
		return nil, fmt.Errorf("start process: %w", err)
	}

	lp.cmd = cmd
	return lp, nil
}

// overlayEnv layers job-specific variables on top of the process
// environment, per spec.md section 4.4 "Assemble environment by
// overlaying the job's env onto the process environment."
func overlayEnv(base []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return base
	}
	out := make([]string, len(base), len(base)+len(overlay))
	copy(out, base)
	for k, v := range overlay {
		out = append(out, k+"="+v)
	}
	return out
}

func (lp *launchedProcess) closeFiles() {
	if lp.stdout != nil {
		lp.stdout.Close()
	}
	if lp.stderr != nil && lp.stderr != lp.stdout {
		lp.stderr.Close()
	}
	if lp.stdin != nil {
		lp.stdin.Close()
	}
}

// tryWait returns (exited, exitCode) without blocking.
func (lp *launchedProcess) tryWait() (bool, int) {
	if lp.cmd.ProcessState != nil {
		return true, lp.cmd.ProcessState.ExitCode()
	}
	var ws syscall.WaitStatus
	pid, err := syscall.Wait4(lp.cmd.Process.Pid, &ws, syscall.WNOHANG, nil)
	if err != nil || pid == 0 {
		return false, 0
	}
	lp.closeFiles()
	return true, ws.ExitStatus()
}

// kill implements spec.md section 4.4 "Kill": walk the child tree with
// a process-inspection library when available, terminating each
// descendant then the root; fall back to a POSIX process-group SIGKILL
// on platforms without it. It drains the child before returning so no
// further file writes occur from the terminated tree.
func (lp *launchedProcess) kill() error {
	pid := lp.cmd.Process.Pid

	if proc, err := process.NewProcess(int32(pid)); err == nil {
		var descendants []*process.Process
		pending, _ := proc.Children()
		for len(pending) > 0 {
			c := pending[0]
			pending = pending[1:]
			descendants = append(descendants, c)
			grandchildren, _ := c.Children()
			pending = append(pending, grandchildren...)
		}
		for i := len(descendants) - 1; i >= 0; i-- {
			_ = descendants[i].Kill()
		}
		_ = proc.Kill()
	} else if runtime.GOOS != "windows" {
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	} else {
		_ = lp.cmd.Process.Kill()
	}

	_, _ = lp.cmd.Process.Wait()
	lp.closeFiles()
	return nil
}

// newSessionSysProcAttr starts the child in a new session on POSIX
// hosts so the whole tree can be signalled later via its process
// group, per spec.md section 4.4.
func newSessionSysProcAttr() *syscall.SysProcAttr {
	if runtime.GOOS == "windows" {
		return nil
	}
	return &syscall.SysProcAttr{Setsid: true}
}
