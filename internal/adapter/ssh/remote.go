package ssh

import (
	"fmt"
	"strconv"
	"strings"
)

// remotePaths is the fixed per-job file layout on a node. Solution and
// results live in the work directory; the process streams go to /tmp so a
// re-imaged work directory cannot eat them mid-run.
type remotePaths struct {
	Solution string
	Results  string
	Stdout   string
	Stderr   string
}

func pathsFor(workDir, jobID string) remotePaths {
	return remotePaths{
		Solution: workDir + "/solution.py",
		Results:  workDir + "/results.jsonl",
		Stdout:   fmt.Sprintf("/tmp/job_%s.out", jobID),
		Stderr:   fmt.Sprintf("/tmp/job_%s.err", jobID),
	}
}

func (p remotePaths) all() []string {
	return []string{p.Solution, p.Results, p.Stdout, p.Stderr}
}

// gradeCommand runs the grading harness against an uploaded solution.
func gradeCommand(repoDir, python, script, solution, competitionID, results string) string {
	return fmt.Sprintf("cd %s && %s %s %s %s %s",
		repoDir, python, script, solution, competitionID, results)
}

// launchCommand detaches cmd from the SSH session. setsid gives the child its
// own session so a dropped connection cannot deliver SIGHUP to it; stdin is
// tied to the null device and the streams land in per-job files. The trailing
// echo hands the child pid back over the session's stdout.
func launchCommand(cmd, stdoutPath, stderrPath string) string {
	return fmt.Sprintf("setsid nohup bash -c '%s' > %s 2> %s </dev/null & echo $!",
		cmd, stdoutPath, stderrPath)
}

// aliveCommand probes a pid without depending on ps exit codes reaching us.
func aliveCommand(pid int) string {
	return fmt.Sprintf("ps -p %d > /dev/null 2>&1 && echo 'running' || echo 'stopped'", pid)
}

// catCommand reads a remote file, yielding empty output when it is missing.
func catCommand(path string) string {
	return fmt.Sprintf("cat %s 2>/dev/null || echo ''", path)
}

func parsePID(out string) (int, error) {
	pid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("op=ssh.parse_pid: %q: %w", strings.TrimSpace(out), err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("op=ssh.parse_pid: non-positive pid %d", pid)
	}
	return pid, nil
}

// hostPort appends the default SSH port when addr carries none.
func hostPort(addr string) string {
	if strings.Contains(addr, ":") {
		return addr
	}
	return addr + ":22"
}
