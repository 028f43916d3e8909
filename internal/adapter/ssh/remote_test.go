package ssh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathsFor(t *testing.T) {
	t.Parallel()
	p := pathsFor("/home/gpuuser/work", "abc-123")
	assert.Equal(t, "/home/gpuuser/work/solution.py", p.Solution)
	assert.Equal(t, "/home/gpuuser/work/results.jsonl", p.Results)
	assert.Equal(t, "/tmp/job_abc-123.out", p.Stdout)
	assert.Equal(t, "/tmp/job_abc-123.err", p.Stderr)
	assert.Len(t, p.all(), 4)
}

func TestLaunchCommand_DetachesAndEchoesPID(t *testing.T) {
	t.Parallel()
	cmd := launchCommand("cd /repo && python grade.py", "/tmp/j.out", "/tmp/j.err")
	assert.Equal(t,
		"setsid nohup bash -c 'cd /repo && python grade.py' > /tmp/j.out 2> /tmp/j.err </dev/null & echo $!",
		cmd)
}

func TestGradeCommand(t *testing.T) {
	t.Parallel()
	cmd := gradeCommand("/home/gpuuser/aira-dojo", "/opt/python", "src/dojo/grade_code.py",
		"/home/gpuuser/work/solution.py", "spaceship-titanic", "/home/gpuuser/work/results.jsonl")
	assert.Equal(t,
		"cd /home/gpuuser/aira-dojo && /opt/python src/dojo/grade_code.py /home/gpuuser/work/solution.py spaceship-titanic /home/gpuuser/work/results.jsonl",
		cmd)
}

func TestParsePID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		out     string
		want    int
		wantErr bool
	}{
		{"plain", "12345", 12345, false},
		{"trailing newline", "9912\n", 9912, false},
		{"padded", "  77  ", 77, false},
		{"empty", "", 0, true},
		{"garbage", "bash: not found", 0, true},
		{"zero", "0", 0, true},
		{"negative", "-4", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pid, err := parsePID(tt.out)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, pid)
		})
	}
}

func TestAliveAndCatCommands(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "ps -p 42 > /dev/null 2>&1 && echo 'running' || echo 'stopped'", aliveCommand(42))
	assert.Equal(t, "cat /tmp/x 2>/dev/null || echo ''", catCommand("/tmp/x"))
}

func TestHostPort(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "bastion.example.com:22", hostPort("bastion.example.com"))
	assert.Equal(t, "bastion.example.com:2222", hostPort("bastion.example.com:2222"))
}
