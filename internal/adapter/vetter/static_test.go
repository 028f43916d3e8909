package vetter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyze_CleanMLCode(t *testing.T) {
	t.Parallel()
	code := `import numpy as np
import pandas as pd

def train(df):
    X = df.drop(columns=["target"]).values
    y = df["target"].values
    return np.mean(X, axis=0), y

if __name__ == "__main__":
    print("training")
`
	rep := analyze(code)
	assert.Empty(t, rep.critical)
	assert.Empty(t, rep.warnings)
}

func TestAnalyze_CriticalCalls(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		code string
		want string
	}{
		{"eval", `eval("1+1")`, "Dangerous function: eval()"},
		{"exec", `exec("print(1)")`, "Dangerous function: exec()"},
		{"compile", `compile("x=1", "<s>", "exec")`, "Dangerous function: compile()"},
		{"dunder import", `__import__("os")`, "Dangerous function: __import__()"},
		{"os.system attr", "import os\nos.system(\"ls\")", "System command execution detected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rep := analyze(tt.code)
			require.NotEmpty(t, rep.critical)
			assert.Contains(t, rep.critical, tt.want)
		})
	}
}

func TestAnalyze_CriticalFromImports(t *testing.T) {
	t.Parallel()
	rep := analyze("from os import system\nfrom subprocess import Popen\n")
	require.Len(t, rep.critical, 2)
	assert.Contains(t, rep.critical, "Import of dangerous function: os.system")
	assert.Contains(t, rep.critical, "Import of dangerous function: subprocess.Popen")
}

func TestAnalyze_WarningsOnly(t *testing.T) {
	t.Parallel()
	code := `import os
import subprocess

with open("data.csv") as f:
    data = f.read()
`
	rep := analyze(code)
	assert.Empty(t, rep.critical)
	assert.Contains(t, rep.warnings, "Import of 'os' - will be reviewed")
	assert.Contains(t, rep.warnings, "Import of 'subprocess' - will be reviewed")
	assert.Contains(t, rep.warnings, "File operations detected - ensure using provided paths")
}

func TestAnalyze_SyntaxErrorIsCritical(t *testing.T) {
	t.Parallel()
	rep := analyze("def broken(:\n")
	require.Len(t, rep.critical, 1)
	assert.Contains(t, rep.critical[0], "Syntax error")
}
