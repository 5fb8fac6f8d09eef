package exec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// CommandPipe runs cmdString with `bash -c`, so pipes and redirections work.
// env entries ("KEY=value") are added to the current environment.
// The trimmed stdout is returned; on failure the error carries stderr.
func CommandPipe(ctx context.Context, cmdString string, env ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "bash", "-c", cmdString)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	var stout bytes.Buffer
	cmd.Stdout = &stout

	err := cmd.Run()
	if err != nil {
		return "", fmt.Errorf("%v: %s", err, strings.TrimSpace(stderr.String()))
	}

	out := strings.TrimSuffix(stout.String(), "\n")
	return out, nil
}
