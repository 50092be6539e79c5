package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

func (r *Registry) runBash(ctx context.Context, args map[string]any) (string, error) {
	command, err := stringArg(args, "command")
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = r.workspace
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()
	output := strings.TrimRight(out.String(), "\n")

	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command timed out\n%s", truncateOutput(output))
	}
	if runErr != nil {
		// Non-zero exit is information for the model, not a tool failure, but
		// it still reads as an error result.
		return "", fmt.Errorf("%v\n%s", runErr, truncateOutput(output))
	}
	return output, nil
}
