package render

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// ToolStatus reports whether an external encoder can be run.
type ToolStatus struct {
	Available bool
	Version   string
	Path      string
	Error     error
}

// CheckEncoder looks up the configured ffmpeg binary and asks it for its version.
func (r *Renderer) CheckEncoder(ctx context.Context) ToolStatus {
	path, err := exec.LookPath(r.ffmpeg)
	if err != nil {
		return ToolStatus{Error: err}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	output, err := exec.CommandContext(ctx, path, "-version").CombinedOutput()
	if err != nil && len(output) == 0 {
		return ToolStatus{Path: path, Error: err}
	}
	return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
}

func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "version") {
			return line
		}
	}
	if len(lines) > 0 && strings.TrimSpace(lines[0]) != "" {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}
