package analysis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	resultFile     = "result.json"
	maxStderrBytes = 4096
	// waitDelay bounds how long Run waits for output pipes after the command is killed.
	waitDelay = 5 * time.Second
)

// SubprocessAnalyzer runs the analysis as an external command. Inputs are
// written as JSON files into a per-job directory under workDir, and the
// command leaves result.json in the same directory.
//
// The command is invoked as:
//
//	<command> --video FILE --recipe FILE --camera-config FILE
//	    [--cross-section FILE] [--cross-section-wl FILE] [--h LEVEL] --output DIR
type SubprocessAnalyzer struct {
	command []string
	workDir string
	timeout time.Duration
	logger  *slog.Logger
}

// NewSubprocessAnalyzer splits command on whitespace. A zero timeout means none.
func NewSubprocessAnalyzer(command, workDir string, timeout time.Duration, logger *slog.Logger) (*SubprocessAnalyzer, error) {
	args := strings.Fields(command)
	if len(args) == 0 {
		return nil, errors.New("analysis command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SubprocessAnalyzer{command: args, workDir: workDir, timeout: timeout, logger: logger}, nil
}

func (a *SubprocessAnalyzer) Run(ctx context.Context, req Request) (*Result, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	dir, err := a.jobDir(req.JobID)
	if err != nil {
		return nil, err
	}

	args, err := writeInputs(dir, req)
	if err != nil {
		return nil, err
	}

	argv := append(slices.Clone(a.command[1:]), args...)
	cmd := exec.CommandContext(ctx, a.command[0], argv...)
	cmd.Dir = dir
	cmd.WaitDelay = waitDelay
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	a.logger.Info("analysis started", "job_id", req.JobID, "video", req.VideoFile)
	runErr := cmd.Run()
	duration := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%w after %s", ErrTimeout, duration.Round(time.Millisecond))
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return nil, &ProcessingError{ExitCode: exitErr.ExitCode(), Stderr: tail(stderr.String())}
		}
		return nil, fmt.Errorf("starting analysis: %w", runErr)
	}

	result, err := readResult(dir)
	if err != nil {
		return nil, err
	}
	a.logger.Info("analysis finished", "job_id", req.JobID, "duration_ms", duration.Milliseconds())
	return result, nil
}

func (a *SubprocessAnalyzer) jobDir(jobID string) (string, error) {
	name := jobID
	if name == "" {
		name = strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	dir := filepath.Join(a.workDir, "analysis-"+name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	// A leftover result from an earlier run of the same job must not be picked up.
	if err := os.Remove(filepath.Join(dir, resultFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("clear previous result: %w", err)
	}
	return dir, nil
}

func writeInputs(dir string, req Request) ([]string, error) {
	args := []string{"--video", req.VideoFile}

	inputs := []struct {
		flag string
		name string
		data []byte
	}{
		{"--recipe", "recipe.json", req.Recipe},
		{"--camera-config", "camera_config.json", req.CameraConfig},
		{"--cross-section", "cross_section.json", req.CrossSection},
		{"--cross-section-wl", "cross_section_wl.json", req.CrossSectionWL},
	}
	for _, in := range inputs {
		if len(in.data) == 0 {
			continue
		}
		path := filepath.Join(dir, in.name)
		if err := os.WriteFile(path, in.data, 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", in.name, err)
		}
		args = append(args, in.flag, path)
	}

	if req.WaterLevel != nil {
		args = append(args, "--h", strconv.FormatFloat(*req.WaterLevel, 'f', -1, 64))
	}
	return append(args, "--output", dir), nil
}

func readResult(dir string) (*Result, error) {
	data, err := os.ReadFile(filepath.Join(dir, resultFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoResult
	}
	if err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoResult, err)
	}
	if result.Image != "" && !filepath.IsAbs(result.Image) {
		result.Image = filepath.Join(dir, result.Image)
	}
	return &result, nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderrBytes {
		s = s[len(s)-maxStderrBytes:]
	}
	return s
}
