// Package media runs the ffmpeg toolchain for workflow media transforms.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/codefionn/flowsync/internal/config"
	"github.com/codefionn/flowsync/internal/consts"
	"github.com/codefionn/flowsync/internal/logger"
)

var (
	// ErrOutsideWorkDir is returned for paths that escape the configured work directory.
	ErrOutsideWorkDir = errors.New("path outside media work directory")
	// ErrInvalidRequest is returned for transform requests missing a required field.
	ErrInvalidRequest = errors.New("invalid transform request")
)

// ExitError reports a non-zero exit of ffmpeg or ffprobe.
type ExitError struct {
	Binary string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", filepath.Base(e.Binary), e.Code)
	if e.Stderr != "" {
		msg += ": " + lastLine(e.Stderr)
	}
	return msg
}

// AbortedError reports a tool that was killed because its deadline passed or
// the caller went away.
type AbortedError struct {
	Binary string
	Err    error
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("%s aborted: %v", filepath.Base(e.Binary), e.Err)
}

func (e *AbortedError) Unwrap() error {
	return e.Err
}

// Reason is "timeout" for an expired deadline and "canceled" otherwise.
func (e *AbortedError) Reason() string {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "canceled"
}

// extraOptions are the ffmpeg options accepted in TransformRequest.ExtraArgs,
// mapped to whether they take a value. None of them names a file.
var extraOptions = map[string]bool{
	"-c:v": true, "-c:a": true, "-codec:v": true, "-codec:a": true,
	"-b:v": true, "-b:a": true, "-crf": true, "-preset": true, "-tune": true,
	"-profile:v": true, "-pix_fmt": true, "-movflags": true,
	"-r": true, "-s": true, "-aspect": true, "-ss": true, "-t": true, "-to": true,
	"-ac": true, "-ar": true, "-frames:v": true,
	"-an": false, "-vn": false, "-sn": false, "-shortest": false,
}

// fileFilters are filter names that open files on their own.
var fileFilters = []string{"movie", "amovie", "subtitles", "ass", "sendcmd", "asendcmd", "zmq", "azmq", "lut3d", "haldclutsrc"}

// TransformRequest is one ffmpeg invocation: read Input, apply the Filter
// graph, write Output.
type TransformRequest struct {
	Input     string   `json:"input"`
	Filter    string   `json:"filter,omitempty"`
	Output    string   `json:"output"`
	ExtraArgs []string `json:"extraArgs,omitempty"`
}

// TransformResult describes a finished transform.
type TransformResult struct {
	Output   string        `json:"output"`
	Duration time.Duration `json:"durationNs"`
}

// Runner invokes ffmpeg and ffprobe.
type Runner struct {
	ffmpeg  string
	ffprobe string
	workDir string
	timeout time.Duration
}

// NewRunner builds a runner from the media configuration.
func NewRunner(cfg config.MediaConfig) *Runner {
	r := &Runner{
		ffmpeg:  strings.TrimSpace(cfg.FFmpegPath),
		ffprobe: strings.TrimSpace(cfg.FFprobePath),
		workDir: strings.TrimSpace(cfg.WorkDir),
		timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
	if r.ffmpeg == "" {
		r.ffmpeg = "ffmpeg"
	}
	if r.ffprobe == "" {
		r.ffprobe = "ffprobe"
	}
	return r
}

// Transform runs ffmpeg for req. A non-zero exit yields *ExitError.
func (r *Runner) Transform(ctx context.Context, req TransformRequest) (*TransformResult, error) {
	input, err := r.resolve(req.Input)
	if err != nil {
		return nil, err
	}
	output, err := r.resolve(req.Output)
	if err != nil {
		return nil, err
	}
	req.Input, req.Output = input, output

	args, err := transformArgs(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := r.run(ctx, r.ffmpeg, args, nil); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)
	logger.Info("media: transformed %s -> %s in %s", input, output, elapsed.Round(time.Millisecond))
	return &TransformResult{Output: output, Duration: elapsed}, nil
}

// transformArgs builds the ffmpeg argument list. Output is always
// overwritten and the input is never read from stdin.
func transformArgs(req TransformRequest) ([]string, error) {
	if strings.TrimSpace(req.Input) == "" {
		return nil, fmt.Errorf("%w: input is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Output) == "" {
		return nil, fmt.Errorf("%w: output is required", ErrInvalidRequest)
	}
	if req.Input == req.Output {
		return nil, fmt.Errorf("%w: input and output are the same file", ErrInvalidRequest)
	}

	if err := checkFilter(req.Filter); err != nil {
		return nil, err
	}
	if err := checkExtraArgs(req.ExtraArgs); err != nil {
		return nil, err
	}

	args := []string{"-hide_banner", "-nostdin", "-v", "error", "-y", "-i", req.Input}
	if f := strings.TrimSpace(req.Filter); f != "" {
		args = append(args, "-vf", f)
	}
	args = append(args, req.ExtraArgs...)
	args = append(args, req.Output)
	return args, nil
}

// checkExtraArgs accepts only allowlisted options with plain values, so
// extra arguments can add neither inputs nor outputs.
func checkExtraArgs(extra []string) error {
	for i := 0; i < len(extra); i++ {
		opt := extra[i]
		takesValue, ok := extraOptions[opt]
		if !ok {
			return fmt.Errorf("%w: option %q is not allowed", ErrInvalidRequest, opt)
		}
		if !takesValue {
			continue
		}
		i++
		if i == len(extra) {
			return fmt.Errorf("%w: option %q needs a value", ErrInvalidRequest, opt)
		}
		if !plainValue(extra[i]) {
			return fmt.Errorf("%w: value %q for %s is not allowed", ErrInvalidRequest, extra[i], opt)
		}
	}
	return nil
}

// plainValue rejects paths and protocol URLs.
func plainValue(v string) bool {
	if v == "" || (strings.HasPrefix(v, "-") && !isNumber(v)) {
		return false
	}
	if strings.ContainsAny(v, `/\`) || strings.Contains(v, "..") {
		return false
	}
	if i := strings.IndexByte(v, ':'); i > 0 && isLetters(v[:i]) {
		return false
	}
	return true
}

func checkFilter(filter string) error {
	if strings.ContainsAny(filter, `/\`) {
		return fmt.Errorf("%w: filter must not reference paths", ErrInvalidRequest)
	}
	for _, chain := range strings.FieldsFunc(filter, func(r rune) bool { return r == ',' || r == ';' }) {
		name := strings.TrimSpace(chain)
		for strings.HasPrefix(name, "[") {
			end := strings.IndexByte(name, ']')
			if end < 0 {
				break
			}
			name = strings.TrimSpace(name[end+1:])
		}
		if i := strings.IndexAny(name, "=@"); i >= 0 {
			name = name[:i]
		}
		for _, denied := range fileFilters {
			if strings.EqualFold(name, denied) {
				return fmt.Errorf("%w: filter %q is not allowed", ErrInvalidRequest, name)
			}
		}
	}
	return nil
}

func isLetters(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return s != ""
}

func isNumber(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

// resolve places relative paths in the work directory and keeps absolute
// ones inside it.
func (r *Runner) resolve(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" || r.workDir == "" {
		return path, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.workDir, path)
	}
	path = filepath.Clean(path)

	rel, err := filepath.Rel(filepath.Clean(r.workDir), path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkDir, path)
	}
	return path, nil
}

// run executes binary. stdout, when non-nil, receives the standard output.
func (r *Runner) run(ctx context.Context, binary string, args []string, stdout *bytes.Buffer) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stderr = &stderr
	if stdout != nil {
		cmd.Stdout = stdout
	}

	logger.Debug("media: %s %s", binary, strings.Join(args, " "))
	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &AbortedError{Binary: binary, Err: ctxErr}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Binary: binary, Code: exitErr.ExitCode(), Stderr: truncate(stderr.String())}
	}
	return fmt.Errorf("%s: %w", filepath.Base(binary), err)
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= consts.MaxStderrBytes {
		return s
	}
	return s[len(s)-consts.MaxStderrBytes:]
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
