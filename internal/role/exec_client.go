package role

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	xerrors "loom/internal/errors"
	"loom/internal/shared/jsonx"
	"loom/internal/shared/logging"
)

const stderrTailBytes = 2048

// ExecClient serves role invocations by launching a configured command per
// request. The request JSON goes to the child's stdin; whatever the child
// prints to stdout is decoded as the role's result. This keeps the model
// transport (API, local runtime, fixture script) entirely outside the
// process.
type ExecClient struct {
	argv    []string
	timeout time.Duration
	logger  logging.Logger
}

var _ Gateway = (*ExecClient)(nil)

// NewExecClient builds a client around argv. timeout bounds one invocation;
// zero means no bound.
func NewExecClient(argv []string, timeout time.Duration, logger logging.Logger) (*ExecClient, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, errors.New("role: exec client needs a command")
	}
	return &ExecClient{
		argv:    argv,
		timeout: timeout,
		logger:  logging.OrNop(logger),
	}, nil
}

func (c *ExecClient) Invoke(ctx context.Context, req Request) (*Result, error) {
	payload, err := jsonx.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal role request: %w", err)
	}

	runCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, c.argv[0], c.argv[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start).Round(time.Millisecond)

	if runErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, xerrors.NewTransientWithHint(runCtx.Err(),
				fmt.Sprintf("role %s timed out after %s", req.Role, c.timeout),
				"answer with less output")
		}
		return nil, xerrors.NewTransientError(
			fmt.Errorf("role command %q: %w%s", c.argv[0], runErr, stderrTail(&stderr)),
			fmt.Sprintf("role %s invocation failed", req.Role))
	}

	c.logger.Debug("role %s answered in %s (%d bytes)", req.Role, elapsed, stdout.Len())
	return DecodeResult(req.Role, stdout.String())
}

func stderrTail(buf *bytes.Buffer) string {
	s := strings.TrimSpace(buf.String())
	if s == "" {
		return ""
	}
	if len(s) > stderrTailBytes {
		s = s[len(s)-stderrTailBytes:]
	}
	return " (stderr: " + s + ")"
}
