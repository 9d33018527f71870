package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"brm-buddy/internal/config"
	"brm-buddy/internal/form"
	"brm-buddy/internal/runner"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	HeaderInvocationID   = "X-Invocation-Id"
	HeaderExitCode       = "X-Exit-Code"
	HeaderCommandTimeout = "X-Command-Timeout"

	textContentType = "text/plain; charset=utf-8"
)

// Executor runs one collaborator invocation. *runner.Runner implements it.
type Executor interface {
	Run(ctx context.Context, inv runner.Invocation) *runner.Result
}

// Reply is the outcome of dispatching one action. Output is the complete
// response body; Result is nil for unknown actions.
type Reply struct {
	Action string
	Output string
	Result *runner.Result
}

type Handler struct {
	cfg    *config.Config
	exec   Executor
	logger *zap.Logger
}

func NewHandler(cfg *config.Config, exec Executor, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{cfg: cfg, exec: exec, logger: logger}
}

// Dispatch decodes body as a form submission, runs the named action and
// returns its output. Unknown actions produce a fixed message.
func (h *Handler) Dispatch(ctx context.Context, action, body string) Reply {
	a, ok := h.lookup(action)
	if !ok {
		h.logger.Info("unknown action", zap.String("action", action))
		return Reply{Action: action, Output: fmt.Sprintf("Unknown action: %s", action)}
	}
	res := h.exec.Run(ctx, a.Build(form.Parse(body)))
	return Reply{Action: action, Output: res.Output, Result: res}
}

// HandleAction serves every POST. The path, without its leading slash, names
// the action. The response is always 200 text/plain carrying the command
// output, even when the command failed; exit status travels in headers.
func (h *Handler) HandleAction(c *gin.Context) {
	action := strings.TrimPrefix(c.Request.URL.Path, "/")

	body, err := readBody(c, h.cfg.MaxBodyBytes)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warn("request body too large", zap.String("action", action), zap.Int64("limit", tooLarge.Limit))
			c.String(http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		h.logger.Warn("failed to read request body", zap.String("action", action), zap.Error(err))
		c.String(http.StatusBadRequest, "Failed to read request body")
		return
	}

	reply := h.Dispatch(c.Request.Context(), action, body)
	if res := reply.Result; res != nil {
		c.Header(HeaderInvocationID, res.ID)
		c.Header(HeaderExitCode, strconv.Itoa(res.ExitCode))
		if res.TimedOut() {
			c.Header(HeaderCommandTimeout, "true")
		}
	}
	c.Data(http.StatusOK, textContentType, []byte(reply.Output))
}

// HandleUnsupported answers methods the console has no use for.
func (h *Handler) HandleUnsupported(c *gin.Context) {
	c.String(http.StatusNotImplemented, "Unsupported method (%s)", c.Request.Method)
}

func readBody(c *gin.Context, limit int64) (string, error) {
	r := http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
