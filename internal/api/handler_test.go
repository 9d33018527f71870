package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"brm-buddy/internal/config"
	"brm-buddy/internal/runner"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeExec records invocations and answers each with a numbered output.
type fakeExec struct {
	mu     sync.Mutex
	calls  []runner.Invocation
	result func(n int, inv runner.Invocation) *runner.Result
}

func (f *fakeExec) Run(ctx context.Context, inv runner.Invocation) *runner.Result {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	n := len(f.calls)
	f.mu.Unlock()
	if f.result != nil {
		return f.result(n, inv)
	}
	return &runner.Result{
		ID:     fmt.Sprintf("inv-%d", n),
		Args:   inv.Args,
		Output: fmt.Sprintf("output %d\n", n),
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.DBUser = "scott"
	cfg.DBPassword = "tiger"
	cfg.DBService = "pindb"
	cfg.TestnapHome = "/opt/portal/sys/test"
	cfg.MaxBodyBytes = 1024
	return cfg
}

func testEngine(t *testing.T, exec Executor) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(testConfig(), exec, zaptest.NewLogger(t))
	r := gin.New()
	r.Use(RequestLogger(zaptest.NewLogger(t)))
	for _, name := range h.ActionNames() {
		r.POST("/"+name, h.HandleAction)
	}
	r.NoRoute(func(c *gin.Context) {
		if c.Request.Method == http.MethodPost {
			h.HandleAction(c)
			return
		}
		h.HandleUnsupported(c)
	})
	return r
}

func post(r http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRunSQL(t *testing.T) {
	exec := &fakeExec{}
	w := post(testEngine(t, exec), "/run_sql", "sql=SELECT%201")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "output 1\n", w.Body.String())
	assert.Equal(t, "inv-1", w.Header().Get(HeaderInvocationID))
	assert.Equal(t, "0", w.Header().Get(HeaderExitCode))
	assert.NotEmpty(t, w.Header().Get(HeaderRequestID))

	require.Len(t, exec.calls, 1)
	assert.Equal(t, []string{"scripts/call_sqlplus.sh", "scott", "tiger", "pindb", "SELECT 1"}, exec.calls[0].Args)
	assert.Empty(t, exec.calls[0].Env)
}

func TestRunOpcode(t *testing.T) {
	exec := &fakeExec{}
	body := "opcode=PCM_OP_READ_FLDS&flag=0&flist=" +
		"0+PIN_FLD_POID+POID+%5B0%5D+0.0.0.1+%2Fbalance_group+1+0%0A0+PIN_FLD_BALANCES+ARRAY+%5B*%5D+NULL%0A"
	w := post(testEngine(t, exec), "/run_opcode", body)

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, exec.calls, 1)
	assert.Equal(t, []string{
		"scripts/call_testnap.sh",
		"PCM_OP_READ_FLDS",
		"0",
		"0 PIN_FLD_POID POID [0] 0.0.0.1 /balance_group 1 0\n0 PIN_FLD_BALANCES ARRAY [*] NULL",
	}, exec.calls[0].Args)
	assert.Equal(t, []string{"TESTNAP_HOME=/opt/portal/sys/test"}, exec.calls[0].Env)
}

func TestRunOpcodeDecodesEveryField(t *testing.T) {
	exec := &fakeExec{}
	w := post(testEngine(t, exec), "/run_opcode", "opcode=PCM_OP_CUST%5FCOMMIT&flag=1+2%7C4&flist=0+PIN_FLD_POID")

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, exec.calls, 1)
	assert.Equal(t, []string{
		"scripts/call_testnap.sh",
		"PCM_OP_CUST_COMMIT",
		"1 2|4",
		"0 PIN_FLD_POID",
	}, exec.calls[0].Args)
}

func TestMissingFieldsDefaultToEmpty(t *testing.T) {
	exec := &fakeExec{}
	r := testEngine(t, exec)

	post(r, "/run_opcode", "")
	post(r, "/run_sql", "other=1")

	require.Len(t, exec.calls, 2)
	assert.Equal(t, []string{"scripts/call_testnap.sh", "", "", ""}, exec.calls[0].Args)
	assert.Equal(t, "", exec.calls[1].Args[4])
}

func TestUnknownAction(t *testing.T) {
	exec := &fakeExec{}
	r := testEngine(t, exec)

	for _, body := range []string{"", "sql=SELECT%201", "opcode=X&flag=0"} {
		w := post(r, "/unknown_path", body)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "Unknown action: unknown_path", w.Body.String())
		assert.Empty(t, w.Header().Get(HeaderExitCode))
	}
	assert.Empty(t, exec.calls)
}

func TestRepeatedRequestsAreNotCached(t *testing.T) {
	exec := &fakeExec{}
	r := testEngine(t, exec)
	body := "opcode=PCM_OP_TEST_LOOPBACK&flag=0&flist=x"

	first := post(r, "/run_opcode", body)
	second := post(r, "/run_opcode", body)

	assert.Len(t, exec.calls, 2)
	assert.Equal(t, "output 1\n", first.Body.String())
	assert.Equal(t, "output 2\n", second.Body.String())
}

func TestFailuresAreStill200(t *testing.T) {
	exec := &fakeExec{result: func(n int, inv runner.Invocation) *runner.Result {
		return &runner.Result{
			ID:       "inv-timeout",
			Output:   "partial\nCommand timed out after 1s: [\"x\"]",
			ExitCode: -1,
			Err:      runner.ErrTimeout,
		}
	}}
	w := post(testEngine(t, exec), "/run_sql", "sql=x")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "-1", w.Header().Get(HeaderExitCode))
	assert.Equal(t, "true", w.Header().Get(HeaderCommandTimeout))
	assert.Contains(t, w.Body.String(), "Command timed out")
}

func TestBodyTooLarge(t *testing.T) {
	exec := &fakeExec{}
	w := post(testEngine(t, exec), "/run_sql", "sql="+strings.Repeat("x", 2048))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Empty(t, exec.calls)
}

func TestUnsupportedMethod(t *testing.T) {
	req := httptest.NewRequest(http.MethodPut, "/run_sql", nil)
	w := httptest.NewRecorder()
	testEngine(t, &fakeExec{}).ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestDispatch(t *testing.T) {
	exec := &fakeExec{}
	h := NewHandler(testConfig(), exec, nil)

	reply := h.Dispatch(context.Background(), ActionRunSQL, "sql=SELECT+*+FROM+account")
	require.NotNil(t, reply.Result)
	assert.Equal(t, "output 1\n", reply.Output)
	assert.Equal(t, "SELECT * FROM account", exec.calls[0].Args[4])

	reply = h.Dispatch(context.Background(), "drop_db", "")
	assert.Nil(t, reply.Result)
	assert.Equal(t, "Unknown action: drop_db", reply.Output)
}
