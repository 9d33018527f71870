package api

import (
	"strings"

	"brm-buddy/internal/form"
	"brm-buddy/internal/runner"
)

const (
	ActionRunOpcode = "run_opcode"
	ActionRunSQL    = "run_sql"
)

// Action turns a decoded form into a collaborator invocation.
type Action struct {
	Name  string
	Build func(form.Values) runner.Invocation
}

func (h *Handler) actions() []Action {
	return []Action{
		{ActionRunOpcode, h.opcodeInvocation},
		{ActionRunSQL, h.sqlInvocation},
	}
}

// ActionNames lists the POST actions the console understands.
func (h *Handler) ActionNames() []string {
	var names []string
	for _, a := range h.actions() {
		names = append(names, a.Name)
	}
	return names
}

func (h *Handler) lookup(name string) (Action, bool) {
	for _, a := range h.actions() {
		if a.Name == name {
			return a, true
		}
	}
	return Action{}, false
}

// opcodeInvocation runs the opcode script with the decoded opcode, flag and
// flist. The testnap home travels in the environment.
func (h *Handler) opcodeInvocation(v form.Values) runner.Invocation {
	opcode := form.URLDecode(form.Field(v, "opcode", ""))
	flag := form.URLDecode(form.Field(v, "flag", ""))
	flist := strings.TrimSpace(form.URLDecode(form.Field(v, "flist", "")))

	h.logger.Sugar().Infof("Running opcode: %s, flag: %s, flist:\n%s", opcode, flag, flist)

	return runner.Invocation{
		Args: []string{h.cfg.OpcodeScript, opcode, flag, flist},
		Env:  []string{"TESTNAP_HOME=" + h.cfg.TestnapHome},
	}
}

func (h *Handler) sqlInvocation(v form.Values) runner.Invocation {
	sql := form.URLDecode(form.Field(v, "sql", ""))

	h.logger.Sugar().Infof("Running SQL: %s", strings.TrimSpace(sql))

	return runner.Invocation{
		Args: []string{h.cfg.SQLScript, h.cfg.DBUser, h.cfg.DBPassword, h.cfg.DBService, sql},
	}
}
