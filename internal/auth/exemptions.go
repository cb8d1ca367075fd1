package auth

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/vyrodovalexey/svcgw/internal/observability"
)

// publicAuthEndpoints are the auth service routes reachable without a
// token, together with everything below them.
var publicAuthEndpoints = []string{"/login", "/register", "/health"}

// DefaultExemption lets clients reach the public endpoints of the auth
// service. The path is the part after the service segment and matches on
// whole segments: "/login" and "/login/otp" are exempt, "/loginAdmin" is
// not.
func DefaultExemption(authService string) string {
	clauses := make([]string, 0, len(publicAuthEndpoints))
	for _, endpoint := range publicAuthEndpoints {
		clauses = append(clauses, fmt.Sprintf(`path == %q || path.startsWith(%q)`, endpoint, endpoint+"/"))
	}
	return fmt.Sprintf(`service == %q && (%s)`, authService, strings.Join(clauses, " || "))
}

// Exemptions is a compiled set of CEL rules that bypass authentication.
type Exemptions struct {
	programs []exemption
	logger   observability.Logger
}

type exemption struct {
	expr    string
	program cel.Program
}

// CompileExemptions compiles every expression. Each must evaluate to a
// bool over the variables service, path and method.
func CompileExemptions(exprs []string, logger observability.Logger) (*Exemptions, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	env, err := cel.NewEnv(
		cel.Variable("service", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("method", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	e := &Exemptions{logger: logger}
	for _, expr := range exprs {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile exemption %q: %w", expr, issues.Err())
		}
		if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("exemption %q must evaluate to bool, got %s", expr, out)
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("program exemption %q: %w", expr, err)
		}
		e.programs = append(e.programs, exemption{expr: expr, program: prg})
	}
	return e, nil
}

// Matches reports whether any rule exempts the request.
func (e *Exemptions) Matches(service, path, method string) bool {
	if e == nil {
		return false
	}
	vars := map[string]any{
		"service": service,
		"path":    path,
		"method":  method,
	}
	for _, ex := range e.programs {
		out, _, err := ex.program.Eval(vars)
		if err != nil {
			e.logger.Warn("CEL exemption evaluation error",
				observability.String("expr", ex.expr),
				observability.Error(err),
			)
			continue
		}
		if b, ok := out.Value().(bool); ok && b {
			return true
		}
	}
	return false
}

// Len returns the number of compiled rules.
func (e *Exemptions) Len() int {
	if e == nil {
		return 0
	}
	return len(e.programs)
}
