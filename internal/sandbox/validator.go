// Package sandbox validates and executes untrusted strategy code. The
// validator statically scores the source; the runner dispatches code that
// passes into an isolated container via the SandboxBackend port.
package sandbox

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/domain"
)

// Modules that reach process control, the filesystem, the network, IPC,
// arbitrary-object serialization, threading, signals, or FFI.
var forbiddenModules = map[string]struct{}{
	"os": {}, "sys": {}, "subprocess": {}, "shutil": {}, "pathlib": {},
	"socket": {}, "http": {}, "urllib": {}, "requests": {}, "ftplib": {},
	"telnetlib": {}, "smtplib": {}, "asyncio": {},
	"pickle": {}, "marshal": {}, "shelve": {}, "dill": {},
	"ctypes": {}, "cffi": {},
	"threading": {}, "multiprocessing": {}, "concurrent": {},
	"signal": {}, "importlib": {}, "builtins": {},
}

var forbiddenBuiltins = map[string]struct{}{
	"eval": {}, "exec": {}, "compile": {}, "__import__": {},
	"open": {}, "read": {}, "write": {}, "input": {}, "reload": {}, "execfile": {},
}

var reflectionBuiltins = map[string]struct{}{
	"getattr": {}, "setattr": {}, "delattr": {}, "hasattr": {},
}

var dangerousAttrs = map[string]struct{}{
	"__dict__": {}, "__class__": {}, "__bases__": {}, "__subclasses__": {},
	"__globals__": {}, "__code__": {}, "__closure__": {}, "__builtins__": {},
}

// Numeric, time, and typing utilities strategies legitimately need.
var allowedModules = map[string]struct{}{
	"math": {}, "cmath": {}, "statistics": {}, "decimal": {}, "fractions": {},
	"random": {}, "time": {}, "datetime": {}, "calendar": {},
	"itertools": {}, "functools": {}, "operator": {}, "collections": {},
	"typing": {}, "dataclasses": {}, "enum": {}, "abc": {},
	"json": {}, "re": {}, "string": {}, "copy": {}, "heapq": {}, "bisect": {},
	"numpy": {}, "pandas": {},
}

// Validator statically scores submitted Python source. It is pure and
// deterministic; the same source always yields the same verdict.
type Validator struct{}

func NewValidator() *Validator { return &Validator{} }

// Validate parses the source and walks its syntax tree, accumulating a risk
// score from a fixed table. The verdict is valid only when no critical
// violation was found and the level stays below critical.
func (v *Validator) Validate(ctx context.Context, source string) (domain.ValidationResult, error) {
	res := domain.ValidationResult{
		Violations:      []domain.Violation{},
		Warnings:        []string{},
		Recommendations: []string{},
	}

	if strings.TrimSpace(source) == "" {
		res.Violations = append(res.Violations, domain.Violation{
			Type:    "empty_code",
			Message: "source is empty",
			Line:    0,
		})
		res.IsValid = true
		res.RiskLevel = domain.RiskLevelFor(0)
		return res, nil
	}

	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	tree, err := parser.ParseCtx(ctx, nil, []byte(source))
	if err != nil {
		return domain.ValidationResult{}, fmt.Errorf("parse source: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		res.RiskScore += 5
		res.Violations = append(res.Violations, domain.Violation{
			Type:    "syntax_error",
			Message: "source contains syntax errors; analysis stopped",
			Line:    firstErrorLine(root),
		})
		res.Warnings = append(res.Warnings, "fix syntax errors before resubmitting")
		res.RiskLevel = domain.RiskLevelFor(res.RiskScore)
		res.IsValid = res.RiskLevel != domain.RiskCritical
		return res, nil
	}

	w := &walker{src: []byte(source), res: &res}
	w.walk(root)

	res.RiskLevel = domain.RiskLevelFor(res.RiskScore)
	hasCritical := false
	for _, viol := range res.Violations {
		if viol.Critical {
			hasCritical = true
			break
		}
	}
	res.IsValid = !hasCritical && res.RiskLevel != domain.RiskCritical
	if hasCritical {
		res.Recommendations = append(res.Recommendations,
			"remove system, network, and filesystem access; the sandbox exposes market data through the provided API only")
	}
	return res, nil
}

func firstErrorLine(root *sitter.Node) int {
	var line int
	var find func(n *sitter.Node) bool
	find = func(n *sitter.Node) bool {
		if n.Type() == "ERROR" || n.IsMissing() {
			line = int(n.StartPoint().Row) + 1
			return true
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			if find(n.Child(i)) {
				return true
			}
		}
		return false
	}
	find(root)
	return line
}

type walker struct {
	src []byte
	res *domain.ValidationResult
}

func (w *walker) text(n *sitter.Node) string {
	return string(w.src[n.StartByte():n.EndByte()])
}

func (w *walker) line(n *sitter.Node) int {
	return int(n.StartPoint().Row) + 1
}

func (w *walker) add(score int, critical bool, typ, msg string, line int) {
	w.res.RiskScore += score
	w.res.Violations = append(w.res.Violations, domain.Violation{
		Type:     typ,
		Message:  msg,
		Line:     line,
		Critical: critical,
	})
}

func (w *walker) walk(n *sitter.Node) {
	switch n.Type() {
	case "import_statement":
		w.checkImportStatement(n)
	case "import_from_statement":
		w.checkImportFrom(n)
	case "call":
		w.checkCall(n)
	case "attribute":
		w.checkAttribute(n)
	case "assignment":
		w.checkAssignment(n)
	case "lambda":
		w.checkLambda(n)
	case "while_statement":
		w.checkWhile(n)
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		w.walk(n.Child(i))
	}
}

func (w *walker) checkModule(name string, line int) {
	base := name
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	if _, bad := forbiddenModules[base]; bad {
		w.add(30, true, "forbidden_import",
			fmt.Sprintf("import of forbidden module %q", base), line)
		return
	}
	if _, ok := allowedModules[base]; !ok {
		w.res.RiskScore++
		w.res.Warnings = append(w.res.Warnings,
			fmt.Sprintf("line %d: import of module %q outside the allowed set", line, base))
	}
}

func (w *walker) checkImportStatement(n *sitter.Node) {
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		switch child.Type() {
		case "dotted_name":
			w.checkModule(w.text(child), w.line(child))
		case "aliased_import":
			for j := 0; j < int(child.ChildCount()); j++ {
				if gc := child.Child(j); gc.Type() == "dotted_name" {
					w.checkModule(w.text(gc), w.line(gc))
				}
			}
		}
	}
}

func (w *walker) checkImportFrom(n *sitter.Node) {
	if mod := n.ChildByFieldName("module_name"); mod != nil {
		w.checkModule(w.text(mod), w.line(mod))
	}
}

func (w *walker) checkCall(n *sitter.Node) {
	fn := n.ChildByFieldName("function")
	if fn == nil || fn.Type() != "identifier" {
		return
	}
	name := w.text(fn)
	if _, bad := forbiddenBuiltins[name]; bad {
		w.add(30, true, "forbidden_builtin",
			fmt.Sprintf("call to forbidden builtin %q", name), w.line(n))
		return
	}
	if _, refl := reflectionBuiltins[name]; refl {
		w.add(15, false, "reflection",
			fmt.Sprintf("reflective access via %q", name), w.line(n))
	}
}

func (w *walker) checkAttribute(n *sitter.Node) {
	attr := n.ChildByFieldName("attribute")
	if attr == nil {
		return
	}
	name := w.text(attr)
	if _, bad := dangerousAttrs[name]; bad {
		w.add(20, true, "dangerous_attribute",
			fmt.Sprintf("access to internal attribute %q", name), w.line(n))
	}
}

func (w *walker) checkAssignment(n *sitter.Node) {
	left := n.ChildByFieldName("left")
	if left == nil || left.Type() != "identifier" {
		return
	}
	name := w.text(left)
	if _, bad := forbiddenBuiltins[name]; bad {
		w.add(10, false, "builtin_rebind",
			fmt.Sprintf("reassignment of builtin %q", name), w.line(n))
	}
}

func (w *walker) checkLambda(n *sitter.Node) {
	body := n.ChildByFieldName("body")
	if body == nil {
		return
	}
	var hasEval func(m *sitter.Node) bool
	hasEval = func(m *sitter.Node) bool {
		if m.Type() == "call" {
			if fn := m.ChildByFieldName("function"); fn != nil && fn.Type() == "identifier" {
				if t := w.text(fn); t == "eval" || t == "exec" {
					return true
				}
			}
		}
		for i := 0; i < int(m.ChildCount()); i++ {
			if hasEval(m.Child(i)) {
				return true
			}
		}
		return false
	}
	if hasEval(body) {
		w.add(25, true, "lambda_eval",
			"lambda wrapping eval/exec", w.line(n))
	}
}

func (w *walker) checkWhile(n *sitter.Node) {
	cond := n.ChildByFieldName("condition")
	if cond == nil || cond.Type() != "true" {
		return
	}
	w.res.RiskScore += 5
	w.res.Violations = append(w.res.Violations, domain.Violation{
		Type:    "infinite_loop",
		Message: "literal `while True` loop",
		Line:    w.line(n),
	})
	w.res.Warnings = append(w.res.Warnings,
		fmt.Sprintf("line %d: unbounded loop will hit the execution timeout", w.line(n)))
}
