package vetter

import (
	"fmt"

	"github.com/go-python/gpython/ast"
	"github.com/go-python/gpython/parser"
	"github.com/go-python/gpython/py"
)

// staticReport splits findings into immediate rejections and reviewable
// warnings. Criticals short-circuit the LLM pass.
type staticReport struct {
	critical []string
	warnings []string
}

// Rule tables keyed by symbol name. The walk only needs Import, ImportFrom,
// Call(Name) and Call(Attribute) node kinds, so new rules are data, not code.
var (
	criticalCalls = map[ast.Identifier]bool{
		"eval":       true,
		"exec":       true,
		"compile":    true,
		"__import__": true,
	}
	criticalAttrCalls = map[ast.Identifier]string{
		"system": "System command execution detected",
	}
	warningImports = map[ast.Identifier]bool{
		"os":         true,
		"subprocess": true,
		"socket":     true,
		"paramiko":   true,
	}
	criticalFromImports = map[ast.Identifier]map[ast.Identifier]bool{
		"os":         {"system": true, "popen": true},
		"subprocess": {"Popen": true, "popen": true},
		"socket":     {"socket": true},
	}
)

// analyze parses the submission and walks its AST against the rule tables.
// A syntax error is itself critical: code we cannot parse we cannot vouch for.
func analyze(code string) staticReport {
	tree, err := parser.ParseString(code, py.ExecMode)
	if err != nil {
		return staticReport{critical: []string{fmt.Sprintf("Syntax error: %v", err)}}
	}

	var rep staticReport
	ast.Walk(tree, func(node ast.Ast) bool {
		switch n := node.(type) {
		case *ast.Call:
			switch fn := n.Func.(type) {
			case *ast.Name:
				if criticalCalls[fn.Id] {
					rep.critical = append(rep.critical, fmt.Sprintf("Dangerous function: %s()", fn.Id))
				} else if fn.Id == "open" {
					rep.warnings = append(rep.warnings, "File operations detected - ensure using provided paths")
				}
			case *ast.Attribute:
				if msg, ok := criticalAttrCalls[fn.Attr]; ok {
					rep.critical = append(rep.critical, msg)
				}
			}
		case *ast.Import:
			for _, alias := range n.Names {
				if warningImports[alias.Name] {
					rep.warnings = append(rep.warnings, fmt.Sprintf("Import of '%s' - will be reviewed", alias.Name))
				}
			}
		case *ast.ImportFrom:
			if banned, ok := criticalFromImports[n.Module]; ok {
				for _, alias := range n.Names {
					if banned[alias.Name] {
						rep.critical = append(rep.critical,
							fmt.Sprintf("Import of dangerous function: %s.%s", n.Module, alias.Name))
					}
				}
			}
		}
		return true
	})
	return rep
}
