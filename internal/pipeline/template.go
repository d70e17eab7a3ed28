package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"text/template/parse"
)

var (
	ErrForbiddenAction = fmt.Errorf("command template contains a forbidden action")
	ErrExcessiveDepth  = fmt.Errorf("command template nesting exceeds maximum allowed")
)

// CommandFuncs are the functions the executor provides to command templates.
var CommandFuncs = []string{"input", "env", "path", "quote"}

// CommandFields are the fields of the command template data.
var CommandFields = []string{"Stage", "OutputDir", "Inputs", "Env", "Prefixes"}

// TemplateValidator checks stage command templates before anything runs
type TemplateValidator struct {
	// MaxDepth limits nesting of if/range/with blocks
	MaxDepth int
	// AllowedFunctions whitelist of template functions
	AllowedFunctions map[string]bool
	// AllowedFields are the top-level fields of the template data
	AllowedFields map[string]bool
}

// NewTemplateValidator creates a validator for command templates
func NewTemplateValidator() *TemplateValidator {
	allowed := map[string]bool{
		"printf": true,
		"print":  true,
		"len":    true,
		"index":  true,
		"slice":  true,
		"eq":     true,
		"ne":     true,
		"lt":     true,
		"le":     true,
		"gt":     true,
		"ge":     true,
		"and":    true,
		"or":     true,
		"not":    true,
	}
	for _, fn := range CommandFuncs {
		allowed[fn] = true
	}
	fields := map[string]bool{}
	for _, f := range CommandFields {
		fields[f] = true
	}
	return &TemplateValidator{MaxDepth: 5, AllowedFunctions: allowed, AllowedFields: fields}
}

// TemplateInfo is what a valid command template refers to.
type TemplateInfo struct {
	// Inputs are the literal refs passed to the input function, sorted.
	Inputs []string
}

// Validate parses a command template and reports the inputs it uses.
func (v *TemplateValidator) Validate(text string) (TemplateInfo, error) {
	var info TemplateInfo
	if strings.TrimSpace(text) == "" {
		return info, nil
	}

	// Unknown functions are reported by our own walk, not by the parser.
	trees, err := parse.Parse("command", text, "{{", "}}", v.funcStubs())
	if err != nil {
		return info, fmt.Errorf("template parse error: %w", err)
	}
	if len(trees) != 1 {
		return info, fmt.Errorf("%w: define blocks are not allowed", ErrForbiddenAction)
	}

	w := &walker{v: v, inputs: map[string]bool{}}
	for _, tree := range trees {
		if err := w.list(tree.Root, 0, true); err != nil {
			return info, err
		}
	}
	for ref := range w.inputs {
		info.Inputs = append(info.Inputs, ref)
	}
	sort.Strings(info.Inputs)
	return info, nil
}

func (v *TemplateValidator) funcStubs() map[string]any {
	stubs := map[string]any{}
	for name := range v.AllowedFunctions {
		stubs[name] = func(...any) string { return "" }
	}
	// Parse also needs names it will reject later, so it can give a precise error.
	for _, name := range []string{"call", "html", "js", "urlquery", "println"} {
		stubs[name] = func(...any) string { return "" }
	}
	return stubs
}

type walker struct {
	v      *TemplateValidator
	inputs map[string]bool
}

func (w *walker) node(node parse.Node, depth int, rootDot bool) error {
	if depth > w.v.MaxDepth {
		return ErrExcessiveDepth
	}
	switch n := node.(type) {
	case *parse.ActionNode:
		return w.pipe(n.Pipe, rootDot)
	case *parse.IfNode:
		return w.branch(&n.BranchNode, depth, rootDot, rootDot)
	case *parse.RangeNode:
		return w.branch(&n.BranchNode, depth, rootDot, false)
	case *parse.WithNode:
		return w.branch(&n.BranchNode, depth, rootDot, false)
	case *parse.TemplateNode:
		return fmt.Errorf("%w: template inclusion %q", ErrForbiddenAction, n.Name)
	case *parse.ListNode:
		return w.list(n, depth, rootDot)
	}
	return nil
}

func (w *walker) branch(b *parse.BranchNode, depth int, rootDot, bodyRootDot bool) error {
	if err := w.pipe(b.Pipe, rootDot); err != nil {
		return err
	}
	if err := w.list(b.List, depth+1, bodyRootDot); err != nil {
		return err
	}
	return w.list(b.ElseList, depth+1, rootDot)
}

func (w *walker) list(l *parse.ListNode, depth int, rootDot bool) error {
	if l == nil {
		return nil
	}
	for _, child := range l.Nodes {
		if err := w.node(child, depth, rootDot); err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) pipe(p *parse.PipeNode, rootDot bool) error {
	if p == nil {
		return nil
	}
	for _, cmd := range p.Cmds {
		if len(cmd.Args) == 0 {
			continue
		}
		if id, ok := cmd.Args[0].(*parse.IdentifierNode); ok && id.Ident == "input" {
			if len(cmd.Args) != 2 {
				return fmt.Errorf("%w: input takes exactly one literal reference", ErrForbiddenAction)
			}
			lit, ok := cmd.Args[1].(*parse.StringNode)
			if !ok {
				return fmt.Errorf("%w: input takes a string literal, got %s", ErrForbiddenAction, cmd.Args[1])
			}
			w.inputs[lit.Text] = true
		}
		for _, arg := range cmd.Args {
			if err := w.arg(arg, rootDot); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *walker) arg(arg parse.Node, rootDot bool) error {
	switch a := arg.(type) {
	case *parse.IdentifierNode:
		if !w.v.AllowedFunctions[a.Ident] {
			return fmt.Errorf("%w: function %q is not allowed", ErrForbiddenAction, a.Ident)
		}
	case *parse.FieldNode:
		if rootDot && len(a.Ident) > 0 && !w.v.AllowedFields[a.Ident[0]] {
			return fmt.Errorf("%w: unknown field .%s (have %s)", ErrForbiddenAction, a.Ident[0], strings.Join(CommandFields, ", "))
		}
	case *parse.PipeNode:
		return w.pipe(a, rootDot)
	case *parse.ChainNode:
		return w.arg(a.Node, rootDot)
	}
	return nil
}
