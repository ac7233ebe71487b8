package conflict

import (
	"bytes"
	"go/ast"
	"go/parser"
	"go/printer"
	"go/token"
	"sort"
	"strings"
)

// ASTDiff summarizes how one version of a file changed relative to
// another, keyed by top-level declaration.
type ASTDiff struct {
	Added    []string
	Removed  []string
	Modified []string
}

// NoModifications reports whether no existing declaration was edited in
// place: imports added or dropped and whole new top-level declarations
// are fine, rewrites are not.
func (d *ASTDiff) NoModifications() bool {
	return len(d.Modified) == 0
}

// ModifiesAnyOf reports whether this diff modified any of the given keys.
func (d *ASTDiff) ModifiesAnyOf(keys []string) bool {
	for _, k := range keys {
		for _, m := range d.Modified {
			if k == m {
				return true
			}
		}
	}
	return false
}

// Differ ports language-aware structural diffing. ok is false when the
// file's language is unsupported or either side fails to parse.
type Differ interface {
	Diff(path, oldSrc, newSrc string) (diff *ASTDiff, ok bool)
}

// GoDiffer diffs Go sources by top-level declaration: functions and
// methods, types, vars, consts, and individual imports.
type GoDiffer struct{}

func (GoDiffer) Diff(path, oldSrc, newSrc string) (*ASTDiff, bool) {
	if !strings.HasSuffix(path, ".go") {
		return nil, false
	}
	oldDecls, ok := goDecls(oldSrc)
	if !ok {
		return nil, false
	}
	newDecls, ok := goDecls(newSrc)
	if !ok {
		return nil, false
	}

	diff := &ASTDiff{}
	for key, body := range newDecls {
		prior, existed := oldDecls[key]
		switch {
		case !existed:
			diff.Added = append(diff.Added, key)
		case prior != body:
			diff.Modified = append(diff.Modified, key)
		}
	}
	for key := range oldDecls {
		if _, exists := newDecls[key]; !exists {
			diff.Removed = append(diff.Removed, key)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Modified)
	return diff, true
}

// goDecls maps each top-level declaration to its normalized source text.
func goDecls(src string) (map[string]string, bool) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "src.go", src, 0)
	if err != nil {
		return nil, false
	}

	decls := make(map[string]string)
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			key := "func " + d.Name.Name
			if d.Recv != nil && len(d.Recv.List) > 0 {
				key = "func (" + renderNode(fset, d.Recv.List[0].Type) + ") " + d.Name.Name
			}
			decls[key] = renderNode(fset, d)
		case *ast.GenDecl:
			switch d.Tok {
			case token.IMPORT:
				for _, spec := range d.Specs {
					imp := spec.(*ast.ImportSpec)
					decls["import "+imp.Path.Value] = imp.Path.Value
				}
			case token.TYPE:
				for _, spec := range d.Specs {
					ts := spec.(*ast.TypeSpec)
					decls["type "+ts.Name.Name] = renderNode(fset, ts)
				}
			case token.VAR, token.CONST:
				for _, spec := range d.Specs {
					vs := spec.(*ast.ValueSpec)
					for _, name := range vs.Names {
						decls[d.Tok.String()+" "+name.Name] = renderNode(fset, vs)
					}
				}
			}
		}
	}
	return decls, true
}

// renderNode prints a node and collapses whitespace so formatting-only
// differences never count as modifications.
func renderNode(fset *token.FileSet, node ast.Node) string {
	var buf bytes.Buffer
	if err := printer.Fprint(&buf, fset, node); err != nil {
		return ""
	}
	return strings.Join(strings.Fields(buf.String()), " ")
}
