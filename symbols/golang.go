package symbols

import (
	"context"
	"fmt"
	goast "go/ast"
	"go/parser"
	"go/token"
	"go/types"
	"os"
	"path/filepath"
	"strings"
)

func init() {
	DefaultRegistry.Register("go", []string{".go"}, func(repoRoot string) Extractor {
		return NewGoExtractor(repoRoot)
	})
}

// GoExtractor extracts symbols from Go source using the standard parser.
type GoExtractor struct {
	repoRoot string
}

// NewGoExtractor creates a Go symbol extractor.
func NewGoExtractor(repoRoot string) *GoExtractor {
	return &GoExtractor{repoRoot: repoRoot}
}

// ExtractFile parses one Go file and streams its symbols.
func (e *GoExtractor) ExtractFile(ctx context.Context, filePath string, emit EmitFunc) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	content, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	relPath, err := filepath.Rel(e.repoRoot, filePath)
	if err != nil {
		relPath = filePath
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filePath, content, parser.ParseComments)
	if err != nil {
		return fmt.Errorf("parse file: %w", err)
	}

	pkg := file.Name.Name
	lines := strings.Split(string(content), "\n")

	if err := emit(Symbol{
		Type:      TypePackage,
		Name:      pkg,
		FullName:  pkg,
		LineStart: 1,
		LineEnd:   fset.Position(file.End()).Line,
		NodeID:    relPath + ":package:" + pkg,
		Language:  "go",
	}); err != nil {
		return err
	}

	for _, decl := range file.Decls {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		switch d := decl.(type) {
		case *goast.FuncDecl:
			if err := e.emitFunc(fset, lines, relPath, pkg, d, emit); err != nil {
				return err
			}
		case *goast.GenDecl:
			if err := e.emitGenDecl(fset, lines, relPath, pkg, d, emit); err != nil {
				return err
			}
		}
	}
	return nil
}

// emitFunc emits a function or method symbol with its source snippet and
// parameter symbols.
func (e *GoExtractor) emitFunc(fset *token.FileSet, lines []string, relPath, pkg string, d *goast.FuncDecl, emit EmitFunc) error {
	start := fset.Position(d.Pos()).Line
	end := fset.Position(d.End()).Line

	symType := TypeFunction
	parent := ""
	if d.Recv != nil && len(d.Recv.List) > 0 {
		symType = TypeMethod
		parent = receiverTypeName(d.Recv.List[0].Type)
	}

	fullName := pkg + "." + d.Name.Name
	if parent != "" {
		fullName = pkg + "." + parent + "." + d.Name.Name
	}

	sym := Symbol{
		Type:        symType,
		Name:        d.Name.Name,
		FullName:    fullName,
		Signature:   funcSignature(d),
		LineStart:   start,
		LineEnd:     end,
		NodeID:      relPath + ":" + fullName,
		Language:    "go",
		Code:        sliceLines(lines, start, end),
		ParentClass: parent,
	}
	if err := emit(sym); err != nil {
		return err
	}

	if d.Type.Params != nil {
		for _, field := range d.Type.Params.List {
			for _, name := range field.Names {
				pos := fset.Position(name.Pos()).Line
				if err := emit(Symbol{
					Type:        TypeParameter,
					Name:        name.Name,
					FullName:    fullName + "." + name.Name,
					LineStart:   pos,
					LineEnd:     pos,
					NodeID:      relPath + ":" + fullName + ":param:" + name.Name,
					Language:    "go",
					Code:        name.Name + " " + types.ExprString(field.Type),
					ParentClass: parent,
				}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// emitGenDecl emits type, var and const declarations. Struct types map to
// CLASS with their fields; top-level vars map to VARIABLE.
func (e *GoExtractor) emitGenDecl(fset *token.FileSet, lines []string, relPath, pkg string, d *goast.GenDecl, emit EmitFunc) error {
	for _, spec := range d.Specs {
		switch s := spec.(type) {
		case *goast.TypeSpec:
			start := fset.Position(s.Pos()).Line
			end := fset.Position(s.End()).Line
			fullName := pkg + "." + s.Name.Name

			if err := emit(Symbol{
				Type:      TypeClass,
				Name:      s.Name.Name,
				FullName:  fullName,
				LineStart: start,
				LineEnd:   end,
				NodeID:    relPath + ":" + fullName,
				Language:  "go",
				Code:      sliceLines(lines, start, end),
			}); err != nil {
				return err
			}

			if structType, ok := s.Type.(*goast.StructType); ok && structType.Fields != nil {
				for _, field := range structType.Fields.List {
					for _, name := range field.Names {
						pos := fset.Position(name.Pos()).Line
						if err := emit(Symbol{
							Type:        TypeField,
							Name:        name.Name,
							FullName:    fullName + "." + name.Name,
							LineStart:   pos,
							LineEnd:     pos,
							NodeID:      relPath + ":" + fullName + ":field:" + name.Name,
							Language:    "go",
							Code:        sliceLines(lines, pos, pos),
							ParentClass: s.Name.Name,
						}); err != nil {
							return err
						}
					}
				}
			}
		case *goast.ValueSpec:
			for _, name := range s.Names {
				pos := fset.Position(name.Pos()).Line
				if err := emit(Symbol{
					Type:      TypeVariable,
					Name:      name.Name,
					FullName:  pkg + "." + name.Name,
					LineStart: pos,
					LineEnd:   pos,
					NodeID:    relPath + ":" + pkg + "." + name.Name,
					Language:  "go",
					Code:      sliceLines(lines, pos, pos),
				}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// receiverTypeName resolves the receiver's type name, unwrapping pointers.
func receiverTypeName(expr goast.Expr) string {
	switch t := expr.(type) {
	case *goast.Ident:
		return t.Name
	case *goast.StarExpr:
		return receiverTypeName(t.X)
	case *goast.IndexExpr:
		return receiverTypeName(t.X)
	case *goast.IndexListExpr:
		return receiverTypeName(t.X)
	}
	return ""
}

// funcSignature renders a compact signature for a function declaration.
func funcSignature(d *goast.FuncDecl) string {
	var b strings.Builder
	b.WriteString("func ")
	b.WriteString(d.Name.Name)
	b.WriteString("(")
	if d.Type.Params != nil {
		for i, field := range d.Type.Params.List {
			if i > 0 {
				b.WriteString(", ")
			}
			names := make([]string, 0, len(field.Names))
			for _, n := range field.Names {
				names = append(names, n.Name)
			}
			b.WriteString(strings.Join(names, ", "))
		}
	}
	b.WriteString(")")
	return b.String()
}

// sliceLines returns the source snippet between 1-based start and end lines.
func sliceLines(lines []string, start, end int) string {
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return ""
	}
	return strings.Join(lines[start-1:end], "\n")
}
