package symbols

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/java"
)

func init() {
	DefaultRegistry.Register("java", []string{".java"}, func(repoRoot string) Extractor {
		return NewJavaExtractor(repoRoot)
	})
}

// JavaExtractor extracts symbols from Java source using tree-sitter. The
// parser is created once per extractor and reused across files.
type JavaExtractor struct {
	repoRoot string
	parser   *sitter.Parser
}

// NewJavaExtractor creates a Java symbol extractor.
func NewJavaExtractor(repoRoot string) *JavaExtractor {
	parser := sitter.NewParser()
	parser.SetLanguage(java.GetLanguage())
	return &JavaExtractor{repoRoot: repoRoot, parser: parser}
}

// ExtractFile parses one Java file and streams its symbols.
func (e *JavaExtractor) ExtractFile(ctx context.Context, filePath string, emit EmitFunc) error {
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

	tree, err := e.parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return fmt.Errorf("parse file: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	pkg := e.packageName(root, content)

	if pkg != "" {
		if err := emit(Symbol{
			Type:      TypeNamespace,
			Name:      pkg,
			FullName:  pkg,
			LineStart: 1,
			LineEnd:   int(root.EndPoint().Row) + 1,
			NodeID:    relPath + ":package:" + pkg,
			Language:  "java",
		}); err != nil {
			return err
		}
	}

	for i := 0; i < int(root.NamedChildCount()); i++ {
		if err := e.walkTopLevel(ctx, root.NamedChild(i), content, relPath, pkg, emit); err != nil {
			return err
		}
	}
	return nil
}

// walkTopLevel emits class declarations and their members.
func (e *JavaExtractor) walkTopLevel(ctx context.Context, node *sitter.Node, content []byte, relPath, pkg string, emit EmitFunc) error {
	switch node.Type() {
	case "class_declaration", "interface_declaration", "enum_declaration", "record_declaration":
		return e.emitClass(ctx, node, content, relPath, pkg, emit)
	}
	return nil
}

func (e *JavaExtractor) emitClass(ctx context.Context, node *sitter.Node, content []byte, relPath, pkg string, emit EmitFunc) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return nil
	}
	className := nodeText(nameNode, content)
	fullName := className
	if pkg != "" {
		fullName = pkg + "." + className
	}

	if err := emit(Symbol{
		Type:      TypeClass,
		Name:      className,
		FullName:  fullName,
		LineStart: int(node.StartPoint().Row) + 1,
		LineEnd:   int(node.EndPoint().Row) + 1,
		NodeID:    relPath + ":" + fullName,
		Language:  "java",
		Code:      nodeText(node, content),
	}); err != nil {
		return err
	}

	body := node.ChildByFieldName("body")
	if body == nil {
		return nil
	}

	for i := 0; i < int(body.NamedChildCount()); i++ {
		member := body.NamedChild(i)
		switch member.Type() {
		case "method_declaration", "constructor_declaration":
			if err := e.emitMethod(member, content, relPath, fullName, className, emit); err != nil {
				return err
			}
		case "field_declaration":
			if err := e.emitFields(member, content, relPath, fullName, className, emit); err != nil {
				return err
			}
		case "class_declaration", "interface_declaration", "enum_declaration", "record_declaration":
			// Nested types keep the enclosing package prefix.
			if err := e.emitClass(ctx, member, content, relPath, pkg, emit); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *JavaExtractor) emitMethod(node *sitter.Node, content []byte, relPath, classFullName, className string, emit EmitFunc) error {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return nil
	}
	methodName := nodeText(nameNode, content)
	fullName := classFullName + "." + methodName

	signature := methodName
	if params := node.ChildByFieldName("parameters"); params != nil {
		signature = methodName + nodeText(params, content)
	}

	if err := emit(Symbol{
		Type:        TypeMethod,
		Name:        methodName,
		FullName:    fullName,
		Signature:   signature,
		LineStart:   int(node.StartPoint().Row) + 1,
		LineEnd:     int(node.EndPoint().Row) + 1,
		NodeID:      relPath + ":" + fullName,
		Language:    "java",
		Code:        nodeText(node, content),
		ParentClass: className,
	}); err != nil {
		return err
	}

	if params := node.ChildByFieldName("parameters"); params != nil {
		for i := 0; i < int(params.NamedChildCount()); i++ {
			param := params.NamedChild(i)
			if param.Type() != "formal_parameter" {
				continue
			}
			pName := param.ChildByFieldName("name")
			if pName == nil {
				continue
			}
			name := nodeText(pName, content)
			if err := emit(Symbol{
				Type:        TypeParameter,
				Name:        name,
				FullName:    fullName + "." + name,
				LineStart:   int(param.StartPoint().Row) + 1,
				LineEnd:     int(param.EndPoint().Row) + 1,
				NodeID:      relPath + ":" + fullName + ":param:" + name,
				Language:    "java",
				Code:        nodeText(param, content),
				ParentClass: className,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *JavaExtractor) emitFields(node *sitter.Node, content []byte, relPath, classFullName, className string, emit EmitFunc) error {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		if child.Type() != "variable_declarator" {
			continue
		}
		nameNode := child.ChildByFieldName("name")
		if nameNode == nil {
			continue
		}
		name := nodeText(nameNode, content)
		if err := emit(Symbol{
			Type:        TypeField,
			Name:        name,
			FullName:    classFullName + "." + name,
			LineStart:   int(node.StartPoint().Row) + 1,
			LineEnd:     int(node.EndPoint().Row) + 1,
			NodeID:      relPath + ":" + classFullName + ":field:" + name,
			Language:    "java",
			Code:        nodeText(node, content),
			ParentClass: className,
		}); err != nil {
			return err
		}
	}
	return nil
}

// packageName extracts the package declaration, if any.
func (e *JavaExtractor) packageName(root *sitter.Node, content []byte) string {
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		if child.Type() != "package_declaration" {
			continue
		}
		for j := 0; j < int(child.NamedChildCount()); j++ {
			pkgNode := child.NamedChild(j)
			if pkgNode.Type() == "scoped_identifier" || pkgNode.Type() == "identifier" {
				return nodeText(pkgNode, content)
			}
		}
	}
	return ""
}

func nodeText(node *sitter.Node, content []byte) string {
	return string(content[node.StartByte():node.EndByte()])
}
