package language

import (
	"bytes"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/parser"
)

func ParseQuery(source string) (*QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Print renders doc with the gqlparser formatter.
func Print(doc *QueryDocument) string {
	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatQueryDocument(doc)
	return buf.String()
}

// PrintCompact renders doc with every run of whitespace collapsed to a single
// space. The result is stable for structurally equal documents.
func PrintCompact(doc *QueryDocument) string {
	return strings.Join(strings.Fields(Print(doc)), " ")
}

// OperationName returns the name of the first operation in doc, or "".
func OperationName(doc *QueryDocument) string {
	if op := firstOperation(doc); op != nil {
		return op.Name
	}
	return ""
}

// OperationType returns the type of the first operation in doc and whether one exists.
func OperationType(doc *QueryDocument) (Operation, bool) {
	if op := firstOperation(doc); op != nil {
		return op.Operation, true
	}
	return "", false
}

func firstOperation(doc *QueryDocument) *OperationDefinition {
	if doc == nil || len(doc.Operations) == 0 {
		return nil
	}
	return doc.Operations[0]
}
