// Package analysis computes diagnostics for a compilation unit.
//
// The coordinator only knows the Engine interface. GoEngine is the engine the
// server ships with: it parses every open Go document of a unit and
// type-checks them together, so a reference in one file to a symbol removed
// from another surfaces as a diagnostic on the referencing file.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/importer"
	"go/parser"
	"go/scanner"
	"go/token"
	gotypes "go/types"
	"strings"

	"github.com/snehjoshi/diagq/internal/types"
	"github.com/snehjoshi/diagq/internal/workspace"
)

// ErrUnknownUnit is returned when a unit has no open documents.
var ErrUnknownUnit = errors.New("analysis: unknown unit")

// Diagnostic codes attached by GoEngine.
const (
	CodeSyntax = "syntax"
	CodeType   = "type"
)

// Engine computes per-file diagnostics for one unit. Implementations may be
// slow and may fail; callers isolate failures per unit.
type Engine interface {
	ComputeDiagnostics(ctx context.Context, unit types.UnitID) ([]types.FileResult, error)
}

// EngineFunc adapts a plain function to the Engine interface.
type EngineFunc func(ctx context.Context, unit types.UnitID) ([]types.FileResult, error)

// ComputeDiagnostics calls f(ctx, unit).
func (f EngineFunc) ComputeDiagnostics(ctx context.Context, unit types.UnitID) ([]types.FileResult, error) {
	return f(ctx, unit)
}

// Source lists the documents of a unit. *workspace.Workspace satisfies it.
type Source interface {
	Files(unit types.UnitID) []workspace.Document
}

// Option configures a GoEngine.
type Option func(*GoEngine)

// WithImporter replaces the importer used to resolve imported packages.
func WithImporter(imp gotypes.Importer) Option {
	return func(e *GoEngine) { e.importer = imp }
}

// GoEngine type-checks the Go documents of a unit with go/parser and go/types.
type GoEngine struct {
	src      Source
	importer gotypes.Importer
}

// NewGoEngine creates a GoEngine reading documents from src.
func NewGoEngine(src Source, opts ...Option) *GoEngine {
	e := &GoEngine{src: src, importer: importer.Default()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ComputeDiagnostics parses and type-checks every document of unit. Every
// document gets a FileResult, including clean ones and non-Go files. Syntax
// and type errors are findings, not failures; an error is returned only when
// the unit is unknown or ctx is done.
func (e *GoEngine) ComputeDiagnostics(ctx context.Context, unit types.UnitID) ([]types.FileResult, error) {
	docs := e.src.Files(unit)
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUnit, unit)
	}

	fset := token.NewFileSet()
	results := make(map[types.FileID]*types.FileResult, len(docs))
	order := make([]types.FileID, 0, len(docs))
	add := func(pos token.Position, sev types.Severity, code, msg string) {
		fr, ok := results[types.FileID(pos.Filename)]
		if !ok {
			return
		}
		p := types.Position{Line: pos.Line, Column: pos.Column}
		fr.Diagnostics = append(fr.Diagnostics, types.Diagnostic{
			Span:     types.Span{Start: p, End: p},
			Severity: sev,
			Code:     code,
			Message:  msg,
		})
	}

	var files []*ast.File
	for _, d := range docs {
		results[d.File] = &types.FileResult{File: d.File, Unit: unit, Diagnostics: []types.Diagnostic{}}
		order = append(order, d.File)
		if !strings.HasSuffix(string(d.File), ".go") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		f, err := parser.ParseFile(fset, string(d.File), d.Text, parser.AllErrors|parser.SkipObjectResolution)
		if err != nil {
			var list scanner.ErrorList
			if !errors.As(err, &list) {
				return nil, fmt.Errorf("analysis: parse %s: %w", d.File, err)
			}
			for _, pe := range list {
				add(pe.Pos, types.SeverityError, CodeSyntax, pe.Msg)
			}
		}
		if f != nil {
			files = append(files, f)
		}
	}

	if len(files) > 0 {
		conf := gotypes.Config{
			Importer: e.importer,
			Error: func(err error) {
				var te gotypes.Error
				if !errors.As(err, &te) {
					return
				}
				sev := types.SeverityError
				if te.Soft {
					sev = types.SeverityWarning
				}
				add(te.Fset.Position(te.Pos), sev, CodeType, te.Msg)
			},
		}
		// The first error is also reported through conf.Error.
		_, _ = conf.Check(string(unit), fset, files, nil)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]types.FileResult, 0, len(order))
	for _, f := range order {
		out = append(out, *results[f])
	}
	return out, nil
}
