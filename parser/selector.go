package parser

import (
	"errors"
	"fmt"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/antchfx/xpath"
)

// Dialect names the query language a selector is written in.
type Dialect string

const (
	XPath Dialect = "xpath"
	CSS   Dialect = "css"
)

// ErrEmptySelector is returned when compiling a blank expression.
var ErrEmptySelector = errors.New("parser: empty selector")

// ParseDialect maps a configuration value to a Dialect. Blank means XPath.
func ParseDialect(value string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(XPath):
		return XPath, nil
	case string(CSS):
		return CSS, nil
	default:
		return "", fmt.Errorf("parser: unknown selector dialect %q", value)
	}
}

// Selector is a compiled, reusable query.
type Selector struct {
	dialect Dialect
	expr    string
	xp      *xpath.Expr
	css     cascadia.Selector
}

// Compile validates expr in the given dialect.
func Compile(dialect Dialect, expr string) (*Selector, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, ErrEmptySelector
	}

	s := &Selector{dialect: dialect, expr: expr}
	switch dialect {
	case XPath:
		compiled, err := xpath.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile xpath %q: %w", expr, err)
		}
		s.xp = compiled
	case CSS:
		compiled, err := cascadia.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile css %q: %w", expr, err)
		}
		s.css = compiled
	default:
		return nil, fmt.Errorf("parser: unknown selector dialect %q", dialect)
	}
	return s, nil
}

// MustCompile is like Compile but panics on error. Intended for static tables.
func MustCompile(dialect Dialect, expr string) *Selector {
	s, err := Compile(dialect, expr)
	if err != nil {
		panic(err)
	}
	return s
}

// Dialect reports the selector's query language.
func (s *Selector) Dialect() Dialect { return s.dialect }

func (s *Selector) String() string { return s.expr }
