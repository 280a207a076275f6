// sqllint checks that every inline SQL statement starts with a unique
// "--sql <uuid>" marker, which the SQL runner requires and logs by.
package main

import (
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	sqlKeywordPattern = regexp.MustCompile(`(?i)^\s*(--sql\b|select|insert|update|delete|with)\b`)
	uuidMarkerPattern = regexp.MustCompile(`^--sql ([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})$`)
)

type statement struct {
	file   string
	line   int
	name   string
	marker string
}

type violation struct {
	statement
	message string
}

func main() {
	flag.Parse()
	targets := flag.Args()
	if len(targets) == 0 {
		targets = []string{"internal/sqlinline"}
	}

	var stmts []statement
	var bad []violation
	for _, target := range targets {
		s, v, err := collect(target)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sqllint: %v\n", err)
			os.Exit(1)
		}
		stmts = append(stmts, s...)
		bad = append(bad, v...)
	}
	bad = append(bad, duplicates(stmts)...)

	if len(bad) > 0 {
		fmt.Fprintln(os.Stderr, "sqllint: SQL marker violations")
		for _, v := range bad {
			fmt.Fprintf(os.Stderr, "  %s:%d %s (%s)\n", v.file, v.line, v.message, v.name)
		}
		os.Exit(1)
	}
	fmt.Printf("sqllint: %d statements ok\n", len(stmts))
}

// collect lints every non-test Go file under target.
func collect(target string) ([]statement, []violation, error) {
	var stmts []statement
	var bad []violation
	err := filepath.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != target && (strings.HasPrefix(d.Name(), ".") || strings.HasPrefix(d.Name(), "_") || d.Name() == "vendor") {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".go" || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		s, v, err := lintFile(path, nil)
		if err != nil {
			return err
		}
		stmts = append(stmts, s...)
		bad = append(bad, v...)
		return nil
	})
	return stmts, bad, err
}

// lintFile parses path, or src when non-nil, and returns the marked
// statements and the unmarked ones.
func lintFile(path string, src any) ([]statement, []violation, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, src, 0)
	if err != nil {
		return nil, nil, err
	}
	var stmts []statement
	var bad []violation
	ast.Inspect(file, func(n ast.Node) bool {
		vs, ok := n.(*ast.ValueSpec)
		if !ok {
			return true
		}
		for i, value := range vs.Values {
			bl, ok := value.(*ast.BasicLit)
			if !ok || bl.Kind != token.STRING {
				continue
			}
			raw, err := unquote(bl.Value)
			if err != nil || !sqlKeywordPattern.MatchString(raw) {
				continue
			}
			st := statement{file: path, line: fset.Position(bl.Pos()).Line}
			if i < len(vs.Names) {
				st.name = vs.Names[i].Name
			}
			m := uuidMarkerPattern.FindStringSubmatch(firstLine(raw))
			if m == nil {
				bad = append(bad, violation{statement: st, message: "missing or invalid --sql <uuid> marker"})
				continue
			}
			st.marker = m[1]
			stmts = append(stmts, st)
		}
		return true
	})
	return stmts, bad, nil
}

// duplicates reports every statement whose marker an earlier one already used.
func duplicates(stmts []statement) []violation {
	sorted := append([]statement(nil), stmts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].file != sorted[j].file {
			return sorted[i].file < sorted[j].file
		}
		return sorted[i].line < sorted[j].line
	})
	first := make(map[string]statement, len(sorted))
	var bad []violation
	for _, st := range sorted {
		if prev, ok := first[st.marker]; ok {
			bad = append(bad, violation{statement: st, message: fmt.Sprintf("marker %s already used by %s", st.marker, prev.name)})
			continue
		}
		first[st.marker] = st
	}
	return bad
}

func firstLine(s string) string {
	s = strings.TrimLeft(s, "\n\r \t")
	if idx := strings.IndexAny(s, "\n\r"); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return strings.TrimSpace(s)
}

func unquote(v string) (string, error) {
	if len(v) == 0 {
		return v, nil
	}
	if v[0] == '`' {
		return v[1 : len(v)-1], nil
	}
	return strconv.Unquote(v)
}
