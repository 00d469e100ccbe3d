package sqlstore

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// dialect captures what differs between the database/sql drivers the
// store supports.
type dialect struct {
	name       string
	driverName string
	quote      func(string) string
	// placeholder renders the n-th bind parameter, 1-based.
	placeholder func(n int) string
	// lockHint goes right after the table name in a locking read,
	// forUpdate at the end of the statement.
	lockHint  string
	forUpdate string
}

var (
	postgresDialect = dialect{
		name:        "postgres",
		driverName:  "postgres",
		quote:       func(s string) string { return `"` + s + `"` },
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
		forUpdate:   " FOR UPDATE",
	}
	mysqlDialect = dialect{
		name:        "mysql",
		driverName:  "mysql",
		quote:       func(s string) string { return "`" + s + "`" },
		placeholder: func(int) string { return "?" },
		forUpdate:   " FOR UPDATE",
	}
	mssqlDialect = dialect{
		name:        "mssql",
		driverName:  "sqlserver",
		quote:       func(s string) string { return "[" + s + "]" },
		placeholder: func(n int) string { return "@p" + strconv.Itoa(n) },
		lockHint:    " WITH (UPDLOCK, ROWLOCK)",
	}
)

// rebind rewrites the ? markers of query into the dialect's placeholders.
func (d dialect) rebind(query string) string {
	if d.name == mysqlDialect.name {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// inList renders "?, ?, ?" for n values.
func inList(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

func splitIdentifier(ident string) ([]string, error) {
	trimmed := strings.TrimSpace(ident)
	if trimmed == "" {
		return nil, errors.New("identifier is empty")
	}
	parts := strings.Split(trimmed, ".")
	for _, part := range parts {
		if part == "" {
			return nil, errors.New("identifier contains empty segment")
		}
		if !identPattern.MatchString(part) {
			return nil, fmt.Errorf("identifier segment %q is invalid", part)
		}
	}
	return parts, nil
}

func quoteQualified(ident string, maxSegments int, quote func(string) string) (string, error) {
	parts, err := splitIdentifier(ident)
	if err != nil {
		return "", err
	}
	if maxSegments > 0 && len(parts) > maxSegments {
		return "", fmt.Errorf("identifier %q has too many segments", ident)
	}
	quoted := make([]string, len(parts))
	for i, part := range parts {
		quoted[i] = quote(part)
	}
	return strings.Join(quoted, "."), nil
}

type tableNames struct {
	anomalies   string
	windows     string
	assignments string
	plans       string
}

func (d dialect) tables(schema string) (tableNames, error) {
	name := func(table string) (string, error) {
		if schema != "" {
			table = schema + "." + table
		}
		return quoteQualified(table, 2, d.quote)
	}
	var (
		t   tableNames
		err error
	)
	if t.anomalies, err = name("anomalies"); err != nil {
		return tableNames{}, fmt.Errorf("invalid schema %q: %w", schema, err)
	}
	t.windows, _ = name("maintenance_windows")
	t.assignments, _ = name("window_assignments")
	t.plans, _ = name("action_plans")
	return t, nil
}
