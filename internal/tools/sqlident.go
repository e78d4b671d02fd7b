package tools

import (
	"fmt"
	"regexp"
	"strings"
)

// Generated SQL interpolates table and column names that ultimately derive
// from user input. Every identifier has to pass this allow-list before it is
// spliced into a statement; values travel as bound parameters or through
// QuoteLiteral.
var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidateIdentifier rejects names that cannot safely appear as a bare SQL
// identifier.
func ValidateIdentifier(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("unsafe SQL identifier %q", name)
	}
	return nil
}

// ValidateQualified accepts schema.table names where both parts pass the
// identifier allow-list.
func ValidateQualified(name string) error {
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return fmt.Errorf("unsafe SQL identifier %q", name)
	}
	for _, part := range parts {
		if err := ValidateIdentifier(part); err != nil {
			return err
		}
	}
	return nil
}

// QuoteLiteral renders a string as a single-quoted SQL literal for the rare
// statements where parameter binding is unavailable.
func QuoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

// ValidateFilter gates in-project filter clauses before they are spliced
// into a WHERE. The clauses come out of the layer catalog's expression
// builder, which never emits statement separators, comments or unbalanced
// quoting, so anything carrying those is rejected.
func ValidateFilter(clause string) error {
	if strings.Contains(clause, ";") ||
		strings.Contains(clause, "--") ||
		strings.Contains(clause, "/*") ||
		strings.Contains(clause, "*/") {
		return fmt.Errorf("unsafe filter clause %q", clause)
	}
	if strings.Count(clause, "'")%2 != 0 {
		return fmt.Errorf("unsafe filter clause %q", clause)
	}
	return nil
}
