package postgres

import (
	"fmt"
	"strings"
)

// quoteTable validates a [schema.]table name and quotes every part as an identifier.
// Names are folded to lower case the way unquoted identifiers are.
func quoteTable(name string) (string, error) {
	if name == "" {
		return "", ErrTableNameRequired
	}

	parts := strings.Split(strings.ToLower(name), ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("%w: %s", ErrInvalidTableName, name)
	}
	for i, part := range parts {
		if part == "" || (part[0] >= '0' && part[0] <= '9') {
			return "", fmt.Errorf("%w: %s", ErrInvalidTableName, name)
		}
		for _, r := range part {
			if r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') {
				continue
			}

			return "", fmt.Errorf("%w: %s", ErrInvalidTableName, name)
		}
		parts[i] = `"` + part + `"`
	}

	return strings.Join(parts, "."), nil
}
