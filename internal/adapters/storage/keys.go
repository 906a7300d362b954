package storage

import (
	"fmt"
	"path"
	"strings"
)

// cleanKey validates a slash separated key and returns its canonical form.
// An empty key is allowed only when allowEmpty is set.
func cleanKey(key string, allowEmpty bool) (string, error) {
	if key == "" {
		if allowEmpty {
			return "", nil
		}
		return "", fmt.Errorf("empty key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return cleaned, nil
}

func checkAccount(account string) error {
	if account == "" || account == "." || account == ".." || strings.ContainsAny(account, "/\\") {
		return fmt.Errorf("invalid account %q", account)
	}
	return nil
}
