package coordination

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// EnsurePath creates path and any missing ancestors as persistent nodes. A node
// created concurrently by another process counts as success.
func EnsurePath(ctx context.Context, client Client, path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if path == "/" {
		return nil
	}

	current := ""
	for _, elem := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		current += "/" + elem
		stat, err := client.Exists(ctx, current)
		if err != nil {
			return fmt.Errorf("checking %s: %w", current, err)
		}
		if stat != nil {
			continue
		}
		if _, err := client.Create(ctx, current, nil, Persistent); err != nil && !errors.Is(err, ErrNodeExists) {
			return fmt.Errorf("creating %s: %w", current, err)
		}
	}
	return nil
}
