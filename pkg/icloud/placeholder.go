package icloud

import (
	"fmt"
	"os"
	"strings"
)

// ReplacePlaceholderInFile replaces every occurrence of the placeholder
// container ID in the file at path with containerID and writes the file back
// in place. It returns the number of replacements made; a file that no
// longer contains the placeholder is rewritten unchanged.
func ReplacePlaceholderInFile(path, containerID string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}

	content := string(data)
	count := strings.Count(content, PlaceholderContainerID)
	content = strings.ReplaceAll(content, PlaceholderContainerID, containerID)

	// Not atomic: the file is truncated and rewritten in place
	if err := os.WriteFile(path, []byte(content), info.Mode().Perm()); err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", path, err)
	}

	return count, nil
}
