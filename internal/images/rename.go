package images

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PromoteDir renames an auction's media folder from the external identifier
// to the internal catalog identifier when a record is imported into the
// public catalog. Missing source folders are fine (not every auction has
// images); an existing target folder means the promotion already ran.
func PromoteDir(mediaDir, externalID, catalogID string) error {
	src := filepath.Join(mediaDir, externalID)
	dst := filepath.Join(mediaDir, catalogID)

	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("rename media folder %s → %s: %w", src, dst, err)
	}
	return nil
}

// SubstituteID rewrites every stored image path, replacing the external
// identifier path segment with the catalog identifier. Applied to the
// stored image-reference list alongside PromoteDir.
func SubstituteID(paths []string, externalID, catalogID string) []string {
	out := make([]string, 0, len(paths))
	oldSeg := string(filepath.Separator) + externalID + string(filepath.Separator)
	newSeg := string(filepath.Separator) + catalogID + string(filepath.Separator)
	for _, p := range paths {
		out = append(out, strings.ReplaceAll(p, oldSeg, newSeg))
	}
	return out
}
