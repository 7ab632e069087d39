package store

import (
	"fmt"

	"carhive/ingest-service/internal/status"
)

// promoteAction is the decision taken for one promotion request.
type promoteAction int

const (
	// promoteCreate copies the record into the catalog and marks it IMPORTED.
	promoteCreate promoteAction = iota
	// promoteLinkExisting returns the catalog entry a previous import created.
	promoteLinkExisting
)

// resolvePromotion decides what a catalog import of a record in the given
// selection status should do. Importing the same identifier twice never
// creates a second catalog entry: the repeat links to the existing one. Only
// FETCHED records can be imported for the first time.
func resolvePromotion(st status.Status, existingCatalogID *string) (promoteAction, error) {
	if st == status.StatusImported {
		if existingCatalogID == nil {
			return 0, fmt.Errorf("record is IMPORTED but carries no catalog link")
		}
		return promoteLinkExisting, nil
	}
	if st != status.StatusFetched {
		return 0, fmt.Errorf("record is %s, only FETCHED records can be imported", st)
	}
	return promoteCreate, nil
}
