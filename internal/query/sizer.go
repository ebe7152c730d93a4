package query

import (
	"github.com/fxamacker/cbor/v2"
)

// PageSize estimates the in-memory footprint of a cached page by its CBOR
// encoding length. Unencodable pages count as zero.
func PageSize(p CachedPage) int {
	b, err := cbor.Marshal(p)
	if err != nil {
		return 0
	}
	return len(b)
}

// TagsSize estimates the footprint of a cached tag listing.
func TagsSize(tags []Tag) int {
	b, err := cbor.Marshal(tags)
	if err != nil {
		return 0
	}
	return len(b)
}
