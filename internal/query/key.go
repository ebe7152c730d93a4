package query

import (
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/feedrank/internal/popularity"
)

// NormalizeQuery case-folds, trims, and collapses inner whitespace.
func NormalizeQuery(text string) string {
	return popularity.NormalizeQuery(text)
}

// SubjectPrefix is the key prefix shared by every entry of one subject.
func SubjectPrefix(subjectID string) string {
	return "s=" + strconv.Quote(subjectID) + "|"
}

// weightsSegment matches the weights fingerprint inside a key.
func weightsSegment(fingerprint string) string {
	return "|w=" + fingerprint + "|"
}

// CacheKey builds the deterministic key for a query. Filters must already be
// canonical. weightsFingerprint is empty for unranked queries. Free text is
// quoted so no value can forge a delimiter.
func CacheKey(subjectID, queryText string, f Filters, weightsFingerprint string, p Page) string {
	var b strings.Builder
	b.WriteString(SubjectPrefix(subjectID))

	b.WriteString("q=")
	b.WriteString(strconv.Quote(NormalizeQuery(queryText)))

	b.WriteString("|tags=")
	for i, id := range f.TagIDs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(id))
	}

	b.WriteString("|from=")
	if f.DateFrom != nil {
		b.WriteString(f.DateFrom.UTC().Format(time.RFC3339Nano))
	}
	b.WriteString("|to=")
	if f.DateTo != nil {
		b.WriteString(f.DateTo.UTC().Format(time.RFC3339Nano))
	}

	b.WriteString("|domain=")
	b.WriteString(strconv.Quote(f.Domain))
	b.WriteString("|sort=")
	b.WriteString(string(f.Sort))
	b.WriteString("|win=")
	b.WriteString(string(f.Window))

	b.WriteString(weightsSegment(weightsFingerprint))

	b.WriteString("l=")
	b.WriteString(strconv.Itoa(p.Limit))
	b.WriteString("|o=")
	b.WriteString(strconv.Itoa(p.Offset))

	return b.String()
}
