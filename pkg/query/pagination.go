// Package query holds the shared read-side primitives: cursor pagination
// and the wait helper that gives callers read-your-writes against an
// eventually consistent projection.
package query

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/plaenen/iamcore/pkg/domain"
)

// PageRequest bounds and positions a search. A zero Limit falls back to
// DefaultPageSize; Limit is capped at MaxPageSize.
type PageRequest struct {
	Limit  uint64
	Cursor string
	Desc   bool
}

const (
	DefaultPageSize uint64 = 50
	MaxPageSize     uint64 = 1000
)

// Size returns the effective page size.
func (r PageRequest) Size() uint64 {
	switch {
	case r.Limit == 0:
		return DefaultPageSize
	case r.Limit > MaxPageSize:
		return MaxPageSize
	default:
		return r.Limit
	}
}

// PageInfo accompanies a result page. NextCursor is empty on the last
// page. TotalCount counts all matches regardless of pagination.
type PageInfo struct {
	NextCursor string
	TotalCount uint64
}

// cursor is the wire form of a pagination cursor: the sort key of the
// last row plus its id as tiebreak. Opaque to callers.
type cursor struct {
	Key string `json:"k"`
	ID  string `json:"id"`
}

// EncodeCursor builds a cursor from the sort key and id of the last row
// of a page.
func EncodeCursor(key, id string) string {
	data, _ := json.Marshal(cursor{Key: key, ID: id})
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor parses a cursor produced by EncodeCursor. Malformed input
// is a validation error, never an internal one.
func DecodeCursor(s string) (key, id string, err error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", "", fmt.Errorf("%w: malformed cursor", domain.ErrValidation)
	}
	var c cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return "", "", fmt.Errorf("%w: malformed cursor", domain.ErrValidation)
	}
	return c.Key, c.ID, nil
}
