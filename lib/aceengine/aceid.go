// Helper utility to resolve the AceStream content identifier.

package aceengine

import (
	"errors"
	"fmt"
	"net/url"
)

// AceID carries the content identifier a client supplied. Exactly one of
// the two addressing forms is set.
type AceID struct {
	id       string
	infohash string
}

// Type referencing which ID is set
type AceIDType string

// NewAceID builds an AceID from the two possible query parameters.
func NewAceID(id, infohash string) (AceID, error) {
	if id == "" && infohash == "" {
		return AceID{}, errors.New("one of `id` or `infohash` must have a value")
	}
	if id != "" && infohash != "" {
		return AceID{}, errors.New("only one of `id` or `infohash` can have a value")
	}
	return AceID{id: id, infohash: infohash}, nil
}

// AceIDFromParams builds an AceID from URL parameters.
func AceIDFromParams(params url.Values) (AceID, error) {
	return NewAceID(params.Get("id"), params.Get("infohash"))
}

// ID returns the parameter name and value to send upstream. The infohash
// form wins when set.
func (a AceID) ID() (AceIDType, string) {
	if a.infohash != "" {
		return "infohash", a.infohash
	}
	return "id", a.id
}

// Key returns the bare content key used to multiplex sessions.
func (a AceID) Key() string {
	_, id := a.ID()
	return id
}

func (a AceID) String() string {
	idType, id := a.ID()
	return fmt.Sprintf("{%s: %s}", idType, id)
}
