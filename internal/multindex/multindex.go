// Package multindex maintains the bijective mapping between the three
// identities a battle participant has: lobby user id, display name, and
// engine player number.
package multindex

import (
	"fmt"

	"github.com/ernie/spring-autohost/internal/domain"
)

// Index is a three-way index over player identity triples. All lookups hit
// the same underlying records: inserting a triple makes it reachable by any
// of its fields, deleting by one field removes it from all three.
//
// Index is not safe for concurrent use; callers serialize access.
type Index struct {
	byUser   map[string]domain.PlayerIdentity
	byName   map[string]domain.PlayerIdentity
	byNumber map[int]domain.PlayerIdentity
}

// New creates an empty index.
func New() *Index {
	return &Index{
		byUser:   make(map[string]domain.PlayerIdentity),
		byName:   make(map[string]domain.PlayerIdentity),
		byNumber: make(map[int]domain.PlayerIdentity),
	}
}

// Set inserts a triple. Inserting a triple that is already present whole is a
// no-op. Inserting a triple where any field collides with a different
// existing record fails, leaving the index unchanged.
func (ix *Index) Set(id domain.PlayerIdentity) error {
	if existing, ok := ix.byUser[id.UserID]; ok {
		if existing == id {
			return nil
		}
		return fmt.Errorf("userId %q already indexed with different fields", id.UserID)
	}
	if _, ok := ix.byName[id.Name]; ok {
		return fmt.Errorf("name %q already indexed under a different userId", id.Name)
	}
	if _, ok := ix.byNumber[id.PlayerNumber]; ok {
		return fmt.Errorf("player number %d already indexed under a different userId", id.PlayerNumber)
	}
	ix.byUser[id.UserID] = id
	ix.byName[id.Name] = id
	ix.byNumber[id.PlayerNumber] = id
	return nil
}

// ByUserID looks up the triple for a user id.
func (ix *Index) ByUserID(userID string) (domain.PlayerIdentity, bool) {
	id, ok := ix.byUser[userID]
	return id, ok
}

// ByName looks up the triple for a display name.
func (ix *Index) ByName(name string) (domain.PlayerIdentity, bool) {
	id, ok := ix.byName[name]
	return id, ok
}

// ByNumber looks up the triple for an engine player number.
func (ix *Index) ByNumber(playerNumber int) (domain.PlayerIdentity, bool) {
	id, ok := ix.byNumber[playerNumber]
	return id, ok
}

// HasUserID reports whether a user id is indexed.
func (ix *Index) HasUserID(userID string) bool {
	_, ok := ix.byUser[userID]
	return ok
}

// HasName reports whether a display name is indexed.
func (ix *Index) HasName(name string) bool {
	_, ok := ix.byName[name]
	return ok
}

// DeleteByUserID removes the triple for a user id from all three indexes.
// Returns false if the user id was not indexed.
func (ix *Index) DeleteByUserID(userID string) bool {
	id, ok := ix.byUser[userID]
	if !ok {
		return false
	}
	delete(ix.byUser, id.UserID)
	delete(ix.byName, id.Name)
	delete(ix.byNumber, id.PlayerNumber)
	return true
}

// Len returns the number of indexed triples.
func (ix *Index) Len() int {
	return len(ix.byUser)
}
