package consensus

import (
	"errors"
	"fmt"
	"slices"
)

/*
AuthoritySet is an immutable ordered set of validator identifiers.
Order matters, it defines the proposer rotation.
*/
type AuthoritySet struct {
	ids   []string
	index map[string]int
}

func NewAuthoritySet(ids ...string) (*AuthoritySet, error) {
	if len(ids) == 0 {
		return nil, errors.New("authority set is empty")
	}
	as := &AuthoritySet{
		ids:   slices.Clone(ids),
		index: make(map[string]int, len(ids)),
	}
	for i, id := range ids {
		if id == "" {
			return nil, fmt.Errorf("authority %d has empty identifier", i)
		}
		if _, ok := as.index[id]; ok {
			return nil, fmt.Errorf("duplicate authority %q", id)
		}
		as.index[id] = i
	}
	return as, nil
}

func (as *AuthoritySet) IsAuthorized(validatorID string) bool {
	_, ok := as.index[validatorID]
	return ok
}

// CurrentProposer returns the validator whose turn it is to propose block at "height".
func (as *AuthoritySet) CurrentProposer(height uint64) string {
	return as.ids[height%uint64(len(as.ids))]
}

func (as *AuthoritySet) Len() int { return len(as.ids) }

// IDs returns copy of the authority identifiers in rotation order.
func (as *AuthoritySet) IDs() []string { return slices.Clone(as.ids) }
