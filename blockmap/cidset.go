package blockmap

import (
	"github.com/ipfs/go-cid"
)

// CidSet is an unordered set of CIDs.
type CidSet struct {
	set map[cid.Cid]struct{}
}

func NewCidSet(cids ...cid.Cid) *CidSet {
	s := &CidSet{set: make(map[cid.Cid]struct{}, len(cids))}
	for _, c := range cids {
		s.set[c] = struct{}{}
	}
	return s
}

func (s *CidSet) Add(c cid.Cid) {
	s.set[c] = struct{}{}
}

func (s *CidSet) AddSet(other *CidSet) {
	if other == nil {
		return
	}
	for c := range other.set {
		s.set[c] = struct{}{}
	}
}

func (s *CidSet) Delete(c cid.Cid) {
	delete(s.set, c)
}

// Subtract removes every member of other.
func (s *CidSet) Subtract(other *CidSet) {
	if other == nil {
		return
	}
	for c := range other.set {
		delete(s.set, c)
	}
}

func (s *CidSet) Has(c cid.Cid) bool {
	_, ok := s.set[c]
	return ok
}

func (s *CidSet) Len() int {
	return len(s.set)
}

func (s *CidSet) Clear() {
	s.set = make(map[cid.Cid]struct{})
}

// List returns the members in ascending byte order.
func (s *CidSet) List() []cid.Cid {
	out := make([]cid.Cid, 0, len(s.set))
	for c := range s.set {
		out = append(out, c)
	}
	sortCids(out)
	return out
}
