package storage

import "fmt"

// IndexType identifies the kind of index stored at an address, so a
// Database can reject a reopen under a conflicting type (spec §3:
// "A view rejects mutation of an index whose declared type differs from
// a previous declaration under the same address.").
type IndexType uint8

const (
	IndexUnknown IndexType = iota
	IndexMap
	IndexList
	IndexKeySet
	IndexValueSet
	IndexSparseList
	IndexProofList
	IndexProofMap
)

func (t IndexType) String() string {
	switch t {
	case IndexMap:
		return "map"
	case IndexList:
		return "list"
	case IndexKeySet:
		return "key_set"
	case IndexValueSet:
		return "value_set"
	case IndexSparseList:
		return "sparse_list"
	case IndexProofList:
		return "proof_list"
	case IndexProofMap:
		return "proof_map"
	default:
		return "unknown"
	}
}

// Address identifies an index: its namespace, its name, and an optional
// family id distinguishing multiple instances of the same named index
// (e.g. one proof map per service). Per spec §3, the tuple
// (namespace, name, family-id) is the full address.
type Address struct {
	Namespace string
	Name      string
	FamilyID  []byte
}

// NewAddress builds an Address with no family id.
func NewAddress(namespace, name string) Address {
	return Address{Namespace: namespace, Name: name}
}

// InFamily returns a copy of a with the given family id attached.
func (a Address) InFamily(familyID []byte) Address {
	out := a
	out.FamilyID = append([]byte(nil), familyID...)
	return out
}

// fullName is the flattened string key used to prefix every entry of
// this index inside the flat key space an engine actually stores.
func (a Address) fullName() string {
	if len(a.FamilyID) == 0 {
		return a.Namespace + "." + a.Name
	}
	return fmt.Sprintf("%s.%s\x00%x", a.Namespace, a.Name, a.FamilyID)
}
