package model

import (
	"encoding/json"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// UserSet is an insertion-ordered set of user ids with O(1) membership.
// Order doubles as tenure: index 0 joined first.
// The zero value is an empty set ready to use.
type UserSet struct {
	ids []string
	idx map[string]struct{}
}

func NewUserSet(ids ...string) UserSet {
	var s UserSet
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add returns false when id was already present.
func (s *UserSet) Add(id string) bool {
	if id == "" || s.Contains(id) {
		return false
	}
	if s.idx == nil {
		s.idx = make(map[string]struct{})
	}
	s.idx[id] = struct{}{}
	s.ids = append(s.ids, id)
	return true
}

// Remove returns false when id was absent.
func (s *UserSet) Remove(id string) bool {
	if !s.Contains(id) {
		return false
	}
	delete(s.idx, id)
	for i, v := range s.ids {
		if v == id {
			s.ids = append(s.ids[:i:i], s.ids[i+1:]...)
			break
		}
	}
	return true
}

func (s UserSet) Contains(id string) bool {
	_, ok := s.idx[id]
	return ok
}

func (s UserSet) Len() int { return len(s.ids) }

// Slice returns a copy in insertion order.
func (s UserSet) Slice() []string {
	out := make([]string, len(s.ids))
	copy(out, s.ids)
	return out
}

// First returns the longest-held member for which keep returns true.
func (s UserSet) First(keep func(id string) bool) (string, bool) {
	for _, id := range s.ids {
		if keep == nil || keep(id) {
			return id, true
		}
	}
	return "", false
}

// Equal compares membership, ignoring order.
func (s UserSet) Equal(o UserSet) bool {
	if s.Len() != o.Len() {
		return false
	}
	for _, id := range s.ids {
		if !o.Contains(id) {
			return false
		}
	}
	return true
}

func (s UserSet) Clone() UserSet { return NewUserSet(s.ids...) }

func (s UserSet) MarshalJSON() ([]byte, error) {
	if s.ids == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.ids)
}

func (s *UserSet) UnmarshalJSON(b []byte) error {
	var ids []string
	if err := json.Unmarshal(b, &ids); err != nil {
		return err
	}
	*s = NewUserSet(ids...)
	return nil
}

func (s UserSet) MarshalBSONValue() (bsontype.Type, []byte, error) {
	ids := s.ids
	if ids == nil {
		ids = []string{}
	}
	return bson.MarshalValue(ids)
}

func (s *UserSet) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	if t == bsontype.Null {
		*s = UserSet{}
		return nil
	}
	var ids []string
	if err := (bson.RawValue{Type: t, Value: data}).Unmarshal(&ids); err != nil {
		return err
	}
	*s = NewUserSet(ids...)
	return nil
}
