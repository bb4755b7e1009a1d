package store

// Ref is a polymorphic reference to an entity in the host application:
// a type tag plus an identifier. It is used for senders, receivers, and
// notified objects. The zero value means "absent" (e.g., a system
// notification has no sender).
type Ref struct {
	Kind string `json:"kind" db:"kind" bson:"kind"`
	ID   string `json:"id" db:"id" bson:"id"`
}

// IsZero reports whether the reference is absent.
func (r Ref) IsZero() bool {
	return r.Kind == "" && r.ID == ""
}

// Valid reports whether both the kind tag and the identifier are set.
func (r Ref) Valid() bool {
	return r.Kind != "" && r.ID != ""
}

// Equal reports whether two references identify the same entity.
func (r Ref) Equal(other Ref) bool {
	return r.Kind == other.Kind && r.ID == other.ID
}

// String returns "kind/id", or "" for the zero reference.
func (r Ref) String() string {
	if r.IsZero() {
		return ""
	}
	return r.Kind + "/" + r.ID
}
