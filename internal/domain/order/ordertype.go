package order

// Kind tags the concrete variant of an order
type Kind string

const (
	KindOrder     Kind = "order"
	KindDrugOrder Kind = "drug_order"
	KindTestOrder Kind = "test_order"
)

// subKinds lists, for every kind, the kinds that specialise it (itself included)
var subKinds = map[Kind][]Kind{
	KindOrder:     {KindOrder, KindDrugOrder, KindTestOrder},
	KindDrugOrder: {KindDrugOrder},
	KindTestOrder: {KindTestOrder},
}

// OrderType configures a category of orders and the kinds it may hold
type OrderType struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	// Kind is the implementation kind orders of this type are declared with.
	Kind Kind `json:"kind"`
	// CompatibleKinds overrides the kinds derived from Kind when non-empty.
	CompatibleKinds []Kind     `json:"compatible_kinds,omitempty"`
	Parent          *OrderType `json:"parent,omitempty"`
}

// Accepts reports whether an order of kind k may be filed under this type
func (t *OrderType) Accepts(k Kind) bool {
	if t == nil {
		return false
	}
	allowed := t.CompatibleKinds
	if len(allowed) == 0 {
		allowed = subKinds[t.Kind]
	}
	for _, candidate := range allowed {
		if candidate == k {
			return true
		}
	}
	return false
}

// IsType reports whether candidate is parent or one of its descendants
func IsType(parent, candidate *OrderType) bool {
	if parent == nil || candidate == nil {
		return false
	}
	for t := candidate; t != nil; t = t.Parent {
		if t == parent || (t.ID != "" && t.ID == parent.ID) {
			return true
		}
	}
	return false
}
