package r5

import "strings"

// Patient represents a FHIR R5 Patient resource.
type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Active       *bool        `json:"active,omitempty"`
	Name         []HumanName  `json:"name,omitempty"`
}

// Practitioner represents a FHIR R5 Practitioner resource.
type Practitioner struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Active       *bool        `json:"active,omitempty"`
	Name         []HumanName  `json:"name,omitempty"`
}

// FullName returns the official name, or the first name listed.
func (p *Patient) FullName() string {
	if p == nil {
		return ""
	}
	return fullName(p.Name)
}

// FullName returns the official name, or the first name listed.
func (p *Practitioner) FullName() string {
	if p == nil {
		return ""
	}
	return fullName(p.Name)
}

func fullName(names []HumanName) string {
	if len(names) == 0 {
		return ""
	}
	name := names[0]
	for _, n := range names {
		if n.Use == "official" {
			name = n
			break
		}
	}
	if name.Text != "" {
		return name.Text
	}
	parts := append([]string{}, name.Given...)
	if name.Family != "" {
		parts = append(parts, name.Family)
	}
	return strings.Join(parts, " ")
}
