package domain

// UserProfile is opaque caller context injected into the supervisor framing.
// It is never validated.
type UserProfile struct {
	Department string `json:"department,omitempty"`
	Role       string `json:"role,omitempty"`
	Location   string `json:"location,omitempty"`
	Seniority  string `json:"seniority,omitempty"`
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// WithDefaults fills blank fields with the framing defaults.
func (p UserProfile) WithDefaults() UserProfile {
	return UserProfile{
		Department: orDefault(p.Department, "Unknown"),
		Role:       orDefault(p.Role, "User"),
		Location:   orDefault(p.Location, "Unknown"),
		Seniority:  orDefault(p.Seniority, "Unknown"),
	}
}
