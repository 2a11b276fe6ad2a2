package domain

// UserContext is the per-turn parameter bag handed to the research pipeline.
// It is rebuilt for every turn and never persisted.
type UserContext struct {
	Name       string
	Doctor     bool
	DeepSearch bool
}

// Role returns "doctor" or "patient".
func (c UserContext) Role() string {
	if c.Doctor {
		return "doctor"
	}
	return "patient"
}
