package fleet

import (
	"github.com/dmacmillan/Kive-sub000/archive"
)

// ComponentStatus is a snapshot of one step or cable.
type ComponentStatus struct {
	Coordinates string `json:"coordinates"`
	Kind        string `json:"kind"`
	State       string `json:"state"`
	Reused      *bool  `json:"reused,omitempty"`
	Message     string `json:"message,omitempty"`
}

// RunStatus is a snapshot of an active top-level run.
type RunStatus struct {
	ID         int64             `json:"id"`
	Pipeline   string            `json:"pipeline"`
	User       string            `json:"user"`
	Status     string            `json:"status"`
	Priority   int               `json:"priority"`
	Components []ComponentStatus `json:"components"`
}

// Statuses snapshots every active run, components in run order.
func (m *Manager) Statuses() []RunStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunStatus, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, m.status(r))
	}
	return out
}

func (m *Manager) status(r *archive.Run) RunStatus {
	rs := RunStatus{ID: r.ID, Pipeline: r.Pipeline.String(), User: r.User, Status: r.Status(), Priority: r.Priority}
	for _, c := range r.AllComponents() {
		var reused *bool
		if c.Reused != nil {
			v := *c.Reused
			reused = &v
		}
		rs.Components = append(rs.Components, ComponentStatus{
			Coordinates: c.Coordinates().String(),
			Kind:        c.Kind.String(),
			State:       c.State.String(),
			Reused:      reused,
			Message:     m.message(c),
		})
	}
	return rs
}
