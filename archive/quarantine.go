package archive

// Quarantine marks a successful component untrustworthy. With
// recurseUpward every enclosing run, and the steps owning nested runs, are
// quarantined too. Quarantining an already quarantined component does
// nothing.
func (c *Component) Quarantine(recurseUpward bool) {
	if c.State != ComponentSuccessful {
		return
	}
	c.State = ComponentQuarantined
	if recurseUpward {
		c.Run.Quarantine(true)
	}
}

// Decontaminate clears a component's quarantine and, with recurseUpward,
// tries to clear its runs. Anything not quarantined is left alone.
func (c *Component) Decontaminate(recurseUpward bool) {
	if c.State != ComponentQuarantined {
		return
	}
	c.State = ComponentSuccessful
	if recurseUpward {
		c.Run.AttemptDecontamination(true)
	}
}

// Quarantine flags the run. The step that owns a nested run is quarantined
// with it.
func (r *Run) Quarantine(recurseUpward bool) {
	r.Quarantined = true
	if recurseUpward && r.ParentStep != nil {
		if r.ParentStep.State == ComponentSuccessful {
			r.ParentStep.Quarantine(true)
		} else {
			r.ParentStep.Run.Quarantine(true)
		}
	}
}

// AttemptDecontamination clears the run's flag only once no component in
// it, or in any nested run, is still quarantined.
func (r *Run) AttemptDecontamination(recurseUpward bool) {
	if !r.Quarantined {
		return
	}
	for _, c := range r.AllComponents() {
		if c.IsQuarantined() {
			return
		}
	}
	r.Quarantined = false
	if recurseUpward && r.ParentStep != nil {
		if r.ParentStep.IsQuarantined() {
			r.ParentStep.Decontaminate(true)
		} else {
			r.ParentStep.Run.AttemptDecontamination(true)
		}
	}
}
