package types

// TrustCriterion is a policy input naming signers trusted within a set of links.
// It is consulted by garbage collection only, never by validity checks.
type TrustCriterion struct {
	Signers []string
	Links   []Link
}

// Covers reports whether the criterion applies to link.
func (c TrustCriterion) Covers(link Link) bool {
	id := link.ID()
	for _, l := range c.Links {
		if l.ID() == id {
			return true
		}
	}
	return false
}
