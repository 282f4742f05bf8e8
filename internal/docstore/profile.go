package docstore

import "github.com/inkline-dev/inkline/internal/crdt"

const profileFieldName = "name"

// ProfileRoot projects a Profile document's content: a single
// displayed name field, plus the ACL's Custom-mode participant rule
// (spec.md §4.3: "Custom mode: externally supplied, e.g. Profile
// broadcast to all contacts"). It reuses ContentDoc's file-attachment
// map the same way LabelsRoot does, storing one entry under a fixed
// key rather than a generic overlay.
type ProfileRoot struct {
	fields *crdt.LWWMap
}

// NewProfileRoot wraps a loaded or freshly created Profile document's
// content for name access.
func NewProfileRoot(doc *crdt.Document) *ProfileRoot {
	return &ProfileRoot{fields: doc.Content.Files()}
}

// SetName sets the account's displayed profile name.
func (p *ProfileRoot) SetName(name string) crdt.LWWOp {
	return p.fields.Set(profileFieldName, []byte(name))
}

// Name returns the profile's displayed name, falling back to
// accountview.DefaultName's convention when unset.
func (p *ProfileRoot) Name(accountID string) string {
	if v, ok := p.fields.Get(profileFieldName); ok {
		return string(v)
	}
	return defaultAccountName(accountID)
}

// defaultAccountName mirrors accountview.DefaultName without an
// import cycle (accountview projects account-root documents this
// package writes and pushes, so it cannot import docstore back).
func defaultAccountName(accountID string) string {
	n := 6
	if len(accountID) < n {
		n = len(accountID)
	}
	out := make([]byte, 0, n+9)
	out = append(out, "Account #"...)
	for i := 0; i < n; i++ {
		c := accountID[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

// ProfileParticipants returns the Custom-mode participant set a
// Profile document pushes with: every contact account plus the
// owning account itself, so a name change reaches every device that
// has ever added this account as a contact (spec.md §4.3, SPEC_FULL.md
// supplemented feature 3).
func ProfileParticipants(ownerAccountID string, contactAccountIDs []string) []string {
	out := make([]string, 0, len(contactAccountIDs)+1)
	out = append(out, ownerAccountID)
	out = append(out, contactAccountIDs...)
	return out
}
