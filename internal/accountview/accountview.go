// Package accountview projects the account-root CRDT into the summary
// shape the host application reads: account identity, contacts,
// labels and devices (spec.md §4.6). The account root is itself a
// crdt.ContentDoc whose "fields" LWW-map holds one entry per
// contact/label/device, each value a small encoded field→value map.
package accountview

import (
	"fmt"
	"strings"

	"github.com/inkline-dev/inkline/internal/crdt"
)

// Entry field-key prefixes within the account root's LWW maps. Each
// map entry's key is "<kind>:<id>:<field>" so a single LWWMap instance
// can carry all three collections plus the account's own identity
// fields.
const (
	prefixContact = "contact:"
	prefixLabel   = "label:"
	prefixDevice  = "device:"
	fieldName     = ":name"
)

// Contact is one entry in the account's contact list.
type Contact struct {
	ID   string
	Name string
}

// Label is one entry in the account's label list (used to tag cards).
type Label struct {
	ID   string
	Name string
}

// Device is one entry in the account's device list.
type Device struct {
	ID   string
	Name string
}

// Account is the projected account-root view (spec.md §4.6).
type Account struct {
	ID       string
	Name     string
	Contacts []Contact
	Labels   []Label
	Devices  []Device
}

// DefaultName implements spec.md §4.6's
// default_name(account_id) = "Account #" + lowercase(first 6 chars of id).
func DefaultName(accountID string) string {
	n := 6
	if len(accountID) < n {
		n = len(accountID)
	}
	return "Account #" + strings.ToLower(accountID[:n])
}

// Root wraps the account-root LWWMap with typed accessors for
// mutating contacts, labels, devices and the account's own name.
type Root struct {
	id     string
	fields *crdt.LWWMap
}

// NewRoot creates an empty account root for a freshly created account.
func NewRoot(accountID string, client crdt.ClientID) *Root {
	return &Root{id: accountID, fields: crdt.NewLWWMap(client)}
}

// RootFromFields wraps an already-loaded LWWMap — the Account-root
// document's Content.Files() map, following the same
// doc.Content.Files()-as-backing-store convention docstore's
// ProfileRoot/LabelsRoot use for their own schemas — so a Root can
// ride through docstore's ordinary load/save/merge path instead of
// keeping separate state.
func RootFromFields(accountID string, fields *crdt.LWWMap) *Root {
	return &Root{id: accountID, fields: fields}
}

// Fields exposes the underlying LWWMap for sync/merge (Apply) use.
func (r *Root) Fields() *crdt.LWWMap { return r.fields }

// SetName sets the account's own display name, overriding DefaultName.
func (r *Root) SetName(name string) crdt.LWWOp {
	return r.fields.Set("account:name", []byte(name))
}

// AddContact upserts a contact's display name.
func (r *Root) AddContact(contactID, name string) crdt.LWWOp {
	return r.fields.Set(prefixContact+contactID+fieldName, []byte(name))
}

// RemoveContact tombstones a contact entry.
func (r *Root) RemoveContact(contactID string) crdt.LWWOp {
	return r.fields.Delete(prefixContact + contactID + fieldName)
}

// AddLabel upserts a label's display name.
func (r *Root) AddLabel(labelID, name string) crdt.LWWOp {
	return r.fields.Set(prefixLabel+labelID+fieldName, []byte(name))
}

// RemoveLabel tombstones a label entry.
func (r *Root) RemoveLabel(labelID string) crdt.LWWOp {
	return r.fields.Delete(prefixLabel + labelID + fieldName)
}

// AddDevice upserts a device's display name.
func (r *Root) AddDevice(deviceID, name string) crdt.LWWOp {
	return r.fields.Set(prefixDevice+deviceID+fieldName, []byte(name))
}

// RemoveDevice tombstones a device entry — called when the signature
// chain records a RemoveDevice operation, so the projection and the
// membership chain never disagree about who is still attached.
func (r *Root) RemoveDevice(deviceID string) crdt.LWWOp {
	return r.fields.Delete(prefixDevice + deviceID + fieldName)
}

// Project renders the current account view from the root's fields.
func (r *Root) Project() Account {
	acc := Account{ID: r.id, Name: DefaultName(r.id)}

	type group struct {
		prefix string
		ids    map[string]string
	}
	groups := map[string]map[string]string{
		prefixContact: {},
		prefixLabel:   {},
		prefixDevice:  {},
	}

	for key, value := range r.fields.All() {
		if key == "account:name" {
			acc.Name = string(value)
			continue
		}
		for prefix, dst := range groups {
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			rest := strings.TrimPrefix(key, prefix)
			id, ok := splitEntryID(rest)
			if !ok {
				continue
			}
			dst[id] = string(value)
		}
	}

	for id, name := range groups[prefixContact] {
		acc.Contacts = append(acc.Contacts, Contact{ID: id, Name: name})
	}
	for id, name := range groups[prefixLabel] {
		acc.Labels = append(acc.Labels, Label{ID: id, Name: name})
	}
	for id, name := range groups[prefixDevice] {
		acc.Devices = append(acc.Devices, Device{ID: id, Name: name})
	}

	return acc
}

func splitEntryID(rest string) (string, bool) {
	suffix := fieldName
	if !strings.HasSuffix(rest, suffix) {
		return "", false
	}
	return strings.TrimSuffix(rest, suffix), true
}

// Apply merges a remote LWWOp produced against another device's Root
// for the same account.
func (r *Root) Apply(op crdt.LWWOp) {
	r.fields.Apply(op)
}

// ValidateID is a light sanity check used before upserting a
// contact/label/device id derived from an untrusted peer — ids are
// always base58-encoded key material elsewhere in the system, so an
// empty id indicates a caller bug rather than a legitimate edge case.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("accountview: empty id")
	}
	return nil
}
