package crdt

import (
	"encoding/binary"
	"strings"
)

// Rights are the ACL permission bits an account can hold on a document
// (spec.md §3: "rights ∈ {Read(1), Write(2), Admin(8)}").
type Rights byte

const (
	RightsRead  Rights = 1
	RightsWrite Rights = 2
	RightsAdmin Rights = 8
)

// Has reports whether r includes every bit in want.
func (r Rights) Has(want Rights) bool { return r&want == want }

// Mode selects how a document's participant set for sync is derived.
type Mode byte

const (
	ModeNormal Mode = iota
	ModeCustom
)

const (
	aclRightPrefix = "right:"
	aclFieldBin    = "field:bolik-bin"
	aclFieldMode   = "field:mode"
)

// ACLDoc is the CRDT sub-document co-edited alongside a card's content:
// an account→rights map plus a bin timestamp and operation mode, all
// stored in one LWWMap so the whole sub-document merges as a unit
// (spec.md §3 ACL sub-doc, §4.3 conflict semantics).
type ACLDoc struct {
	fields *LWWMap
}

// NewACLDoc returns an empty ACL sub-document owned locally by client.
func NewACLDoc(client ClientID) *ACLDoc {
	return &ACLDoc{fields: NewLWWMap(client)}
}

// Grant assigns accountID the given rights, returning the op to broadcast.
func (a *ACLDoc) Grant(accountID string, rights Rights) LWWOp {
	return a.fields.Set(aclRightPrefix+accountID, []byte{byte(rights)})
}

// Revoke removes accountID from the ACL entirely.
func (a *ACLDoc) Revoke(accountID string) LWWOp {
	return a.fields.Delete(aclRightPrefix + accountID)
}

// RightsOf returns accountID's current rights, or ok=false if the
// account holds none.
func (a *ACLDoc) RightsOf(accountID string) (Rights, bool) {
	v, ok := a.fields.Get(aclRightPrefix + accountID)
	if !ok || len(v) == 0 {
		return 0, false
	}
	return Rights(v[0]), true
}

// Members returns every account id currently holding any rights.
func (a *ACLDoc) Members() []string {
	var out []string
	for _, k := range a.fields.Keys() {
		if id, ok := strings.CutPrefix(k, aclRightPrefix); ok {
			out = append(out, id)
		}
	}
	return out
}

// Admins returns every account id currently holding Admin rights.
func (a *ACLDoc) Admins() []string {
	var out []string
	for _, id := range a.Members() {
		if r, ok := a.RightsOf(id); ok && r.Has(RightsAdmin) {
			out = append(out, id)
		}
	}
	return out
}

// MoveToBin writes the bin timestamp (spec.md §4.3: "a timestamp write
// into a reserved field"), leaving membership untouched.
func (a *ACLDoc) MoveToBin(unixSeconds int64) LWWOp {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(unixSeconds))
	return a.fields.Set(aclFieldBin, buf)
}

// RestoreFromBin clears the bin timestamp.
func (a *ACLDoc) RestoreFromBin() LWWOp {
	return a.fields.Delete(aclFieldBin)
}

// BinnedAt returns the bin timestamp, if the document is currently binned.
func (a *ACLDoc) BinnedAt() (int64, bool) {
	v, ok := a.fields.Get(aclFieldBin)
	if !ok || len(v) != 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(v)), true
}

// SetMode records the document's participant-derivation mode.
func (a *ACLDoc) SetMode(mode Mode) LWWOp {
	return a.fields.Set(aclFieldMode, []byte{byte(mode)})
}

// Mode returns the document's current mode, defaulting to ModeNormal.
func (a *ACLDoc) Mode() Mode {
	v, ok := a.fields.Get(aclFieldMode)
	if !ok || len(v) == 0 {
		return ModeNormal
	}
	return Mode(v[0])
}

// Apply integrates a remote ACL op.
func (a *ACLDoc) Apply(op LWWOp) { a.fields.Apply(op) }

// ContentDoc is a card's CardV1 content: named text blocks (each its
// own RGA), a file-attachment map and a checklist-item map, all
// independently mergeable (spec.md §3 Document, §4.2 schemas).
type ContentDoc struct {
	client    ClientID
	blocks    map[string]*RGA
	files     *LWWMap
	checklist *LWWMap
}

// NewContentDoc returns an empty CardV1 content document owned locally
// by client.
func NewContentDoc(client ClientID) *ContentDoc {
	return &ContentDoc{
		client:    client,
		blocks:    make(map[string]*RGA),
		files:     NewLWWMap(client),
		checklist: NewLWWMap(client),
	}
}

// Block returns the named text block's RGA, creating it if absent.
func (d *ContentDoc) Block(blockID string) *RGA {
	rga, ok := d.blocks[blockID]
	if !ok {
		rga = NewRGA(d.client)
		d.blocks[blockID] = rga
	}
	return rga
}

// BlockIDs returns every text block id that has been created.
func (d *ContentDoc) BlockIDs() []string {
	out := make([]string, 0, len(d.blocks))
	for id := range d.blocks {
		out = append(out, id)
	}
	return out
}

// Files returns the file-attachment map (key = blob id, value =
// caller-encoded CardFile metadata).
func (d *ContentDoc) Files() *LWWMap { return d.files }

// Checklist returns the checklist-item map (key = item id, value =
// caller-encoded item state).
func (d *ContentDoc) Checklist() *LWWMap { return d.checklist }

// ApplyBlockOp integrates a remote text op for the named block.
func (d *ContentDoc) ApplyBlockOp(blockID string, op Op) error {
	return d.Block(blockID).Apply(op)
}

// Document pairs a card's content and ACL CRDTs — the two
// independently-mergeable sub-documents spec.md §3 describes per
// logical document. Metadata (id, author, counter, schema, timestamps,
// ciphertext framing) is the docstore layer's concern, not this one's.
type Document struct {
	Content *ContentDoc
	ACL     *ACLDoc
}

// NewDocument returns a fresh, empty Document owned locally by client.
func NewDocument(client ClientID) *Document {
	return &Document{Content: NewContentDoc(client), ACL: NewACLDoc(client)}
}
