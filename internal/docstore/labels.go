package docstore

import (
	"strings"

	"github.com/inkline-dev/inkline/internal/crdt"
)

// present is the tombstone-able marker LabelsRoot stores for an
// assigned card/label pair; only its presence (via LWWMap.Get's ok)
// matters, not its bytes.
var present = []byte{1}

// LabelsRoot projects a CardLabelsV1 document's content into the
// per-account label overlay spec.md §4.2 describes: which labels are
// assigned to which cards, independent of the cards themselves so a
// label rename or reassignment never touches a CardV1 document's own
// edit history. It reuses ContentDoc's file-attachment map as its
// backing LWWMap — CardLabelsV1 has no files of its own, and the map's
// key/value shape (arbitrary key to opaque bytes) is exactly what a
// presence overlay needs.
type LabelsRoot struct {
	fields *crdt.LWWMap
}

// NewLabelsRoot wraps a loaded or freshly created CardLabelsV1
// document's content for label overlay access.
func NewLabelsRoot(doc *crdt.Document) *LabelsRoot {
	return &LabelsRoot{fields: doc.Content.Files()}
}

func labelKey(cardID, labelID string) string {
	return cardID + "/" + labelID
}

// Assign marks labelID as applied to cardID.
func (l *LabelsRoot) Assign(cardID, labelID string) crdt.LWWOp {
	return l.fields.Set(labelKey(cardID, labelID), present)
}

// Unassign removes labelID from cardID.
func (l *LabelsRoot) Unassign(cardID, labelID string) crdt.LWWOp {
	return l.fields.Delete(labelKey(cardID, labelID))
}

// LabelsFor returns every label currently assigned to cardID, the
// input write.go's reindex needs to build a card's search row
// (spec.md §4.3 step 5).
func (l *LabelsRoot) LabelsFor(cardID string) []string {
	prefix := cardID + "/"
	var out []string
	for _, key := range l.fields.Keys() {
		if labelID, found := strings.CutPrefix(key, prefix); found {
			out = append(out, labelID)
		}
	}
	return out
}

// CardsWithLabel returns every card id currently carrying labelID —
// the inverse lookup a label-filtered timeline view needs.
func (l *LabelsRoot) CardsWithLabel(labelID string) []string {
	suffix := "/" + labelID
	var out []string
	for _, key := range l.fields.Keys() {
		if cardID, found := strings.CutSuffix(key, suffix); found {
			out = append(out, cardID)
		}
	}
	return out
}
