package accountview_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inkline-dev/inkline/internal/accountview"
	"github.com/inkline-dev/inkline/internal/crdt"
)

func TestDefaultNameUsesFirstSixCharsLowercased(t *testing.T) {
	require.Equal(t, "Account #ab12cd", accountview.DefaultName("AB12CDEfgh"))
	require.Equal(t, "Account #ab", accountview.DefaultName("AB"))
}

func TestProjectDefaultsToDefaultName(t *testing.T) {
	root := accountview.NewRoot("AB12CDEfgh", crdt.DeriveClientID("dev-1"))
	acc := root.Project()
	require.Equal(t, "Account #ab12cd", acc.Name)
	require.Empty(t, acc.Contacts)
	require.Empty(t, acc.Labels)
	require.Empty(t, acc.Devices)
}

func TestProjectReflectsSetAndRemoveOperations(t *testing.T) {
	root := accountview.NewRoot("acct-1", crdt.DeriveClientID("dev-1"))
	root.SetName("My Notes")
	root.AddContact("contact-1", "Alice")
	root.AddContact("contact-2", "Bob")
	root.AddLabel("label-1", "Work")
	root.AddDevice("dev-1", "Laptop")

	acc := root.Project()
	require.Equal(t, "My Notes", acc.Name)
	require.Len(t, acc.Contacts, 2)
	require.Len(t, acc.Labels, 1)
	require.Len(t, acc.Devices, 1)

	root.RemoveContact("contact-2")
	acc = root.Project()
	require.Len(t, acc.Contacts, 1)
	require.Equal(t, "Alice", acc.Contacts[0].Name)
}

func TestApplyMergesRemoteDeviceOps(t *testing.T) {
	a := accountview.NewRoot("acct-1", crdt.DeriveClientID("dev-a"))
	b := accountview.NewRoot("acct-1", crdt.DeriveClientID("dev-b"))

	opA := a.AddDevice("dev-a", "Laptop")
	opB := b.AddDevice("dev-b", "Phone")

	a.Apply(opB)
	b.Apply(opA)

	projA := a.Project()
	projB := b.Project()
	require.ElementsMatch(t, projA.Devices, projB.Devices)
	require.Len(t, projA.Devices, 2)
}
