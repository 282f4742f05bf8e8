package client

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/inkline-dev/inkline/internal/chain"
	"github.com/inkline-dev/inkline/internal/crdt"
	icrypto "github.com/inkline-dev/inkline/internal/crypto"
	"github.com/inkline-dev/inkline/internal/docstore"
	"github.com/inkline-dev/inkline/internal/group"
	"github.com/inkline-dev/inkline/internal/mailbox"
	"github.com/inkline-dev/inkline/internal/store"
	"github.com/inkline-dev/inkline/internal/wire"
)

// CreateAccount provisions a brand-new account owned solely by this
// device: a genesis signature-chain block, a single-member secret
// group, and the account-root and profile documents, then publishes all of it to
// the relay so other devices can later attach (spec.md §4.1 genesis
// block, §4.2 Create, §4.6 account root).
func (d *Device) CreateAccount(ctx context.Context) error {
	if d.accountID != "" {
		return fmt.Errorf("client: device already attached to account %s", d.accountID)
	}

	accountID, err := newRandomID()
	if err != nil {
		return fmt.Errorf("client: generate account id: %w", err)
	}

	c := chain.New()
	genesis := chain.Operation{
		Kind: chain.OpCreateAccount,
		DevicePkg: chain.DevicePackage{
			DeviceID:         d.deviceID,
			SigningPublicKey: d.signKeys.Public,
		},
	}
	if _, err := c.Append(genesis, d.deviceID, d.signer); err != nil {
		return fmt.Errorf("client: append genesis block: %w", err)
	}
	if err := c.Verify(); err != nil {
		return fmt.Errorf("client: verify freshly created chain: %w", err)
	}

	_, chainHash, err := c.Head()
	if err != nil {
		return fmt.Errorf("client: chain head: %w", err)
	}
	g, _, err := group.Create(accountID, icrypto.IDFromKey(chainHash), d.deviceID, group.CiphersuiteX25519AESGCMSHA256Ed25519, d.groupKeys)
	if err != nil {
		return fmt.Errorf("client: create group: %w", err)
	}

	d.accountID = accountID
	d.chain = c
	d.group = g
	if err := d.memb.TrackChain(accountID, c); err != nil {
		return err
	}
	d.secret = newSecretSource(d.db, d.group, d.cfg.SecretGrace(), d.clk)
	d.docs = docstore.New(d.db, d.deviceID, d.secret, d.memb, d.signer, d.clk)

	if err := d.db.PutDeviceSettings(ctx, store.DeviceSettings{DeviceID: d.deviceID, AccountID: accountID}); err != nil {
		return fmt.Errorf("client: persist account attachment: %w", err)
	}
	if err := d.persistChainAndGroup(ctx); err != nil {
		return err
	}

	if err := d.createAccountRoot(ctx); err != nil {
		return err
	}
	profileID, err := newRandomID()
	if err != nil {
		return fmt.Errorf("client: generate profile id: %w", err)
	}
	profile := d.docs.NewCard(profileID, docstore.SchemaProfile)
	profile.Doc.ACL.Grant(accountID, crdt.RightsRead|crdt.RightsWrite|crdt.RightsAdmin)
	profile.Doc.ACL.SetMode(crdt.ModeCustom)
	if err := d.docs.Save(ctx, profile, docstore.EditOptions{
		AccountIDs:   []string{accountID},
		Participants: docstore.ProfileParticipants(accountID, nil),
	}); err != nil {
		return fmt.Errorf("client: create profile document: %w", err)
	}

	kp := group.BuildKeyPackage(d.deviceID, group.CiphersuiteX25519AESGCMSHA256Ed25519, d.groupKeys)
	if err := d.relay.PushKeyPackage(ctx, wire.KeyPackage{
		DeviceID:    kp.DeviceID,
		Ciphersuite: uint32(kp.Ciphersuite),
		SigPub:      kp.SigPub,
		InitPub:     kp.InitPub,
	}); err != nil {
		return fmt.Errorf("client: publish key package: %w", err)
	}
	if err := d.relay.PushChain(ctx, accountID, d.chain.Marshal(), []string{d.deviceID}); err != nil {
		return fmt.Errorf("client: publish signature chain: %w", err)
	}
	return nil
}

// createAccountRoot writes the empty account-root document this
// device's own accountview.Root projects from, granting the owning
// account admin rights over it (spec.md §4.6).
func (d *Device) createAccountRoot(ctx context.Context) error {
	card := d.docs.NewCard(d.accountID, docstore.SchemaAccountRoot)
	card.Doc.ACL.Grant(d.accountID, crdt.RightsRead|crdt.RightsWrite|crdt.RightsAdmin)
	return d.docs.Save(ctx, card, docstore.EditOptions{AccountIDs: []string{d.accountID}})
}

// AttachDevice is the inviter-side half of bringing a second device
// into this account: it fetches the joiner's published key package,
// appends an AddDevice block to the signature chain, advances the
// group and mails the joiner a Welcome so it can resume without ever
// having seen a prior commit (spec.md §4.2 propose_add, §5 mailbox
// transport, Device lifecycle "Attach").
func (d *Device) AttachDevice(ctx context.Context, joinerDeviceID string) error {
	if d.accountID == "" {
		return fmt.Errorf("client: device has no account to attach from")
	}
	packages, err := d.relay.ListKeyPackages(ctx, joinerDeviceID)
	if err != nil {
		return fmt.Errorf("client: fetch joiner key package: %w", err)
	}
	if len(packages) == 0 {
		return fmt.Errorf("client: no key package published for device %s", joinerDeviceID)
	}
	pkg := packages[len(packages)-1]

	op := chain.Operation{
		Kind: chain.OpAddDevice,
		DevicePkg: chain.DevicePackage{
			DeviceID:         joinerDeviceID,
			SigningPublicKey: pkg.SigPub,
		},
	}
	if _, err := d.chain.Append(op, d.deviceID, d.signer); err != nil {
		return fmt.Errorf("client: append add-device block: %w", err)
	}

	_, chainHash, err := d.chain.Head()
	if err != nil {
		return fmt.Errorf("client: chain head: %w", err)
	}
	d.group.Rekey(icrypto.IDFromKey(chainHash))
	_, welcome, err := d.group.ProposeAdd(group.KeyPackage{
		DeviceID:    pkg.DeviceID,
		Ciphersuite: group.Ciphersuite(pkg.Ciphersuite),
		SigPub:      pkg.SigPub,
		InitPub:     pkg.InitPub,
	})
	if err != nil {
		return fmt.Errorf("client: propose add: %w", err)
	}

	if err := d.persistChainAndGroup(ctx); err != nil {
		return err
	}
	if err := d.relay.PushChain(ctx, d.accountID, d.chain.Marshal(), d.group.Members()); err != nil {
		return fmt.Errorf("client: publish updated chain: %w", err)
	}

	welcomeID, err := newRandomID()
	if err != nil {
		return fmt.Errorf("client: generate welcome message id: %w", err)
	}
	envelope := marshalHandshake(handshakeWelcome, group.MarshalWelcome(welcome))
	now := d.clk.Now()
	if err := d.mailQ.Enqueue(ctx, mailbox.Message{
		ID:            welcomeID,
		Body:          envelope,
		CreatedAtSec:  now.Unix(),
		CreatedAtNano: int64(now.Nanosecond()),
	}); err != nil {
		return fmt.Errorf("client: queue welcome for joiner: %w", err)
	}
	// Flush immediately rather than waiting for the next scheduled sync —
	// the joiner is actively waiting on this handshake to complete.
	if _, err := d.mailQ.DrainPush(ctx, joinerDeviceID, d.relay, 1); err != nil {
		return fmt.Errorf("client: deliver welcome to joiner: %w", err)
	}
	return nil
}

func newRandomID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return icrypto.IDFromKey(buf), nil
}
