package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/inkline-dev/inkline/internal/apperr"
	"github.com/inkline-dev/inkline/internal/chain"
	"github.com/inkline-dev/inkline/internal/docstore"
	"github.com/inkline-dev/inkline/internal/group"
	"github.com/inkline-dev/inkline/internal/mailbox"
	"github.com/inkline-dev/inkline/internal/store"
)

const (
	mailboxBatchLimit  = 32
	docsPushBatchLimit = 32
	pushBackoffBase    = 5 * time.Second
	pushBackoffCap     = 5 * time.Minute
)

// Sync is the device's single entry point for one round of background
// synchronization (spec.md §4.9: "Sync runs mailbox then docs"). It
// drains the mailbox — processing any Welcome/Commit handshake it
// carries and pushing whatever this device has queued for peers — then
// refreshes the account's signature chain and runs the document
// push/pull pipeline.
//
// A ChainForbidden response anywhere in this sequence means the relay
// no longer considers this device a member of its account (spec.md
// §4.7 Device lifecycle "Revoke"): Sync wipes local account state and
// returns the error so the caller's SyncFailed handling surfaces it
// rather than retrying forever against an account this device can no
// longer reach.
func (d *Device) Sync(ctx context.Context) error {
	hadAccount := d.accountID != ""

	if _, err := d.mailQ.Process(ctx, d.deviceID, d.relay, d.handleMailboxMessage); err != nil {
		if d.checkRevoked(ctx, err) {
			return err
		}
		return fmt.Errorf("client: process mailbox: %w", err)
	}

	if !hadAccount && d.accountID != "" {
		if err := d.completeAttach(ctx); err != nil {
			if d.checkRevoked(ctx, err) {
				return err
			}
			return fmt.Errorf("client: complete attach: %w", err)
		}
	}

	if _, err := d.mailQ.DrainPush(ctx, d.deviceID, d.relay, mailboxBatchLimit); err != nil {
		if d.checkRevoked(ctx, err) {
			return err
		}
		return fmt.Errorf("client: drain mailbox push: %w", err)
	}

	if d.accountID == "" {
		return nil
	}

	if err := d.refreshChain(ctx); err != nil {
		if d.checkRevoked(ctx, err) {
			return err
		}
		return fmt.Errorf("client: refresh chain: %w", err)
	}
	if _, err := d.docs.Pull(ctx, d.relay, d.bus); err != nil {
		if d.checkRevoked(ctx, err) {
			return err
		}
		return fmt.Errorf("client: pull docs: %w", err)
	}
	if _, err := d.docs.Push(ctx, d.relay, docsPushBatchLimit, pushBackoffBase, pushBackoffCap); err != nil {
		if d.checkRevoked(ctx, err) {
			return err
		}
		return fmt.Errorf("client: push docs: %w", err)
	}
	return nil
}

// checkRevoked wipes local account state and reports true when err
// signals this device has been removed from its account's chain.
func (d *Device) checkRevoked(ctx context.Context, err error) bool {
	if !errors.Is(err, apperr.ErrChainForbidden) {
		return false
	}
	d.wipe(ctx)
	return true
}

// wipe discards this device's view of its former account once the
// relay has reported it is no longer a chain member (spec.md §4.7:
// Revoked "local data is wiped"). The device's own signing identity
// survives — only account-scoped state is cleared — matching the
// lifecycle diagram where Revoked is a terminal state of this same
// device record, not a fresh Bare one.
func (d *Device) wipe(ctx context.Context) {
	_ = d.db.PutDeviceSettings(ctx, store.DeviceSettings{DeviceID: d.deviceID})
	d.accountID = ""
	d.chain = nil
	d.group = nil
	d.secret = nil
	d.docs = nil
	d.revoked = true
}

// Revoked reports whether this device has been wiped after its
// account removed it (spec.md §4.7 Device lifecycle terminal state).
func (d *Device) Revoked() bool { return d.revoked }

// handleMailboxMessage dispatches one handshake envelope fetched from
// the mailbox: a Welcome completes this device's Attach if it has no
// account yet; a Commit advances the group ratchet for one it already
// belongs to (spec.md §4.2/§4.5, Device lifecycle "Attach").
func (d *Device) handleMailboxMessage(m mailbox.Message) error {
	kind, payload, err := unmarshalHandshake(m.Body)
	if err != nil {
		return err
	}
	switch kind {
	case handshakeWelcome:
		return d.processWelcome(payload)
	case handshakeCommit:
		return d.processCommit(payload)
	default:
		return fmt.Errorf("client: unknown handshake kind %d", kind)
	}
}

// processWelcome builds this device's in-memory group view from a
// received Welcome. The account isn't usable yet — chain, secrets and
// docstore are wired in completeAttach once Sync knows every mailbox
// message for this round has been drained.
func (d *Device) processWelcome(payload []byte) error {
	if d.accountID != "" {
		return nil // already attached; a stray or duplicate welcome
	}
	w, err := group.UnmarshalWelcome(payload)
	if err != nil {
		return fmt.Errorf("client: unmarshal welcome: %w", err)
	}
	g, err := group.ProcessWelcome(w, d.deviceID, d.groupKeys.SigPriv)
	if err != nil {
		return fmt.Errorf("client: process welcome: %w", err)
	}
	d.accountID = w.AccountID
	d.group = g
	return nil
}

// processCommit advances this device's group view with a commit
// broadcast by another member. Out-of-order commits are buffered
// inside *group.Group itself and drained once their predecessor
// arrives, so that specific condition is not an error here.
func (d *Device) processCommit(payload []byte) error {
	if d.accountID == "" || d.group == nil {
		return fmt.Errorf("client: received commit before completing attach")
	}
	c, err := group.UnmarshalCommit(payload)
	if err != nil {
		return fmt.Errorf("client: unmarshal commit: %w", err)
	}
	if c.AccountID != d.accountID {
		return nil
	}
	if err := d.group.ApplyCommit(c); err != nil && !errors.Is(err, group.ErrOutOfOrderCommit) {
		return fmt.Errorf("client: apply commit: %w", err)
	}
	return nil
}

// completeAttach finishes what processWelcome started: it persists the
// new account attachment, fetches the account's current signature
// chain from the relay, and wires the member verifier, secret source
// and docstore so the rest of Sync's pull/push pipeline can run
// (spec.md §4.7 Device lifecycle: Unattached -> AccountMember).
func (d *Device) completeAttach(ctx context.Context) error {
	if err := d.db.PutDeviceSettings(ctx, store.DeviceSettings{DeviceID: d.deviceID, AccountID: d.accountID}); err != nil {
		return fmt.Errorf("persist account attachment: %w", err)
	}
	chainBytes, _, err := d.relay.FetchAccount(ctx, d.accountID)
	if err != nil {
		return fmt.Errorf("fetch account chain: %w", err)
	}
	c, err := chain.Unmarshal(chainBytes)
	if err != nil {
		return fmt.Errorf("unmarshal chain: %w", err)
	}
	if err := d.memb.TrackChain(d.accountID, c); err != nil {
		return err
	}
	d.chain = c
	d.secret = newSecretSource(d.db, d.group, d.cfg.SecretGrace(), d.clk)
	d.docs = docstore.New(d.db, d.deviceID, d.secret, d.memb, d.signer, d.clk)
	return d.persistChainAndGroup(ctx)
}

// refreshChain pulls the account's current signature chain so this
// device notices membership changes (AddDevice/RemoveDevice) made by
// another admin device between syncs. A chain that no longer names
// this device means it has been revoked (spec.md §4.7 "the revoked
// device's next sync returns ChainForbidden").
func (d *Device) refreshChain(ctx context.Context) error {
	chainBytes, _, err := d.relay.FetchAccount(ctx, d.accountID)
	if err != nil {
		return fmt.Errorf("fetch account chain: %w", err)
	}
	if len(chainBytes) == 0 {
		return nil
	}
	c, err := chain.Unmarshal(chainBytes)
	if err != nil {
		return fmt.Errorf("unmarshal chain: %w", err)
	}
	if err := c.Verify(); err != nil {
		return fmt.Errorf("verify chain: %w", err)
	}
	members, err := c.Members()
	if err != nil {
		return fmt.Errorf("chain members: %w", err)
	}
	if _, ok := members[d.deviceID]; !ok {
		return apperr.ErrChainForbidden
	}
	if err := d.memb.TrackChain(d.accountID, c); err != nil {
		return err
	}
	d.chain = c
	return d.persistChainAndGroup(ctx)
}
