package client

import (
	"context"
	"fmt"

	"github.com/inkline-dev/inkline/internal/chain"
	"github.com/inkline-dev/inkline/internal/group"
	"github.com/inkline-dev/inkline/internal/mailbox"
)

// RemoveDevice evicts deviceID from this account: it appends a
// RemoveDevice block to the signature chain, advances the group past
// the removed device so no document secret minted from here on is
// reachable to it, and mails every remaining member a Commit so they
// pick up the new epoch without waiting for a coincidental document
// sync (spec.md §4.2 propose_remove, §4.7 Device lifecycle "Revoke":
// "driven by another admin device's chain removal").
func (d *Device) RemoveDevice(ctx context.Context, deviceID string) error {
	if d.accountID == "" {
		return fmt.Errorf("client: device has no account to remove members from")
	}
	if deviceID == d.deviceID {
		return fmt.Errorf("client: a device cannot remove itself")
	}

	op := chain.Operation{Kind: chain.OpRemoveDevice, RemoveDeviceID: deviceID}
	if _, err := d.chain.Append(op, d.deviceID, d.signer); err != nil {
		return fmt.Errorf("client: append remove-device block: %w", err)
	}

	commit, err := d.group.ProposeRemove(deviceID)
	if err != nil {
		return fmt.Errorf("client: propose remove: %w", err)
	}

	if err := d.persistChainAndGroup(ctx); err != nil {
		return err
	}
	if err := d.relay.PushChain(ctx, d.accountID, d.chain.Marshal(), d.group.Members()); err != nil {
		return fmt.Errorf("client: publish updated chain: %w", err)
	}

	return d.broadcastCommit(ctx, commit)
}

// broadcastCommit mails a Commit to every active member other than
// this device, one at a time (mirroring AttachDevice's own
// enqueue-then-immediately-drain pattern, since the local mailbox
// queue is a single flat FIFO rather than one per recipient).
func (d *Device) broadcastCommit(ctx context.Context, commit group.Commit) error {
	envelope := marshalHandshake(handshakeCommit, group.MarshalCommit(commit))
	for _, memberID := range d.group.Members() {
		if memberID == d.deviceID {
			continue
		}
		msgID, err := newRandomID()
		if err != nil {
			return fmt.Errorf("client: generate commit message id: %w", err)
		}
		now := d.clk.Now()
		if err := d.mailQ.Enqueue(ctx, mailbox.Message{
			ID:            msgID,
			Body:          envelope,
			CreatedAtSec:  now.Unix(),
			CreatedAtNano: int64(now.Nanosecond()),
		}); err != nil {
			return fmt.Errorf("client: queue commit for %s: %w", memberID, err)
		}
		if _, err := d.mailQ.DrainPush(ctx, memberID, d.relay, 1); err != nil {
			return fmt.Errorf("client: deliver commit to %s: %w", memberID, err)
		}
	}
	return nil
}
