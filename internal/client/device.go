package client

import (
	"context"
	"fmt"

	"github.com/inkline-dev/inkline/internal/accountview"
	"github.com/inkline-dev/inkline/internal/chain"
	"github.com/inkline-dev/inkline/internal/config"
	icrypto "github.com/inkline-dev/inkline/internal/crypto"
	"github.com/inkline-dev/inkline/internal/docstore"
	"github.com/inkline-dev/inkline/internal/events"
	"github.com/inkline-dev/inkline/internal/group"
	"github.com/inkline-dev/inkline/internal/mailbox"
	"github.com/inkline-dev/inkline/internal/scheduler"
	"github.com/inkline-dev/inkline/internal/store"
	"github.com/inkline-dev/inkline/pkg/clock"
)

const (
	signingKeyID = "device-signing-key"
	groupKeyID   = "device-group-key"
)

// Device is one device's complete local runtime: its identity, its
// view of the account's signature chain and secret group, the
// document engine, mailbox queue and background scheduler, all wired
// against a relay over HTTP (spec.md §4/§5/§6, end to end).
type Device struct {
	cfg    config.Config
	clk    clock.Clock
	db     *store.DB
	relay  *RelayClient
	bus    *events.Bus
	sched  *scheduler.Scheduler
	docs   *docstore.Store
	secret *secretSource
	memb   *memberVerifier
	mailQ  *mailbox.Queue

	deviceID  string
	accountID string
	signKeys  *icrypto.SigningKeyPair
	signer    *icrypto.Ed25519Signer
	groupKeys group.KeyPair
	chain     *chain.Chain
	group     *group.Group
	revoked   bool
}

// Open opens (or initializes, on first run) a device's local database
// at dbPath and returns a Device ready to provision or resume an
// account. A brand-new database gets a fresh device identity; an
// existing one resumes whatever device/account/chain/group state was
// last persisted.
func Open(ctx context.Context, dbPath string, storageKey []byte, cfg config.Config, clk clock.Clock) (*Device, error) {
	db, err := store.Open(ctx, dbPath, storageKey)
	if err != nil {
		return nil, fmt.Errorf("client: open store: %w", err)
	}

	d := &Device{cfg: cfg, clk: clk, db: db, bus: events.New()}

	settings, err := db.CurrentDeviceSettings(ctx)
	if err != nil {
		// No device provisioned yet in this database.
		if err := d.provisionIdentity(ctx, "device"); err != nil {
			db.Close()
			return nil, err
		}
	} else {
		if err := d.resumeIdentity(ctx, settings); err != nil {
			db.Close()
			return nil, err
		}
	}

	d.relay = NewRelayClient(cfg.RelayURL, d.deviceID, d.signer)
	d.memb = newMemberVerifier()
	d.mailQ = mailbox.New(d.db)
	if d.accountID != "" {
		if err := d.loadAccountState(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	d.wireScheduler()
	return d, nil
}

// provisionIdentity generates a fresh device identity (chain signing
// key plus MLS key material) for a database that has never held one.
func (d *Device) provisionIdentity(ctx context.Context, name string) error {
	signKeys, err := icrypto.GenerateSigningKeyPair()
	if err != nil {
		return fmt.Errorf("client: generate signing key: %w", err)
	}
	groupKeys, err := group.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("client: generate group key: %w", err)
	}
	deviceID := icrypto.IDFromKey(signKeys.Public)

	if err := d.db.PutSigningKey(ctx, signingKeyID, signKeys.Private); err != nil {
		return fmt.Errorf("client: persist signing key: %w", err)
	}
	if err := d.db.PutSigningKey(ctx, groupKeyID, append(append([]byte{}, groupKeys.SigPriv...), groupKeys.InitPriv...)); err != nil {
		return fmt.Errorf("client: persist group key: %w", err)
	}
	if err := d.db.PutDeviceSettings(ctx, store.DeviceSettings{DeviceID: deviceID, DeviceName: name}); err != nil {
		return fmt.Errorf("client: persist device settings: %w", err)
	}

	d.deviceID = deviceID
	d.signKeys = signKeys
	d.signer = icrypto.NewEd25519Signer(signKeys.Private)
	d.groupKeys = groupKeys
	return nil
}

// resumeIdentity rebuilds in-memory key handles from a previously
// provisioned device's stored settings.
func (d *Device) resumeIdentity(ctx context.Context, settings store.DeviceSettings) error {
	signPriv, err := d.db.GetSigningKey(ctx, signingKeyID)
	if err != nil {
		return fmt.Errorf("client: load signing key: %w", err)
	}
	groupBlob, err := d.db.GetSigningKey(ctx, groupKeyID)
	if err != nil {
		return fmt.Errorf("client: load group key: %w", err)
	}
	if len(groupBlob) < 64 {
		return fmt.Errorf("client: group key blob too short")
	}

	d.deviceID = settings.DeviceID
	d.accountID = settings.AccountID
	d.signKeys = &icrypto.SigningKeyPair{Private: signPriv, Public: publicFromPrivate(signPriv)}
	d.signer = icrypto.NewEd25519Signer(signPriv)
	d.groupKeys = group.KeyPair{
		SigPriv:  groupBlob[:ed25519PrivSize],
		InitPriv: groupBlob[ed25519PrivSize:],
	}
	d.groupKeys.SigPub = publicFromPrivate(d.groupKeys.SigPriv)
	return nil
}

// loadAccountState reconstructs the chain and group views for an
// already-attached device.
func (d *Device) loadAccountState(ctx context.Context) error {
	chainBytes, err := d.db.GetSignatureChain(ctx, d.accountID)
	if err != nil {
		return fmt.Errorf("client: load signature chain: %w", err)
	}
	c, err := chain.Unmarshal(chainBytes)
	if err != nil {
		return fmt.Errorf("client: unmarshal signature chain: %w", err)
	}
	if err := d.memb.TrackChain(d.accountID, c); err != nil {
		return err
	}
	d.chain = c

	head, chainHash, err := c.Head()
	if err != nil {
		return fmt.Errorf("client: chain head: %w", err)
	}
	_ = head
	stateBytes, _, err := d.db.GetGroupState(ctx, d.accountID, icrypto.IDFromKey(chainHash))
	if err != nil {
		return fmt.Errorf("client: load group state: %w", err)
	}
	g, err := group.UnmarshalState(stateBytes, d.groupKeys.SigPriv)
	if err != nil {
		return fmt.Errorf("client: unmarshal group state: %w", err)
	}
	d.group = g
	d.secret = newSecretSource(d.db, d.group, d.cfg.SecretGrace(), d.clk)
	d.docs = docstore.New(d.db, d.deviceID, d.secret, d.memb, d.signer, d.clk)
	return nil
}

// persistChainAndGroup writes the current chain and group snapshot
// back to local storage — called after every operation that advances
// either (spec.md §4.1/§4.2: chain and group evolve in lockstep).
func (d *Device) persistChainAndGroup(ctx context.Context) error {
	if err := d.db.PutSignatureChain(ctx, d.accountID, d.chain.Marshal(), []string{d.accountID}); err != nil {
		return fmt.Errorf("client: persist signature chain: %w", err)
	}
	_, chainHash, err := d.chain.Head()
	if err != nil {
		return fmt.Errorf("client: chain head: %w", err)
	}
	accHash := icrypto.AccountsHash([]string{d.accountID})
	if err := d.db.PutGroupState(ctx, d.accountID, icrypto.IDFromKey(chainHash), d.group.Epoch(), d.group.MarshalState(), []byte(accHash)); err != nil {
		return fmt.Errorf("client: persist group state: %w", err)
	}
	return nil
}

func (d *Device) wireScheduler() {
	d.sched = scheduler.New(scheduler.Handlers{
		Sync: d.Sync,
		EmptyBin: func(ctx context.Context) error {
			now := d.clk.Now()
			cutoff := now.Add(-d.cfg.KeyTombstoneGrace())
			if _, err := d.db.PurgeTombstonedSecretsBefore(ctx, cutoff); err != nil {
				return fmt.Errorf("client: purge tombstoned secrets: %w", err)
			}
			if d.docs == nil {
				return nil
			}
			_, err := d.docs.EmptyBin(ctx, nil, d.cfg.BinRetention(), now)
			return err
		},
		ProcessFiles: d.processFiles,
		DownloadFile: d.DownloadFile,
	}, d.bus, 64)
}

// QueueDownloadFile enqueues a background download of blobID attached
// to cardID, reporting completion through the device's event bus
// (events.DownloadCompleted/DownloadFailed) rather than blocking the
// caller (spec.md §4.9 DownloadFile task).
func (d *Device) QueueDownloadFile(ctx context.Context, cardID, blobID string) error {
	return d.sched.Enqueue(ctx, scheduler.Task{Kind: scheduler.KindDownloadFile, CardID: cardID, FileID: blobID})
}

// QueueProcessFiles enqueues a retry pass over cardID's unsynced
// attachments.
func (d *Device) QueueProcessFiles(ctx context.Context, cardID string) error {
	return d.sched.Enqueue(ctx, scheduler.Task{Kind: scheduler.KindProcessFiles, CardID: cardID})
}

// Start launches the background scheduler loop.
func (d *Device) Start(ctx context.Context) { d.sched.Start(ctx) }

// Stop shuts the scheduler down and closes the local database.
func (d *Device) Stop() error {
	d.sched.Stop()
	return d.db.Close()
}

// Events exposes the device's event bus for UI/host subscription.
func (d *Device) Events() *events.Bus { return d.bus }

// DeviceID returns this device's id.
func (d *Device) DeviceID() string { return d.deviceID }

// AccountID returns the account this device is attached to, or "" if
// it has not created or joined one yet.
func (d *Device) AccountID() string { return d.accountID }

// AccountProjection renders the current account-root view.
func (d *Device) AccountProjection(ctx context.Context) (accountview.Account, error) {
	card, err := d.docs.Load(ctx, d.accountID)
	if err != nil {
		return accountview.Account{}, fmt.Errorf("client: load account root: %w", err)
	}
	root := accountview.RootFromFields(d.accountID, card.Doc.Content.Files())
	return root.Project(), nil
}

const ed25519PrivSize = 64

func publicFromPrivate(priv []byte) []byte {
	if len(priv) != ed25519PrivSize {
		return nil
	}
	pub := make([]byte, 32)
	copy(pub, priv[32:])
	return pub
}
