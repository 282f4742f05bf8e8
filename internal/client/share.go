package client

import (
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/inkline-dev/inkline/internal/group"
	"github.com/inkline-dev/inkline/internal/wire"
)

// EncodeDeviceShare renders this device's key package and a display
// name as the base58 string an out-of-band transport (QR code, paste
// link) carries to an inviter (SPEC_FULL.md supplemented feature 1;
// spec.md §4.7 Attach: "consumes a device-share (key package + name
// encoded in base58)"). AttachDevice itself still fetches the
// joiner's key package from the relay directly once it has landed;
// this encoding exists for the moment before that publish is known
// to have propagated, and for UI flows that never touch the relay at
// all until the share is scanned.
func (d *Device) EncodeDeviceShare(name string) string {
	kp := group.BuildKeyPackage(d.deviceID, group.CiphersuiteX25519AESGCMSHA256Ed25519, d.groupKeys)
	share := wire.DeviceShare{
		KeyPackage: wire.KeyPackage{
			DeviceID:    kp.DeviceID,
			Ciphersuite: uint32(kp.Ciphersuite),
			SigPub:      kp.SigPub,
			InitPub:     kp.InitPub,
		},
		DeviceName: name,
	}
	return base58.Encode(share.Marshal())
}

// ParseDeviceShare decodes a device-share string produced by
// EncodeDeviceShare.
func ParseDeviceShare(encoded string) (wire.DeviceShare, error) {
	raw, err := base58.Decode(encoded)
	if err != nil {
		return wire.DeviceShare{}, fmt.Errorf("client: decode device share: %w", err)
	}
	share, err := wire.UnmarshalDeviceShare(raw)
	if err != nil {
		return wire.DeviceShare{}, fmt.Errorf("client: unmarshal device share: %w", err)
	}
	return share, nil
}
