package client_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inkline-dev/inkline/internal/client"
	"github.com/inkline-dev/inkline/internal/config"
	icrypto "github.com/inkline-dev/inkline/internal/crypto"
	"github.com/inkline-dev/inkline/pkg/clock"
)

func openTestDevice(t *testing.T, dbPath string) *client.Device {
	t.Helper()
	key, err := icrypto.GenerateKey()
	require.NoError(t, err)
	d, err := client.Open(context.Background(), dbPath, key, config.Defaults(), clock.NewReal())
	require.NoError(t, err)
	t.Cleanup(func() { d.Stop() })
	return d
}

func TestOpenProvisionsFreshIdentity(t *testing.T) {
	d := openTestDevice(t, ":memory:")
	require.NotEmpty(t, d.DeviceID())
	require.Empty(t, d.AccountID())
	require.False(t, d.Revoked())
}

func TestEncodeParseDeviceShareRoundTrip(t *testing.T) {
	d := openTestDevice(t, ":memory:")

	encoded := d.EncodeDeviceShare("my-laptop")
	require.NotEmpty(t, encoded)

	share, err := client.ParseDeviceShare(encoded)
	require.NoError(t, err)
	require.Equal(t, d.DeviceID(), share.KeyPackage.DeviceID)
	require.Equal(t, "my-laptop", share.DeviceName)
}

func TestParseDeviceShareRejectsGarbage(t *testing.T) {
	_, err := client.ParseDeviceShare("not-a-valid-base58-share-!!!")
	require.Error(t, err)
}

func TestResumeIdentityAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "device.db")
	key, err := icrypto.GenerateKey()
	require.NoError(t, err)

	first, err := client.Open(context.Background(), dbPath, key, config.Defaults(), clock.NewReal())
	require.NoError(t, err)
	deviceID := first.DeviceID()
	require.NoError(t, first.Stop())

	second, err := client.Open(context.Background(), dbPath, key, config.Defaults(), clock.NewReal())
	require.NoError(t, err)
	t.Cleanup(func() { second.Stop() })

	require.Equal(t, deviceID, second.DeviceID())
}

func TestRemoveDeviceRejectsSelfAndBareDevice(t *testing.T) {
	d := openTestDevice(t, ":memory:")

	err := d.RemoveDevice(context.Background(), d.DeviceID())
	require.Error(t, err)

	err = d.RemoveDevice(context.Background(), "some-other-device")
	require.Error(t, err)
}
