package chain_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inkline-dev/inkline/internal/apperr"
	"github.com/inkline-dev/inkline/internal/chain"
	icrypto "github.com/inkline-dev/inkline/internal/crypto"
)

func genDevice(t *testing.T) (string, *icrypto.SigningKeyPair, *icrypto.Ed25519Signer) {
	t.Helper()
	pair, err := icrypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	deviceID := icrypto.IDFromKey(pair.Public)
	return deviceID, pair, icrypto.NewEd25519Signer(pair.Private)
}

func TestChainGenesisAndVerify(t *testing.T) {
	deviceID, pair, signer := genDevice(t)
	c := chain.New()

	_, err := c.Append(chain.Operation{
		Kind:      chain.OpCreateAccount,
		DevicePkg: chain.DevicePackage{DeviceID: deviceID, SigningPublicKey: pair.Public},
	}, deviceID, signer)
	require.NoError(t, err)

	require.NoError(t, c.Verify())
	members, err := c.Members()
	require.NoError(t, err)
	require.Contains(t, members, deviceID)
}

func TestChainAddAndRemoveDevice(t *testing.T) {
	deviceA, pairA, signerA := genDevice(t)
	deviceB, pairB, _ := genDevice(t)
	c := chain.New()

	_, err := c.Append(chain.Operation{
		Kind:      chain.OpCreateAccount,
		DevicePkg: chain.DevicePackage{DeviceID: deviceA, SigningPublicKey: pairA.Public},
	}, deviceA, signerA)
	require.NoError(t, err)

	_, err = c.Append(chain.Operation{
		Kind:      chain.OpAddDevice,
		DevicePkg: chain.DevicePackage{DeviceID: deviceB, SigningPublicKey: pairB.Public},
	}, deviceA, signerA)
	require.NoError(t, err)
	require.NoError(t, c.Verify())

	members, err := c.Members()
	require.NoError(t, err)
	require.Contains(t, members, deviceB)

	_, err = c.Append(chain.Operation{
		Kind:           chain.OpRemoveDevice,
		RemoveDeviceID: deviceB,
	}, deviceA, signerA)
	require.NoError(t, err)
	require.NoError(t, c.Verify())

	members, err = c.Members()
	require.NoError(t, err)
	require.NotContains(t, members, deviceB)
}

func TestChainRejectsNonMemberAuthor(t *testing.T) {
	deviceA, pairA, signerA := genDevice(t)
	_, _, outsiderSigner := genDevice(t)
	c := chain.New()

	_, err := c.Append(chain.Operation{
		Kind:      chain.OpCreateAccount,
		DevicePkg: chain.DevicePackage{DeviceID: deviceA, SigningPublicKey: pairA.Public},
	}, deviceA, signerA)
	require.NoError(t, err)

	_, err = c.Append(chain.Operation{
		Kind: chain.OpRemoveDevice, RemoveDeviceID: deviceA,
	}, "outsider-device", outsiderSigner)
	require.ErrorIs(t, err, apperr.ErrChainForbidden)
}

func TestChainVerifyDetectsTamperedBlock(t *testing.T) {
	deviceA, pairA, signerA := genDevice(t)
	c := chain.New()
	_, err := c.Append(chain.Operation{
		Kind:      chain.OpCreateAccount,
		DevicePkg: chain.DevicePackage{DeviceID: deviceA, SigningPublicKey: pairA.Public},
	}, deviceA, signerA)
	require.NoError(t, err)

	deviceB, pairB, _ := genDevice(t)
	_, err = c.Append(chain.Operation{
		Kind:      chain.OpAddDevice,
		DevicePkg: chain.DevicePackage{DeviceID: deviceB, SigningPublicKey: pairB.Public},
	}, deviceA, signerA)
	require.NoError(t, err)

	c.Blocks[1].Operation.DevicePkg.DeviceID = "tampered-device"
	err = c.Verify()
	require.Error(t, err)
}

func TestChainVerifyEmptyChain(t *testing.T) {
	c := chain.New()
	err := c.Verify()
	require.ErrorIs(t, err, apperr.ErrChainEmpty)
}

func TestChainRejectsGenesisNotSelfSigned(t *testing.T) {
	deviceA, pairA, signerA := genDevice(t)
	c := chain.New()
	_, err := c.Append(chain.Operation{
		Kind:      chain.OpCreateAccount,
		DevicePkg: chain.DevicePackage{DeviceID: "someone-else", SigningPublicKey: pairA.Public},
	}, deviceA, signerA)
	require.ErrorIs(t, err, apperr.ErrChainForbidden)
}
