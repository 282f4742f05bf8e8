// Package client wires the previously standalone internal packages —
// chain, group, docstore, mailbox, blob, scheduler, accountview and
// the local store — into the device-facing API a cmd/inkline-device
// process drives: account creation, device attachment, and the
// background sync loop against a relay (spec.md §6 transport).
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/inkline-dev/inkline/internal/apperr"
	icrypto "github.com/inkline-dev/inkline/internal/crypto"
	"github.com/inkline-dev/inkline/internal/mailbox"
	"github.com/inkline-dev/inkline/internal/relay"
	"github.com/inkline-dev/inkline/internal/wire"
)

// RelayClient is the device-side HTTP counterpart to internal/relay's
// router: every request is signed the way relay.authMiddleware expects
// (relay.SignRequest over timestamp||METHOD||path||query), and
// multi-message responses are split back apart with wire.ReadFramed.
// It implements docstore.Pusher/Fetcher, mailbox.Pusher/Fetcher and
// blob.Presigner/Transport so the sync loop can depend on those narrow
// interfaces instead of this concrete type.
type RelayClient struct {
	baseURL  string
	deviceID string
	signer   icrypto.Signer
	http     *http.Client
}

// NewRelayClient returns a client for the relay at baseURL, signing
// every request as deviceID.
func NewRelayClient(baseURL, deviceID string, signer icrypto.Signer) *RelayClient {
	return &RelayClient{baseURL: baseURL, deviceID: deviceID, signer: signer, http: &http.Client{}}
}

func (c *RelayClient) do(ctx context.Context, method, path string, query url.Values, body []byte) (*http.Response, error) {
	fullURL := c.baseURL + path
	var rawQuery string
	if len(query) > 0 {
		rawQuery = query.Encode()
		fullURL += "?" + rawQuery
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	timestamp, signature := relay.SignRequest(c.signer, method, path, rawQuery)
	req.Header.Set("device-id", c.deviceID)
	req.Header.Set("timestamp", timestamp)
	req.Header.Set("signature", signature)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	return resp, nil
}

// requestBytes issues a request and returns the raw response body,
// translating a non-2xx status into a typed apperr where the relay's
// own error taxonomy applies (spec.md §6: counter conflicts surface as
// HTTP 409, mapped back to apperr.ErrCounterConflict).
func (c *RelayClient) requestBytes(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	resp, err := c.do(ctx, method, path, query, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("client: read response: %w", err)
	}
	if resp.StatusCode == http.StatusConflict {
		return nil, apperr.ErrCounterConflict
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, apperr.ErrNotFound
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, apperr.ErrChainForbidden
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("client: %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}
	return data, nil
}

func (c *RelayClient) requestFramed(ctx context.Context, method, path string, query url.Values, body []byte) ([][]byte, error) {
	resp, err := c.do(ctx, method, path, query, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, apperr.ErrChainForbidden
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("client: %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}
	return wire.ReadFramed(resp.Body)
}

// PushKeyPackage publishes this device's MLS key package, the
// bootstrapping call a brand-new device makes before it has a
// credential the relay recognizes (spec.md §4.2/§6).
func (c *RelayClient) PushKeyPackage(ctx context.Context, pkg wire.KeyPackage) error {
	_, err := c.requestBytes(ctx, http.MethodPost, "/api/key-package", nil, pkg.Marshal())
	return err
}

// ListKeyPackages fetches every key package a device has published,
// used when another device wants to add it to the account's group.
func (c *RelayClient) ListKeyPackages(ctx context.Context, deviceID string) ([]wire.KeyPackage, error) {
	frames, err := c.requestFramed(ctx, http.MethodGet, "/api/device/"+url.PathEscape(deviceID)+"/packages", nil, nil)
	if err != nil {
		return nil, err
	}
	out := make([]wire.KeyPackage, 0, len(frames))
	for _, f := range frames {
		pkg, err := wire.UnmarshalKeyPackage(f)
		if err != nil {
			return nil, fmt.Errorf("client: unmarshal key package: %w", err)
		}
		out = append(out, pkg)
	}
	return out, nil
}

// PushChain publishes accountID's signature chain plus the device ids
// it currently names (spec.md §4.1/§6).
func (c *RelayClient) PushChain(ctx context.Context, accountID string, chainBytes []byte, deviceIDs []string) error {
	push := wire.AccountChainPush{Chain: chainBytes, DeviceIDs: deviceIDs}
	_, err := c.requestBytes(ctx, http.MethodPut, "/api/account/"+url.PathEscape(accountID)+"/chain", nil, push.Marshal())
	return err
}

// FetchAccount returns accountID's chain bytes and every key package
// belonging to its current devices — the contract handleListAccountDevices
// serves framed.
func (c *RelayClient) FetchAccount(ctx context.Context, accountID string) (chainBytes []byte, devicePackages []wire.KeyPackage, err error) {
	frames, err := c.requestFramed(ctx, http.MethodGet, "/api/account/"+url.PathEscape(accountID)+"/devices", nil, nil)
	if err != nil {
		return nil, nil, err
	}
	if len(frames) == 0 {
		return nil, nil, nil
	}
	chainBytes = frames[0]
	for _, f := range frames[1:] {
		pkg, err := wire.UnmarshalKeyPackage(f)
		if err != nil {
			return nil, nil, fmt.Errorf("client: unmarshal key package: %w", err)
		}
		devicePackages = append(devicePackages, pkg)
	}
	return chainBytes, devicePackages, nil
}

// PushDoc implements docstore.Pusher.
func (c *RelayClient) PushDoc(ctx context.Context, payload []byte) error {
	_, err := c.requestBytes(ctx, http.MethodPost, "/api/docs", nil, payload)
	return err
}

// DocVersion implements docstore.Pusher.
func (c *RelayClient) DocVersion(ctx context.Context, docID, authorDeviceID string) (uint64, error) {
	path := "/api/docs/version/" + url.PathEscape(docID) + "/" + url.PathEscape(authorDeviceID)
	data, err := c.requestBytes(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("client: doc version response: want 8 bytes, got %d", len(data))
	}
	var counter uint64
	for _, b := range data {
		counter = counter<<8 | uint64(b)
	}
	return counter, nil
}

// FetchDocs implements docstore.Fetcher (pull.go's Fetcher interface).
func (c *RelayClient) FetchDocs(ctx context.Context, clock map[string]uint64) ([][]byte, error) {
	body := wire.DeviceVectorClock{Counters: clock}.Marshal()
	return c.requestFramed(ctx, http.MethodPost, "/api/docs/list", nil, body)
}

// Push implements mailbox.Pusher.
func (c *RelayClient) Push(ctx context.Context, deviceID string, messages []mailbox.Message) ([]string, error) {
	var accepted []string
	for _, m := range messages {
		msg := wire.PushMailbox{ID: m.ID, RecipientDeviceID: deviceID, Message: m.Body, CreatedAtSec: m.CreatedAtSec, CreatedAtNano: m.CreatedAtNano}
		if _, err := c.requestBytes(ctx, http.MethodPost, "/api/mailbox", nil, msg.Marshal()); err != nil {
			return accepted, err
		}
		accepted = append(accepted, m.ID)
	}
	return accepted, nil
}

// Fetch implements mailbox.Fetcher.
func (c *RelayClient) Fetch(ctx context.Context, deviceID string) ([]mailbox.Message, error) {
	frames, err := c.requestFramed(ctx, http.MethodGet, "/api/mailbox", nil, nil)
	if err != nil {
		return nil, err
	}
	out := make([]mailbox.Message, 0, len(frames))
	for _, f := range frames {
		msg, err := wire.UnmarshalPushMailbox(f)
		if err != nil {
			return nil, fmt.Errorf("client: unmarshal mailbox message: %w", err)
		}
		out = append(out, mailbox.Message{ID: msg.ID, Body: msg.Message, CreatedAtSec: msg.CreatedAtSec, CreatedAtNano: msg.CreatedAtNano})
	}
	return out, nil
}

// Ack implements mailbox.Fetcher.
func (c *RelayClient) Ack(ctx context.Context, deviceID string, messageIDs []string) error {
	for _, id := range messageIDs {
		if _, err := c.requestBytes(ctx, http.MethodDelete, "/api/mailbox/ack/"+url.PathEscape(id), nil, nil); err != nil {
			return err
		}
	}
	return nil
}

// PresignUpload implements blob.Presigner.
func (c *RelayClient) PresignUpload(ctx context.Context, blobID string, contentLength int64) (string, error) {
	req := wire.PresignUpload{BlobID: blobID, SizeBytes: contentLength}
	data, err := c.requestBytes(ctx, http.MethodPut, "/api/blobs/upload", nil, req.Marshal())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// PresignDownload implements blob.Presigner.
func (c *RelayClient) PresignDownload(ctx context.Context, blobID, deviceID, docID string) (string, error) {
	req := wire.PresignDownload{BlobID: blobID, DeviceID: deviceID, DocID: docID}
	data, err := c.requestBytes(ctx, http.MethodPut, "/api/blobs/download", nil, req.Marshal())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Put implements blob.Transport.
func (c *RelayClient) Put(ctx context.Context, rawURL string, contentLength int64, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, rawURL, body)
	if err != nil {
		return fmt.Errorf("client: build blob put: %w", err)
	}
	req.ContentLength = contentLength
	req.Header.Set("Content-Length", strconv.FormatInt(contentLength, 10))
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: blob put: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("client: blob put: status %d", resp.StatusCode)
	}
	return nil
}

// Get implements blob.Transport.
func (c *RelayClient) Get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("client: build blob get: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: blob get: %w", err)
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("client: blob get: status %d", resp.StatusCode)
	}
	return resp.Body, nil
}
