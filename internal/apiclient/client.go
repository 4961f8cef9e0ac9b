// Package apiclient talks to the server's HTTP API: registration, login,
// prekey distribution, message submission, and the attachment blob store.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/rhelsing/obscura/internal/wire"
)

// ErrNotFound is returned for 404 responses.
var ErrNotFound = errors.New("apiclient: not found")

// ErrConflict is returned for 409 responses, e.g. a replayed link code.
var ErrConflict = errors.New("apiclient: conflict")

// statusError carries a non-2xx response status.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Body)
}

// Client is the HTTP API client. Safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
	logger  *log.Logger
}

// New creates a client for the given base URL.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  log.New(os.Stdout, "[API] ", log.Ldate|log.Ltime|log.LUTC),
	}
}

// SetToken installs the bearer token used on authenticated calls.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	return c.token
}

// TokenExpiresWithin reports whether the bearer token expires within d. The
// claims are parsed without verification; the server remains the authority.
func (c *Client) TokenExpiresWithin(d time.Duration) bool {
	if c.token == "" {
		return true
	}
	token, _, err := jwt.NewParser().ParseUnverified(c.token, jwt.MapClaims{})
	if err != nil {
		return true
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Until(exp.Time) < d
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte) ([]byte, error) {
	var out []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			out = data
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("%w: %s %s", ErrNotFound, method, path))
		case resp.StatusCode == http.StatusConflict:
			return backoff.Permanent(fmt.Errorf("%w: %s %s", ErrConflict, method, path))
		case resp.StatusCode >= 500:
			return &statusError{Status: resp.StatusCode, Body: string(data)}
		default:
			return backoff.Permanent(&statusError{Status: resp.StatusCode, Body: string(data)})
		}
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(2*time.Minute)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, dest any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	data, err := c.do(ctx, http.MethodPost, path, "application/json", body)
	if err != nil {
		return err
	}
	if dest != nil && len(data) > 0 {
		return json.Unmarshal(data, dest)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, dest any) error {
	data, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// Register creates the account and publishes the initial key material.
func (c *Client) Register(ctx context.Context, req *RegisterRequest) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.postJSON(ctx, "/v1/users", req, &resp); err != nil {
		return nil, fmt.Errorf("registration failed: %w", err)
	}
	c.token = resp.AccessToken
	return &resp, nil
}

// Login authenticates and installs the returned bearer token.
func (c *Client) Login(ctx context.Context, username, password string) (*AuthResponse, error) {
	var resp AuthResponse
	req := &LoginRequest{Username: username, Password: password}
	if err := c.postJSON(ctx, "/v1/sessions", req, &resp); err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}
	c.token = resp.AccessToken
	return &resp, nil
}

// GetPreKeyBundle fetches a peer device's prekey bundle. The server removes
// the returned one-time prekey from the peer's supply.
func (c *Client) GetPreKeyBundle(ctx context.Context, userID string, deviceID uint32) (*PreKeyBundleResponse, error) {
	var resp PreKeyBundleResponse
	path := fmt.Sprintf("/v1/keys/%s?device=%d", userID, deviceID)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch prekey bundle for %s: %w", userID, err)
	}
	return &resp, nil
}

// UploadPreKeys publishes replenished one-time prekeys.
func (c *Client) UploadPreKeys(ctx context.Context, preKeys []PreKeyUpload) error {
	req := &UploadPreKeysRequest{PreKeys: preKeys}
	if err := c.postJSON(ctx, "/v1/keys", req, nil); err != nil {
		return fmt.Errorf("prekey upload failed: %w", err)
	}
	return nil
}

// SendMessage posts one encrypted envelope to a recipient device.
func (c *Client) SendMessage(ctx context.Context, recipientID string, deviceID uint32, msg *wire.EncryptedMessage) error {
	path := fmt.Sprintf("/v1/messages/%s?device=%d", recipientID, deviceID)
	if _, err := c.do(ctx, http.MethodPost, path, "application/x-protobuf", msg.Marshal()); err != nil {
		return fmt.Errorf("message send to %s.%d failed: %w", recipientID, deviceID, err)
	}
	return nil
}

// UploadAttachment uploads a single-part ciphertext and returns the
// server-assigned attachment id.
func (c *Client) UploadAttachment(ctx context.Context, ciphertext []byte) (string, error) {
	data, err := c.do(ctx, http.MethodPost, "/v1/attachments", "application/octet-stream", ciphertext)
	if err != nil {
		return "", fmt.Errorf("attachment upload failed: %w", err)
	}
	var resp AttachmentResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", err
	}
	return resp.AttachmentID, nil
}

// AllocateAttachment reserves an attachment id for a chunked upload.
func (c *Client) AllocateAttachment(ctx context.Context) (string, error) {
	var resp AttachmentResponse
	if err := c.postJSON(ctx, "/v1/attachments/allocate", struct{}{}, &resp); err != nil {
		return "", fmt.Errorf("attachment allocation failed: %w", err)
	}
	return resp.AttachmentID, nil
}

// UploadAttachmentChunk uploads one chunk of a chunked attachment.
func (c *Client) UploadAttachmentChunk(ctx context.Context, attachmentID string, chunkIndex, totalChunks int, chunk []byte) error {
	path := fmt.Sprintf("/v1/attachments/%s/chunks/%d?total=%d", attachmentID, chunkIndex, totalChunks)
	if _, err := c.do(ctx, http.MethodPut, path, "application/octet-stream", chunk); err != nil {
		return fmt.Errorf("chunk %d/%d upload failed: %w", chunkIndex+1, totalChunks, err)
	}
	return nil
}

// DownloadAttachment fetches a single-part attachment ciphertext.
func (c *Client) DownloadAttachment(ctx context.Context, attachmentID string) ([]byte, error) {
	data, err := c.do(ctx, http.MethodGet, "/v1/attachments/"+attachmentID, "", nil)
	if err != nil {
		return nil, fmt.Errorf("attachment download failed: %w", err)
	}
	return data, nil
}

// DownloadAttachmentChunk fetches one chunk of a chunked attachment.
func (c *Client) DownloadAttachmentChunk(ctx context.Context, attachmentID string, chunkIndex int) ([]byte, error) {
	path := fmt.Sprintf("/v1/attachments/%s/chunks/%d", attachmentID, chunkIndex)
	data, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, fmt.Errorf("chunk %d download failed: %w", chunkIndex, err)
	}
	return data, nil
}

// LookupUser resolves a username to its canonical user id and devices.
func (c *Client) LookupUser(ctx context.Context, username string) (*UserLookupResponse, error) {
	var resp UserLookupResponse
	if err := c.getJSON(ctx, "/v1/users/"+username, &resp); err != nil {
		return nil, fmt.Errorf("user lookup for %s failed: %w", username, err)
	}
	return &resp, nil
}

// PublishLinkChallenge publishes a link code from a not-yet-linked device.
func (c *Client) PublishLinkChallenge(ctx context.Context, req *LinkChallengeRequest) error {
	if err := c.postJSON(ctx, "/v1/devices/link", req, nil); err != nil {
		return fmt.Errorf("link challenge publish failed: %w", err)
	}
	return nil
}

// ApproveLinkChallenge consumes a link code from an approved device and
// returns the pending device's registration. A replayed code yields
// ErrConflict.
func (c *Client) ApproveLinkChallenge(ctx context.Context, code string) (*LinkedDeviceResponse, error) {
	var resp LinkedDeviceResponse
	if err := c.postJSON(ctx, "/v1/devices/link/"+code+"/approve", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListDevices returns the account's registered devices.
func (c *Client) ListDevices(ctx context.Context) ([]DeviceRecord, error) {
	var resp struct {
		Devices []DeviceRecord `json:"devices"`
	}
	if err := c.getJSON(ctx, "/v1/devices", &resp); err != nil {
		return nil, fmt.Errorf("device list failed: %w", err)
	}
	return resp.Devices, nil
}

// Unlink removes this device's registration server-side.
func (c *Client) Unlink(ctx context.Context, deviceUUID string) error {
	if _, err := c.do(ctx, http.MethodDelete, "/v1/devices/"+deviceUUID, "", nil); err != nil {
		return fmt.Errorf("unlink failed: %w", err)
	}
	return nil
}
