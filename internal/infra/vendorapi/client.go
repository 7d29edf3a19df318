// Package vendorapi is the HTTP client for the endpoint-management vendor's
// v3 integration API: live response sessions, remote command execution,
// file transfer and device directory lookups.
package vendorapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/varlogsec/cbsweep/pkg/common"
	"github.com/varlogsec/cbsweep/pkg/common/logger"
)

// Session states the vendor reports while a live response session spins up.
const (
	SessionStatusPending = "PENDING"
	SessionStatusActive  = "ACTIVE"
)

// CommandStatusComplete is the vendor's terminal state for a session command.
const CommandStatusComplete = "complete"

// Session identifies one live response session on a device.
type Session struct {
	ID     string
	Status string
}

// CommandState is the polled state of one session command. FileID is only
// populated for get-file commands once the collected file is staged.
type CommandState struct {
	Status string
	FileID string
}

// DeviceSummary is one row of the vendor's device directory listing. Check-in
// timestamps arrive as separate date and time strings.
type DeviceSummary struct {
	DeviceName      string `json:"deviceName"`
	PolicyName      string `json:"policyName"`
	LastCheckInDate string `json:"lastCheckInDate"`
	LastCheckInTime string `json:"lastCheckInTime"`
}

// checkInLayout matches the concatenated lastCheckInDate + lastCheckInTime
// fields of the directory listing.
const checkInLayout = "20060102 150405"

// LastCheckIn parses the summary's check-in timestamp. ok is false when the
// vendor omitted one or the value does not parse.
func (d DeviceSummary) LastCheckIn() (time.Time, bool) {
	t, err := time.Parse(checkInLayout, d.LastCheckInDate+" "+d.LastCheckInTime)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// DeviceDetail is the vendor's full record for one device, returned by the
// exact-hostname lookup.
type DeviceDetail struct {
	Name                  string `json:"name"`
	DeviceID              int64  `json:"deviceId"`
	DeviceType            string `json:"deviceType"`
	OSVersion             string `json:"osVersion"`
	LastInternalIPAddress string `json:"lastInternalIpAddress"`
}

// Client calls the vendor's v3 integration API. All calls are rate limited,
// traced and bounded by the injected http.Client's timeout. TLS verification
// is whatever the injected client does; the launchers install a verifying
// transport.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	authToken   string
	rateLimiter *common.RateLimiter

	log    *logger.Logger
	tracer trace.Tracer
}

// NewClient creates a vendor API client. The API key and connector id are
// joined into the X-Auth-Token header value the vendor expects.
func NewClient(
	httpClient *http.Client,
	baseURL, apiKey, connectorID string,
	rateLimiter *common.RateLimiter,
	log *logger.Logger,
	tracer trace.Tracer,
) *Client {
	return &Client{
		httpClient:  httpClient,
		baseURL:     strings.TrimRight(baseURL, "/"),
		authToken:   apiKey + "/" + connectorID,
		rateLimiter: rateLimiter,
		log:         log.With("component", "vendorapi_client"),
		tracer:      tracer,
	}
}

// OpenSession requests a live response session on a device. The returned
// session is usually PENDING; callers poll SessionStatus until ACTIVE.
func (c *Client) OpenSession(ctx context.Context, deviceID int64) (Session, error) {
	ctx, span := c.tracer.Start(ctx, "vendorapi.open_session",
		trace.WithAttributes(attribute.Int64("device_id", deviceID)))
	defer span.End()

	var result struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/integrationServices/v3/cblr/session/%d", deviceID), nil, &result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to open session")
		return Session{}, fmt.Errorf("failed to open session for device %d: %w", deviceID, err)
	}

	span.SetAttributes(attribute.String("session_id", result.ID), attribute.String("session_status", result.Status))
	return Session{ID: result.ID, Status: result.Status}, nil
}

// SessionStatus reports the current state of a session.
func (c *Client) SessionStatus(ctx context.Context, sessionID string) (Session, error) {
	ctx, span := c.tracer.Start(ctx, "vendorapi.session_status",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	var result struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/integrationServices/v3/cblr/session/"+url.PathEscape(sessionID), nil, &result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get session status")
		return Session{}, fmt.Errorf("failed to get status of session %s: %w", sessionID, err)
	}
	return Session{ID: result.ID, Status: result.Status}, nil
}

// CloseSession asks the vendor to tear down a session. Close failures are
// reported but sessions also expire server-side, so callers treat them as
// non-fatal.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	ctx, span := c.tracer.Start(ctx, "vendorapi.close_session",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	body := map[string]string{"session_id": sessionID, "status": "CLOSE"}
	if err := c.doJSON(ctx, http.MethodPut, "/integrationServices/v3/cblr/session", body, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close session")
		return fmt.Errorf("failed to close session %s: %w", sessionID, err)
	}
	return nil
}

// ExecuteCommand starts a process on the session's host and returns the
// vendor command id to poll.
func (c *Client) ExecuteCommand(ctx context.Context, sessionID, command string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "vendorapi.execute_command",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	body := map[string]string{
		"session_id": sessionID,
		"name":       "create process",
		"wait":       "true",
		"object":     command,
	}
	id, err := c.postCommand(ctx, sessionID, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to execute command")
		return "", fmt.Errorf("failed to execute command on session %s: %w", sessionID, err)
	}
	return id, nil
}

// CommandStatus polls one session command. The file id is only set once a
// get-file command completes.
func (c *Client) CommandStatus(ctx context.Context, sessionID, commandID string) (CommandState, error) {
	ctx, span := c.tracer.Start(ctx, "vendorapi.command_status",
		trace.WithAttributes(
			attribute.String("session_id", sessionID),
			attribute.String("command_id", commandID),
		))
	defer span.End()

	var result struct {
		Status string `json:"status"`
		FileID string `json:"file_id"`
	}
	path := fmt.Sprintf("/integrationServices/v3/cblr/session/%s/command/%s",
		url.PathEscape(sessionID), url.PathEscape(commandID))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &result); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get command status")
		return CommandState{}, fmt.Errorf("failed to get status of command %s: %w", commandID, err)
	}
	return CommandState{Status: result.Status, FileID: result.FileID}, nil
}

// RequestFile starts a get-file command for a host-side path and returns the
// command id to poll. The collected file's id appears in the command status
// once complete.
func (c *Client) RequestFile(ctx context.Context, sessionID, remotePath string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "vendorapi.request_file",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	body := map[string]string{
		"session_id": sessionID,
		"name":       "get file",
		"object":     remotePath,
	}
	id, err := c.postCommand(ctx, sessionID, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to request file")
		return "", fmt.Errorf("failed to request file from session %s: %w", sessionID, err)
	}
	return id, nil
}

// DeleteFile starts a delete-file command for a host-side path. The engine
// fires this as cleanup and does not poll it.
func (c *Client) DeleteFile(ctx context.Context, sessionID, remotePath string) error {
	ctx, span := c.tracer.Start(ctx, "vendorapi.delete_file",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	body := map[string]string{
		"session_id": sessionID,
		"name":       "delete file",
		"object":     remotePath,
	}
	if _, err := c.postCommand(ctx, sessionID, body); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete file")
		return fmt.Errorf("failed to delete file on session %s: %w", sessionID, err)
	}
	return nil
}

// UploadFile stages a local file on the vendor server for the session and
// returns the vendor file id.
func (c *Client) UploadFile(ctx context.Context, sessionID, localPath string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "vendorapi.upload_file",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	f, err := os.Open(localPath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to open upload file")
		return "", fmt.Errorf("failed to open upload file %s: %w", localPath, err)
	}
	defer f.Close()

	var buf strings.Builder
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(localPath))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to build multipart body")
		return "", fmt.Errorf("failed to build multipart body: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read upload file")
		return "", fmt.Errorf("failed to read upload file %s: %w", localPath, err)
	}
	if err := mw.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to finalize multipart body")
		return "", fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	if err := c.rateLimiter.Wait(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rate limiter wait failed")
		return "", fmt.Errorf("rate limiter wait failed: %w", err)
	}

	reqURL := c.baseURL + "/integrationServices/v3/cblr/session/" + url.PathEscape(sessionID) + "/file"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(buf.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create request")
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("X-Auth-Token", c.authToken)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("non-200 response from vendor API (status: %d)", resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "non-200 response")
		return "", err
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode response")
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	return result.ID, nil
}

// PutFile starts a put-file command that places a staged file onto the host
// at remotePath, returning the command id to poll.
func (c *Client) PutFile(ctx context.Context, sessionID, fileID, remotePath string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "vendorapi.put_file",
		trace.WithAttributes(
			attribute.String("session_id", sessionID),
			attribute.String("file_id", fileID),
		))
	defer span.End()

	body := map[string]string{
		"file_id": fileID,
		"name":    "put file",
		"object":  remotePath,
	}
	id, err := c.postCommand(ctx, sessionID, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put file")
		return "", fmt.Errorf("failed to put file on session %s: %w", sessionID, err)
	}
	return id, nil
}

// DownloadFile streams a collected file's content to w.
func (c *Client) DownloadFile(ctx context.Context, sessionID, fileID string, w io.Writer) error {
	ctx, span := c.tracer.Start(ctx, "vendorapi.download_file",
		trace.WithAttributes(
			attribute.String("session_id", sessionID),
			attribute.String("file_id", fileID),
		))
	defer span.End()

	if err := c.rateLimiter.Wait(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rate limiter wait failed")
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}

	reqURL := fmt.Sprintf("%s/integrationServices/v3/cblr/session/%s/file/%s/content",
		c.baseURL, url.PathEscape(sessionID), url.PathEscape(fileID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create request")
		return fmt.Errorf("failed to create download request: %w", err)
	}
	req.Header.Set("X-Auth-Token", c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("non-200 response from vendor API (status: %d)", resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "non-200 response")
		return err
	}

	written, err := io.Copy(w, resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to stream file content")
		return fmt.Errorf("failed to stream file %s: %w", fileID, err)
	}
	span.SetAttributes(attribute.Int64("bytes_written", written))
	return nil
}

// DeviceLastReported returns a device's last check-in time. ok is false when
// the vendor has no timestamp recorded for the device.
func (c *Client) DeviceLastReported(ctx context.Context, deviceID int64) (time.Time, bool, error) {
	ctx, span := c.tracer.Start(ctx, "vendorapi.device_last_reported",
		trace.WithAttributes(attribute.Int64("device_id", deviceID)))
	defer span.End()

	var result struct {
		Success    bool `json:"success"`
		DeviceInfo struct {
			LastReportedTime int64 `json:"lastReportedTime"`
		} `json:"deviceInfo"`
	}
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/integrationServices/v3/device/%d", deviceID), nil, &result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get device last reported time")
		return time.Time{}, false, fmt.Errorf("failed to get last reported time for device %d: %w", deviceID, err)
	}

	if !result.Success || result.DeviceInfo.LastReportedTime == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(result.DeviceInfo.LastReportedTime).UTC(), true, nil
}

// ListDevices returns every device registered to the tenant.
func (c *Client) ListDevices(ctx context.Context) ([]DeviceSummary, error) {
	ctx, span := c.tracer.Start(ctx, "vendorapi.list_devices")
	defer span.End()

	var result struct {
		Results []DeviceSummary `json:"results"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/integrationServices/v3/device/all?fileFormat=json", nil, &result); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list devices")
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	span.SetAttributes(attribute.Int("device_count", len(result.Results)))
	return result.Results, nil
}

// DeviceByName looks up one device by exact hostname. It returns nil when the
// vendor has no matching device.
func (c *Client) DeviceByName(ctx context.Context, hostname string) (*DeviceDetail, error) {
	ctx, span := c.tracer.Start(ctx, "vendorapi.device_by_name",
		trace.WithAttributes(attribute.String("hostname", hostname)))
	defer span.End()

	var result struct {
		Results []DeviceDetail `json:"results"`
	}
	path := "/integrationServices/v3/device?hostNameExact=" + url.QueryEscape(hostname)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &result); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to look up device")
		return nil, fmt.Errorf("failed to look up device %s: %w", hostname, err)
	}

	if len(result.Results) == 0 {
		return nil, nil
	}
	return &result.Results[0], nil
}

// postCommand posts a session command body and returns the vendor-assigned
// command id.
func (c *Client) postCommand(ctx context.Context, sessionID string, body map[string]string) (string, error) {
	var result struct {
		ID json.Number `json:"id"`
	}
	path := "/integrationServices/v3/cblr/session/" + url.PathEscape(sessionID) + "/command"
	if err := c.doJSON(ctx, http.MethodPost, path, body, &result); err != nil {
		return "", err
	}
	return result.ID.String(), nil
}

// doJSON performs one rate-limited JSON request. out may be nil when the
// caller does not need the response body.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Auth-Token", c.authToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("non-200 response from vendor API (status: %d): %s", resp.StatusCode, string(data))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
