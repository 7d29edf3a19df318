package vendorapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/varlogsec/cbsweep/pkg/common"
	"github.com/varlogsec/cbsweep/pkg/common/logger"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(srv.Client(), srv.URL, "api-key", "connector-id",
		common.NewRateLimiter(1000, 1000), logger.Noop(),
		noop.NewTracerProvider().Tracer("test"))
}

func TestClient_OpenSession(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/integrationServices/v3/cblr/session/101", r.URL.Path)
		assert.Equal(t, "api-key/connector-id", r.Header.Get("X-Auth-Token"))
		fmt.Fprint(w, `{"id": "101:7", "status": "PENDING"}`)
	}))

	session, err := client.OpenSession(context.Background(), 101)
	require.NoError(t, err)
	assert.Equal(t, Session{ID: "101:7", Status: SessionStatusPending}, session)
}

func TestClient_SessionStatus(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/integrationServices/v3/cblr/session/101:7", r.URL.Path)
		fmt.Fprint(w, `{"id": "101:7", "status": "ACTIVE"}`)
	}))

	session, err := client.SessionStatus(context.Background(), "101:7")
	require.NoError(t, err)
	assert.Equal(t, SessionStatusActive, session.Status)
}

func TestClient_CloseSession(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/integrationServices/v3/cblr/session", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]string{"session_id": "101:7", "status": "CLOSE"}, body)
		fmt.Fprint(w, `{"id": "101:7", "status": "CLOSE"}`)
	}))

	require.NoError(t, client.CloseSession(context.Background(), "101:7"))
}

func TestClient_ExecuteCommand(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/integrationServices/v3/cblr/session/101:7/command", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "create process", body["name"])
		assert.Equal(t, "whoami /all", body["object"])
		assert.Equal(t, "true", body["wait"])

		// The vendor returns command ids as bare numbers.
		fmt.Fprint(w, `{"id": 12, "status": "pending"}`)
	}))

	id, err := client.ExecuteCommand(context.Background(), "101:7", "whoami /all")
	require.NoError(t, err)
	assert.Equal(t, "12", id)
}

func TestClient_CommandStatus(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/integrationServices/v3/cblr/session/101:7/command/12", r.URL.Path)
		fmt.Fprint(w, `{"status": "complete", "file_id": "f-9"}`)
	}))

	state, err := client.CommandStatus(context.Background(), "101:7", "12")
	require.NoError(t, err)
	assert.Equal(t, CommandState{Status: CommandStatusComplete, FileID: "f-9"}, state)
}

func TestClient_RequestFile(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "get file", body["name"])
		assert.Equal(t, `C:\results\out.txt`, body["object"])
		fmt.Fprint(w, `{"id": 13}`)
	}))

	id, err := client.RequestFile(context.Background(), "101:7", `C:\results\out.txt`)
	require.NoError(t, err)
	assert.Equal(t, "13", id)
}

func TestClient_DeleteFile(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "delete file", body["name"])
		assert.Equal(t, `C:\Windows\Temp\collector.exe`, body["object"])
		fmt.Fprint(w, `{"id": 14}`)
	}))

	require.NoError(t, client.DeleteFile(context.Background(), "101:7", `C:\Windows\Temp\collector.exe`))
}

func TestClient_UploadFile(t *testing.T) {
	t.Parallel()

	localPath := filepath.Join(t.TempDir(), "collector.exe")
	require.NoError(t, os.WriteFile(localPath, []byte("tool bytes"), 0o644))

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/integrationServices/v3/cblr/session/101:7/file", r.URL.Path)

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "collector.exe", header.Filename)

		data, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, "tool bytes", string(data))

		fmt.Fprint(w, `{"id": "f-1"}`)
	}))

	fileID, err := client.UploadFile(context.Background(), "101:7", localPath)
	require.NoError(t, err)
	assert.Equal(t, "f-1", fileID)
}

func TestClient_PutFile(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "put file", body["name"])
		assert.Equal(t, "f-1", body["file_id"])
		assert.Equal(t, `C:\Windows\Temp\collector.exe`, body["object"])
		fmt.Fprint(w, `{"id": 15}`)
	}))

	id, err := client.PutFile(context.Background(), "101:7", "f-1", `C:\Windows\Temp\collector.exe`)
	require.NoError(t, err)
	assert.Equal(t, "15", id)
}

func TestClient_DownloadFile(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/integrationServices/v3/cblr/session/101:7/file/f-9/content", r.URL.Path)
		fmt.Fprint(w, "collected output")
	}))

	var buf bytes.Buffer
	require.NoError(t, client.DownloadFile(context.Background(), "101:7", "f-9", &buf))
	assert.Equal(t, "collected output", buf.String())
}

func TestClient_DeviceLastReported(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		response string
		want     time.Time
		wantOK   bool
	}{
		{
			name:     "timestamp recorded",
			response: `{"success": true, "deviceInfo": {"lastReportedTime": 1743500000000}}`,
			want:     time.UnixMilli(1743500000000).UTC(),
			wantOK:   true,
		},
		{
			name:     "no timestamp",
			response: `{"success": true, "deviceInfo": {"lastReportedTime": 0}}`,
			wantOK:   false,
		},
		{
			name:     "lookup unsuccessful",
			response: `{"success": false, "deviceInfo": {"lastReportedTime": 1743500000000}}`,
			wantOK:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/integrationServices/v3/device/101", r.URL.Path)
				fmt.Fprint(w, tt.response)
			}))

			got, ok, err := client.DeviceLastReported(context.Background(), 101)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestClient_ListDevices(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/integrationServices/v3/device/all", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("fileFormat"))
		fmt.Fprint(w, `{"results": [
			{"deviceName": "WS-0001", "policyName": "standard", "lastCheckInDate": "20250401", "lastCheckInTime": "093000"},
			{"deviceName": "WS-0002", "policyName": "standard"}
		]}`)
	}))

	devices, err := client.ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)

	checkIn, ok := devices[0].LastCheckIn()
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, time.April, 1, 9, 30, 0, 0, time.UTC), checkIn)

	_, ok = devices[1].LastCheckIn()
	assert.False(t, ok, "a missing check-in must not parse")
}

func TestClient_DeviceByName(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/integrationServices/v3/device", r.URL.Path)
		assert.Equal(t, "WS-0001", r.URL.Query().Get("hostNameExact"))
		fmt.Fprint(w, `{"results": [
			{"name": "WS-0001", "deviceId": 101, "deviceType": "WINDOWS", "osVersion": "Windows 10", "lastInternalIpAddress": "10.0.0.1"}
		]}`)
	}))

	detail, err := client.DeviceByName(context.Background(), "WS-0001")
	require.NoError(t, err)
	require.NotNil(t, detail)
	assert.Equal(t, &DeviceDetail{
		Name:                  "WS-0001",
		DeviceID:              101,
		DeviceType:            "WINDOWS",
		OSVersion:             "Windows 10",
		LastInternalIPAddress: "10.0.0.1",
	}, detail)
}

func TestClient_DeviceByNameNotFound(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"results": []}`)
	}))

	detail, err := client.DeviceByName(context.Background(), "UNKNOWN")
	require.NoError(t, err)
	assert.Nil(t, detail)
}

func TestClient_NonOKStatusIsAnError(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "session limit reached", http.StatusConflict)
	}))

	_, err := client.OpenSession(context.Background(), 101)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "session limit reached")
}
