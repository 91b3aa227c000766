package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/deliveryopt/internal/agent"
	"github.com/italolelis/deliveryopt/internal/storage"
	"github.com/italolelis/deliveryopt/pkg/do"
	"github.com/italolelis/deliveryopt/pkg/do/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockJournal implements storage.DownloadReadRepository for testing.
type mockJournal struct {
	records []storage.DownloadRecord
	err     error
}

func (m *mockJournal) GetDownloads(_ context.Context) ([]storage.DownloadRecord, error) {
	return m.records, m.err
}

func (m *mockJournal) GetDownload(_ context.Context, id string) (storage.DownloadRecord, error) {
	for _, rec := range m.records {
		if rec.DownloadID == id {
			return rec, nil
		}
	}

	return storage.DownloadRecord{}, storage.ErrNotFound
}

func newTestServer(t *testing.T, journal storage.DownloadReadRepository, token string) (*httptest.Server, *agent.Agent) {
	t.Helper()

	a := agent.New(agent.Config{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = a.Close(ctx)
	})

	srv := httptest.NewServer(NewDownloadsHandler(a, journal, token).Routes())
	t.Cleanup(srv.Close)

	return srv, a
}

func doRequest(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func decodeErrorResponse(t *testing.T, resp *http.Response) rpc.ErrorResponse {
	t.Helper()

	var e rpc.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))

	return e
}

func TestDownloadsHandler_CreateAndStatus(t *testing.T) {
	srv, _ := newTestServer(t, nil, "")

	resp := doRequest(t, http.MethodPost, srv.URL+"/v1/downloads", rpc.CreateRequest{
		URI:       "http://example.com/file",
		LocalPath: filepath.Join(t.TempDir(), "file"),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created rpc.CreateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.ID)

	resp = doRequest(t, http.MethodGet, srv.URL+"/v1/downloads/"+created.ID+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status rpc.StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "created", status.State)
	assert.Zero(t, status.ErrorCode)
}

func TestDownloadsHandler_Properties(t *testing.T) {
	srv, a := newTestServer(t, nil, "")

	id, err := a.Create(context.Background(), "http://example.com/file", filepath.Join(t.TempDir(), "file"))
	require.NoError(t, err)

	base := srv.URL + "/v1/downloads/" + id + "/properties/"

	value, err := rpc.EncodeValue(do.StringValue("rest_tests"))
	require.NoError(t, err)

	resp := doRequest(t, http.MethodPut, base+"caller_name", value)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, base+"caller_name", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got rpc.Value
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))

	v, err := rpc.DecodeValue(got)
	require.NoError(t, err)

	s, _ := v.AsString()
	assert.Equal(t, "rest_tests", s)

	tests := []struct {
		name   string
		prop   string
		body   any
		status int
		code   do.Errc
	}{
		{"unknown property", "blah", value, http.StatusBadRequest, do.ErrUnknownPropertyID},
		{"kind mismatch", "use_foreground_priority", value, http.StatusBadRequest, do.ErrInvalidArg},
		{"unknown kind", "caller_name", rpc.Value{Kind: "float", Value: json.RawMessage("1.5")}, http.StatusBadRequest, do.ErrInvalidArg},
		{"malformed integrity info", "integrity_check_info", value, http.StatusBadRequest, do.ErrInvalidArg},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, http.MethodPut, base+tt.prop, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, int32(tt.code), decodeErrorResponse(t, resp).Code)
		})
	}
}

func TestDownloadsHandler_Actions(t *testing.T) {
	srv, a := newTestServer(t, nil, "")

	id, err := a.Create(context.Background(), "http://example.com/file", filepath.Join(t.TempDir(), "file"))
	require.NoError(t, err)

	resp := doRequest(t, http.MethodPost, srv.URL+"/v1/downloads/"+id+"/pause", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, int32(do.ErrInvalidState), decodeErrorResponse(t, resp).Code)

	resp = doRequest(t, http.MethodPost, srv.URL+"/v1/downloads/"+id+"/finalize", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = doRequest(t, http.MethodPost, srv.URL+"/v1/downloads/"+id+"/abort", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doRequest(t, http.MethodPost, srv.URL+"/v1/downloads/"+id+"/start", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, int32(do.ErrNotFound), decodeErrorResponse(t, resp).Code)

	resp = doRequest(t, http.MethodPost, srv.URL+"/v1/downloads/"+id+"/explode", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDownloadsHandler_InvalidCreate(t *testing.T) {
	srv, _ := newTestServer(t, nil, "")

	resp := doRequest(t, http.MethodPost, srv.URL+"/v1/downloads", "not an object")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int32(do.ErrInvalidArg), decodeErrorResponse(t, resp).Code)

	resp = doRequest(t, http.MethodPost, srv.URL+"/v1/downloads", rpc.CreateRequest{URI: "ftp://example.com/x", LocalPath: "/tmp/x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDownloadsHandler_List(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)

	journal := &mockJournal{records: []storage.DownloadRecord{{
		DownloadID: "dl-1",
		URI:        "http://example.com/a",
		LocalPath:  "/tmp/a",
		State:      "transferred",
		BytesTotal: 42,
		CreatedAt:  now,
		UpdatedAt:  now,
	}}}

	srv, _ := newTestServer(t, journal, "")

	resp := doRequest(t, http.MethodGet, srv.URL+"/v1/downloads", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var records []rpc.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&records))
	require.Len(t, records, 1)
	assert.Equal(t, "dl-1", records[0].ID)
	assert.Equal(t, "transferred", records[0].State)
	assert.Equal(t, uint64(42), records[0].BytesTotal)
	assert.True(t, now.Equal(records[0].CreatedAt))
}

func TestDownloadsHandler_ListWithoutJournal(t *testing.T) {
	srv, _ := newTestServer(t, nil, "")

	resp := doRequest(t, http.MethodGet, srv.URL+"/v1/downloads", nil)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
	assert.Equal(t, int32(do.ErrNotImplemented), decodeErrorResponse(t, resp).Code)
}

func TestDownloadsHandler_BearerAuth(t *testing.T) {
	srv, _ := newTestServer(t, &mockJournal{}, "s3cret")

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"basic scheme", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "Bearer s3cret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/downloads", nil)
			require.NoError(t, err)

			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(do.ErrInvalidArg))
	assert.Equal(t, http.StatusBadRequest, statusFor(do.ErrUnknownPropertyID))
	assert.Equal(t, http.StatusNotFound, statusFor(do.ErrNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(do.ErrInvalidState))
	assert.Equal(t, http.StatusInternalServerError, statusFor(do.ErrFail))
	assert.Equal(t, http.StatusInternalServerError, statusFor(do.HTTPError(503)))
}
