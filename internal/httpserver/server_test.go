package httpserver_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/josedab/complianceagent/internal/audit"
	"github.com/josedab/complianceagent/internal/httpserver"
)

func newTestServer(t *testing.T) (*httptest.Server, audit.Store) {
	t.Helper()
	store := audit.NewMemoryStore()
	appender := audit.NewAppender(store, audit.AppenderConfig{})
	verifier := audit.NewVerifier(store)
	manager := audit.NewCheckpointManager(store, nil, nil, audit.CheckpointManagerConfig{})
	srv := httptest.NewServer(httpserver.New(store, appender, verifier, manager, 4).Router())
	t.Cleanup(srv.Close)
	return srv, store
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func appendEntry(t *testing.T, srv *httptest.Server, chainID, actor, action string, payload interface{}) audit.AuditEntry {
	t.Helper()
	resp := postJSON(t, srv.URL+"/v1/chains/"+chainID+"/entries", map[string]interface{}{
		"actorId": actor,
		"action":  action,
		"payload": payload,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var entry audit.AuditEntry
	decodeBody(t, resp, &entry)
	return entry
}

func TestAppendAndHead(t *testing.T) {
	srv, _ := newTestServer(t)

	e0 := appendEntry(t, srv, "tenant-1", "user-1", "document.create", map[string]interface{}{"op": "create"})
	require.Equal(t, uint64(0), e0.Sequence)
	require.Equal(t, audit.GenesisSentinel, e0.PrevHash)

	e1 := appendEntry(t, srv, "tenant-1", "user-1", "document.update", map[string]interface{}{"op": "update"})
	require.Equal(t, uint64(1), e1.Sequence)
	require.Equal(t, e0.EntryHash, e1.PrevHash)

	resp, err := http.Get(srv.URL + "/v1/chains/tenant-1/head")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var head audit.AuditEntry
	decodeBody(t, resp, &head)
	require.Equal(t, e1.EntryHash, head.EntryHash)
}

func TestAppendRejectsBadInput(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/chains/tenant-1/entries", map[string]interface{}{
		"actorId": "user-1",
		// action missing
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHeadUnknownChain(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/v1/chains/nope/head")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestVerifyEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, op := range []string{"create", "update", "delete"} {
		appendEntry(t, srv, "tenant-1", "user-1", "document."+op, map[string]interface{}{"op": op})
	}

	resp, err := http.Get(srv.URL + "/v1/chains/tenant-1/verify")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result audit.Result
	decodeBody(t, resp, &result)
	require.True(t, result.Valid)
	require.Equal(t, uint64(2), result.To)
	require.Equal(t, 3, result.Checked)
}

func TestVerifyWithExternalAnchor(t *testing.T) {
	srv, _ := newTestServer(t)

	var anchorEntry audit.AuditEntry
	for i, op := range []string{"create", "update", "delete"} {
		e := appendEntry(t, srv, "tenant-1", "user-1", "document."+op, map[string]interface{}{"op": op})
		if i == 1 {
			anchorEntry = e
		}
	}

	url := fmt.Sprintf("%s/v1/chains/tenant-1/verify?fromSequence=%d&rootHash=%s", srv.URL, anchorEntry.Sequence, anchorEntry.EntryHash)
	resp, err := http.Get(url)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result audit.Result
	decodeBody(t, resp, &result)
	require.True(t, result.Valid)
	require.Equal(t, uint64(1), result.From)
	require.Equal(t, uint64(2), result.To)
}

func TestVerifyReportsBreak(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, op := range []string{"create", "update", "delete"} {
		appendEntry(t, srv, "tenant-1", "user-1", "document."+op, map[string]interface{}{"op": op})
	}

	// Forge an anchor: right sequence, wrong root hash. The report is a 200
	// with valid=false, never an HTTP error.
	resp, err := http.Get(srv.URL + "/v1/chains/tenant-1/verify?fromSequence=1&rootHash=" + audit.HashHex([]byte("forged")))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result audit.Result
	decodeBody(t, resp, &result)
	require.False(t, result.Valid)
	require.NotNil(t, result.Break)
	require.Equal(t, audit.ReasonUnknownPredecessor, result.Break.Reason)
}

func TestQueryEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	appendEntry(t, srv, "tenant-1", "alice", "document.create", nil)
	appendEntry(t, srv, "tenant-1", "bob", "document.update", nil)
	appendEntry(t, srv, "tenant-1", "alice", "document.delete", nil)

	resp, err := http.Get(srv.URL + "/v1/chains/tenant-1/entries?actor=alice")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Entries []audit.AuditEntry `json:"entries"`
	}
	decodeBody(t, resp, &body)
	require.Len(t, body.Entries, 2)
	require.Equal(t, uint64(0), body.Entries[0].Sequence)
	require.Equal(t, uint64(2), body.Entries[1].Sequence)
}

func TestQueryPagination(t *testing.T) {
	srv, _ := newTestServer(t)

	for i := 0; i < 5; i++ {
		appendEntry(t, srv, "tenant-1", "alice", "tick", map[string]interface{}{"i": i})
	}

	resp, err := http.Get(srv.URL + "/v1/chains/tenant-1/entries?limit=2")
	require.NoError(t, err)
	var page struct {
		Entries      []audit.AuditEntry `json:"entries"`
		NextAfterSeq *uint64            `json:"nextAfterSeq"`
	}
	decodeBody(t, resp, &page)
	require.Len(t, page.Entries, 2)
	require.NotNil(t, page.NextAfterSeq)
	require.Equal(t, uint64(1), *page.NextAfterSeq)

	resp, err = http.Get(fmt.Sprintf("%s/v1/chains/tenant-1/entries?limit=2&afterSeq=%d", srv.URL, *page.NextAfterSeq))
	require.NoError(t, err)
	decodeBody(t, resp, &page)
	require.Len(t, page.Entries, 2)
	require.Equal(t, uint64(2), page.Entries[0].Sequence)
}

func TestCheckpointEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	appendEntry(t, srv, "tenant-1", "user-1", "document.create", nil)
	appendEntry(t, srv, "tenant-1", "user-1", "document.update", nil)

	resp := postJSON(t, srv.URL+"/v1/chains/tenant-1/checkpoints", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var cp audit.Checkpoint
	decodeBody(t, resp, &cp)
	require.Equal(t, uint64(1), cp.Sequence)

	resp2, err := http.Get(srv.URL + "/v1/chains/tenant-1/checkpoints/latest")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	var latest audit.Checkpoint
	decodeBody(t, resp2, &latest)
	require.Equal(t, cp.RootHash, latest.RootHash)

	// Anchored verification using the stored checkpoint.
	resp3, err := http.Get(srv.URL + "/v1/chains/tenant-1/verify?fromLatestCheckpoint=true")
	require.NoError(t, err)
	var result audit.Result
	decodeBody(t, resp3, &result)
	require.True(t, result.Valid)
	require.Equal(t, cp.Sequence, result.From)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
