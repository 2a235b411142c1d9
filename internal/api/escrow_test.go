package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"escrowd/internal/model"
)

const (
	testSource    = "0x1111111111111111111111111111111111111111"
	testArbiter   = "0x2222222222222222222222222222222222222222"
	testRecipient = "0x3333333333333333333333333333333333333333"
)

func doJSON(t *testing.T, ts *httptest.Server, method, path, sender string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sender != "" {
		req.Header.Set(headerSender, sender)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func testCreateBody() createEscrowRequest {
	return createEscrowRequest{
		ID:        "escrow-1",
		Arbiter:   testArbiter,
		Recipient: testRecipient,
		Title:     "site build",
		Milestones: []milestoneRequest{
			{Title: "design", Amount: model.Balance{Native: map[string]model.Amount{"wei": model.NewAmount(100)}}},
			{Title: "launch", Amount: model.Balance{Native: map[string]model.Amount{"wei": model.NewAmount(50)}}},
		},
		Deposit: model.Balance{Native: map[string]model.Amount{"wei": model.NewAmount(150)}},
	}
}

func TestCreateEscrowEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := doJSON(t, ts, http.MethodPost, "/v1/escrows", testSource, testCreateBody())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	e := decodeBody[model.Escrow](t, resp)
	if e.ID != "escrow-1" || e.Status != model.StatusOpen {
		t.Errorf("escrow = %+v", e)
	}
	if len(e.Milestones) != 2 {
		t.Errorf("milestones = %d, want 2", len(e.Milestones))
	}

	// Missing sender header is refused before validation runs.
	resp = doJSON(t, ts, http.MethodPost, "/v1/escrows", "", testCreateBody())
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status without sender = %d, want 400", resp.StatusCode)
	}

	// Duplicate id conflicts.
	resp = doJSON(t, ts, http.MethodPost, "/v1/escrows", testSource, testCreateBody())
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", resp.StatusCode)
	}
}

func TestCreateEscrowValidationStatus(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := testCreateBody()
	body.Deposit = model.Balance{Native: map[string]model.Amount{"wei": model.NewAmount(90)}}
	resp := doJSON(t, ts, http.MethodPost, "/v1/escrows", testSource, body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("mismatched deposit status = %d, want 400", resp.StatusCode)
	}
}

func TestApproveEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := doJSON(t, ts, http.MethodPost, "/v1/escrows", testSource, testCreateBody())
	resp.Body.Close()

	resp = doJSON(t, ts, http.MethodPost, "/v1/escrows/escrow-1/milestones/1/approve", testArbiter, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d, want 200", resp.StatusCode)
	}
	m := decodeBody[model.Milestone](t, resp)
	if !m.IsCompleted {
		t.Error("milestone should be completed")
	}

	// Only the arbiter may approve.
	resp = doJSON(t, ts, http.MethodPost, "/v1/escrows/escrow-1/milestones/2/approve", testSource, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("non-arbiter approve status = %d, want 403", resp.StatusCode)
	}

	// Re-approval conflicts.
	resp = doJSON(t, ts, http.MethodPost, "/v1/escrows/escrow-1/milestones/1/approve", testArbiter, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("double approve status = %d, want 409", resp.StatusCode)
	}

	// Unknown milestone.
	resp = doJSON(t, ts, http.MethodPost, "/v1/escrows/escrow-1/milestones/9/approve", testArbiter, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown milestone status = %d, want 404", resp.StatusCode)
	}
}

func TestExpiredEscrowReturnsGone(t *testing.T) {
	srv := newTestServer(t) // chain source pinned at height 5
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := testCreateBody()
	h := uint64(3)
	body.EndHeight = &h
	resp := doJSON(t, ts, http.MethodPost, "/v1/escrows", testSource, body)
	resp.Body.Close()

	resp = doJSON(t, ts, http.MethodPost, "/v1/escrows/escrow-1/milestones/1/approve", testArbiter, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusGone {
		t.Errorf("expired approve status = %d, want 410", resp.StatusCode)
	}
}

func TestRefundEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := doJSON(t, ts, http.MethodPost, "/v1/escrows", testSource, testCreateBody())
	resp.Body.Close()

	resp = doJSON(t, ts, http.MethodPost, "/v1/escrows/escrow-1/refund", testArbiter, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refund status = %d, want 200", resp.StatusCode)
	}
	e := decodeBody[model.Escrow](t, resp)
	if e.Status != model.StatusRefunded {
		t.Errorf("status = %q, want refunded", e.Status)
	}

	// The transfer outbox now holds the refund instruction.
	resp = doJSON(t, ts, http.MethodGet, "/v1/escrows/escrow-1/transfers", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("transfers status = %d, want 200", resp.StatusCode)
	}
	lt := decodeBody[listTransfersResponse](t, resp)
	if len(lt.Transfers) != 1 || lt.Transfers[0].Reason != "refund" {
		t.Errorf("transfers = %+v", lt.Transfers)
	}
}

func TestSetRecipientEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := testCreateBody()
	body.Recipient = ""
	resp := doJSON(t, ts, http.MethodPost, "/v1/escrows", testSource, body)
	resp.Body.Close()

	resp = doJSON(t, ts, http.MethodPost, "/v1/escrows/escrow-1/recipient", testArbiter,
		setRecipientRequest{Recipient: testRecipient})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set recipient status = %d, want 200", resp.StatusCode)
	}
	e := decodeBody[model.Escrow](t, resp)
	if e.Recipient != testRecipient {
		t.Errorf("recipient = %q, want %q", e.Recipient, testRecipient)
	}

	// Reassignment to a different address conflicts.
	resp = doJSON(t, ts, http.MethodPost, "/v1/escrows/escrow-1/recipient", testArbiter,
		setRecipientRequest{Recipient: testSource})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("reassign status = %d, want 409", resp.StatusCode)
	}
}

func TestListAndGetEndpoints(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := doJSON(t, ts, http.MethodPost, "/v1/escrows", testSource, testCreateBody())
	resp.Body.Close()
	second := testCreateBody()
	second.ID = "escrow-2"
	resp = doJSON(t, ts, http.MethodPost, "/v1/escrows", testSource, second)
	resp.Body.Close()

	resp = doJSON(t, ts, http.MethodGet, "/v1/escrows", "", nil)
	le := decodeBody[listEscrowsResponse](t, resp)
	if len(le.Escrows) != 2 || le.Escrows[0] != "escrow-1" {
		t.Errorf("escrows = %v", le.Escrows)
	}

	resp = doJSON(t, ts, http.MethodGet, "/v1/escrows/escrow-2", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	e := decodeBody[model.Escrow](t, resp)
	if e.ID != "escrow-2" {
		t.Errorf("id = %q, want escrow-2", e.ID)
	}

	resp = doJSON(t, ts, http.MethodGet, "/v1/escrows/missing", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing escrow status = %d, want 404", resp.StatusCode)
	}

	resp = doJSON(t, ts, http.MethodGet, "/v1/escrows/escrow-1/milestones", "", nil)
	lm := decodeBody[listMilestonesResponse](t, resp)
	if len(lm.Milestones) != 2 {
		t.Errorf("milestones = %d, want 2", len(lm.Milestones))
	}

	resp = doJSON(t, ts, http.MethodGet, "/v1/escrows/escrow-1/milestones/2", "", nil)
	m := decodeBody[model.Milestone](t, resp)
	if m.Title != "launch" {
		t.Errorf("title = %q, want launch", m.Title)
	}
}

func TestAddAndExtendMilestoneEndpoints(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := doJSON(t, ts, http.MethodPost, "/v1/escrows", testSource, testCreateBody())
	resp.Body.Close()

	amount := model.Balance{Native: map[string]model.Amount{"wei": model.NewAmount(25)}}
	resp = doJSON(t, ts, http.MethodPost, "/v1/escrows/escrow-1/milestones", testSource, addMilestoneRequest{
		milestoneRequest: milestoneRequest{Title: "handover", Amount: amount},
		Deposit:          amount,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add milestone status = %d, want 201", resp.StatusCode)
	}
	m := decodeBody[model.Milestone](t, resp)
	if m.ID != "3" {
		t.Errorf("milestone id = %q, want 3", m.ID)
	}

	later := int64(9999)
	resp = doJSON(t, ts, http.MethodPost, "/v1/escrows/escrow-1/milestones/3/extend", testArbiter,
		extendMilestoneRequest{EndTime: &later})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("extend status = %d, want 200", resp.StatusCode)
	}
	m = decodeBody[model.Milestone](t, resp)
	if m.EndTime == nil || *m.EndTime != later {
		t.Errorf("end_time = %v, want %d", m.EndTime, later)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := doJSON(t, ts, http.MethodPost, "/v1/escrows", testSource, testCreateBody())
	resp.Body.Close()

	resp = doJSON(t, ts, http.MethodGet, "/v1/stats", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d, want 200", resp.StatusCode)
	}
	stats := decodeBody[statsResponse](t, resp)
	if stats.Total != 1 || stats.PendingMilestones != 2 {
		t.Errorf("stats = %+v", stats)
	}
}
