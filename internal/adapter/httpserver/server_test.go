package httpserver_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FreeSideNomad/messaging-platform/internal/adapter/httpserver"
	"github.com/FreeSideNomad/messaging-platform/internal/domain"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakeProcs struct {
	inst domain.ProcessInstance
	log  []domain.ProcessLogEntry
}

func (f *fakeProcs) Insert(domain.Context, domain.ProcessInstance) error { return nil }
func (f *fakeProcs) Update(domain.Context, domain.ProcessInstance) error { return nil }
func (f *fakeProcs) FindByID(_ domain.Context, id uuid.UUID) (domain.ProcessInstance, error) {
	if f.inst.ProcessID != id {
		return domain.ProcessInstance{}, domain.ErrNotFound
	}
	return f.inst, nil
}
func (f *fakeProcs) FindByBusinessKey(domain.Context, string) ([]domain.ProcessInstance, error) {
	return nil, nil
}
func (f *fakeProcs) FindByStatus(domain.Context, domain.ProcessStatus) ([]domain.ProcessInstance, error) {
	return nil, nil
}
func (f *fakeProcs) FindByTypeAndStatus(domain.Context, string, domain.ProcessStatus) ([]domain.ProcessInstance, error) {
	return nil, nil
}
func (f *fakeProcs) Log(domain.Context, uuid.UUID, domain.ProcessEvent) error { return nil }
func (f *fakeProcs) LogEntries(domain.Context, uuid.UUID) ([]domain.ProcessLogEntry, error) {
	return f.log, nil
}

type fakeDLQ struct {
	entries []domain.DlqEntry
	err     error
}

func (f *fakeDLQ) Park(domain.Context, domain.DlqEntry) error { return nil }
func (f *fakeDLQ) List(_ domain.Context, offset, limit int) ([]domain.DlqEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	if offset >= len(f.entries) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.entries) {
		end = len(f.entries)
	}
	return f.entries[offset:end], nil
}
func (f *fakeDLQ) Count(domain.Context) (int64, error) { return int64(len(f.entries)), f.err }

func serve(t *testing.T, s *httpserver.Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	s := httpserver.New(fakePinger{}, &fakeProcs{}, &fakeDLQ{})
	rec := serve(t, s, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	s := httpserver.New(fakePinger{}, &fakeProcs{}, &fakeDLQ{})
	rec := serve(t, s, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)

	s = httpserver.New(fakePinger{err: errors.New("down")}, &fakeProcs{}, &fakeDLQ{})
	rec = serve(t, s, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDLQList(t *testing.T) {
	t.Parallel()
	dlq := &fakeDLQ{entries: []domain.DlqEntry{
		{ID: uuid.New(), CommandName: "ReserveFundsCommand", ErrorClass: "permanent", ParkedAt: time.Now().UTC()},
		{ID: uuid.New(), CommandName: "SettleCommand", ErrorClass: "timeout", ParkedAt: time.Now().UTC()},
	}}
	s := httpserver.New(fakePinger{}, &fakeProcs{}, dlq)

	rec := serve(t, s, http.MethodGet, "/admin/dlq?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Items []domain.DlqEntry `json:"items"`
		Total int64             `json:"total"`
		Limit int               `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Items, 1)
	assert.Equal(t, int64(2), body.Total)
	assert.Equal(t, 1, body.Limit)
}

func TestProcessGet(t *testing.T) {
	t.Parallel()
	pid := uuid.New()
	procs := &fakeProcs{
		inst: domain.ProcessInstance{ProcessID: pid, ProcessType: "payment", Status: domain.ProcessRunning},
		log: []domain.ProcessLogEntry{
			{ProcessID: pid, Sequence: 1, Event: domain.ProcessEvent{Type: domain.EventProcessStarted}},
		},
	}
	s := httpserver.New(fakePinger{}, procs, &fakeDLQ{})

	rec := serve(t, s, http.MethodGet, "/admin/processes/"+pid.String())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "payment")
	assert.Contains(t, rec.Body.String(), "ProcessStarted")

	rec = serve(t, s, http.MethodGet, "/admin/processes/"+uuid.New().String())
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, s, http.MethodGet, "/admin/processes/not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
