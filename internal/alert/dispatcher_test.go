package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keepgoing-assistant/internal/emergency"
	"keepgoing-assistant/pkg"
)

type memStore struct {
	mu       sync.Mutex
	alerts   map[string]pkg.AlertRecord
	contact  *pkg.ClinicianContact
	contactE error
}

func newMemStore() *memStore {
	return &memStore{
		alerts:  map[string]pkg.AlertRecord{},
		contact: &pkg.ClinicianContact{ClinicianID: "c1", Name: "Dr Lee", Email: "lee@clinic.example", Phone: "+61400000000"},
	}
}

func (m *memStore) CreateAlert(_ context.Context, rec *pkg.AlertRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[rec.ID] = *rec
	return nil
}

func (m *memStore) UpdateAlertDelivery(_ context.Context, id string, status pkg.DeliveryStatus, attempts int, at *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.alerts[id]
	rec.DeliveryStatus, rec.Attempts, rec.DeliveredAt = status, attempts, at
	m.alerts[id] = rec
	return nil
}

func (m *memStore) ClinicianForPatient(context.Context, string) (*pkg.ClinicianContact, error) {
	return m.contact, m.contactE
}

func (m *memStore) get(id string) pkg.AlertRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alerts[id]
}

type flakyChannel struct {
	name     string
	failures int
	mu       sync.Mutex
	calls    int
	ctxErr   error
}

func (f *flakyChannel) Name() string { return f.name }

func (f *flakyChannel) Deliver(ctx context.Context, _ pkg.ClinicianContact, _ pkg.AlertRecord) (Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.ctxErr = ctx.Err()
	if f.calls <= f.failures {
		return Receipt{}, errors.New("temporarily unavailable")
	}
	return Receipt{Channel: f.name, ID: "r1"}, nil
}

func (f *flakyChannel) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingPublisher struct {
	mu       sync.Mutex
	payloads []string
}

func (p *recordingPublisher) Notify(_ context.Context, payload string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return nil
}

var selfHarm = emergency.Signal{IsEmergency: true, Category: emergency.SelfHarm, Confidence: 0.95, SourceText: "I want to kill myself"}

func waitFor(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
}

func TestRaiseDeliversAndRecords(t *testing.T) {
	store := newMemStore()
	pub := &recordingPublisher{}
	ch := &flakyChannel{name: "email"}
	d := NewDispatcher(store, pub, Config{}, nil, ch)

	id := d.Raise(context.Background(), "p1", selfHarm)
	waitFor(t, d)

	rec := store.get(id)
	assert.Equal(t, "p1", rec.PatientID)
	assert.Equal(t, "c1", rec.ClinicianID)
	assert.Equal(t, "self_harm", rec.Category)
	assert.Equal(t, "I want to kill myself", rec.SourceText)
	assert.Equal(t, pkg.DeliveryDelivered, rec.DeliveryStatus)
	assert.Equal(t, 1, rec.Attempts)
	require.NotNil(t, rec.DeliveredAt)

	require.Len(t, pub.payloads, 1)
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(pub.payloads[0]), &ev))
	assert.Equal(t, id, ev.AlertID)
	assert.Equal(t, "c1", ev.ClinicianID)
	assert.NotContains(t, pub.payloads[0], "kill")
}

func TestRaiseRetriesOnceThenFails(t *testing.T) {
	store := newMemStore()
	ch := &flakyChannel{name: "email", failures: 5}
	d := NewDispatcher(store, nil, Config{}, nil, ch)

	id := d.Raise(context.Background(), "p1", selfHarm)
	waitFor(t, d)

	assert.Equal(t, 2, ch.Calls(), "one attempt plus exactly one retry")
	rec := store.get(id)
	assert.Equal(t, pkg.DeliveryFailed, rec.DeliveryStatus)
	assert.Nil(t, rec.DeliveredAt)
}

func TestRaiseRetrySucceeds(t *testing.T) {
	store := newMemStore()
	ch := &flakyChannel{name: "sms", failures: 1}
	d := NewDispatcher(store, nil, Config{RetryDelay: time.Millisecond}, nil, ch)

	id := d.Raise(context.Background(), "p1", selfHarm)
	waitFor(t, d)

	rec := store.get(id)
	assert.Equal(t, pkg.DeliveryDelivered, rec.DeliveryStatus)
	assert.Equal(t, 2, rec.Attempts)
}

func TestRaiseSurvivesCancelledRequest(t *testing.T) {
	store := newMemStore()
	ch := &flakyChannel{name: "email"}
	d := NewDispatcher(store, nil, Config{}, nil, ch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	id := d.Raise(ctx, "p1", selfHarm)
	waitFor(t, d)

	assert.NoError(t, ch.ctxErr)
	assert.Equal(t, pkg.DeliveryDelivered, store.get(id).DeliveryStatus)
}

func TestRaiseWithoutClinicianIsRecordedAsFailed(t *testing.T) {
	store := newMemStore()
	store.contact, store.contactE = nil, errors.New("no rows")
	ch := &flakyChannel{name: "email"}
	d := NewDispatcher(store, nil, Config{}, nil, ch)

	id := d.Raise(context.Background(), "p1", selfHarm)
	waitFor(t, d)

	assert.Zero(t, ch.Calls())
	assert.Equal(t, pkg.DeliveryFailed, store.get(id).DeliveryStatus)
}

func TestSendGridChannel(t *testing.T) {
	var got mailSendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer sg-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("X-Message-Id", "msg-1")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ch, err := NewSendGridChannel(SendGridConfig{APIKey: "sg-key", BaseURL: srv.URL, FromEmail: "alerts@app.example"})
	require.NoError(t, err)
	rec := pkg.AlertRecord{ID: "a1", PatientID: "p1", Category: "self_harm", Confidence: 0.95, SourceText: "I want to kill myself"}
	receipt, err := ch.Deliver(context.Background(), pkg.ClinicianContact{Email: "lee@clinic.example"}, rec)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", receipt.ID)
	require.Len(t, got.Personalizations, 1)
	assert.Equal(t, "lee@clinic.example", got.Personalizations[0].To[0].Email)
	assert.Contains(t, got.Subject, "self harm")
	assert.Contains(t, got.Content[0].Value, "I want to kill myself")

	_, err = ch.Deliver(context.Background(), pkg.ClinicianContact{}, rec)
	assert.Error(t, err)
}

func TestTwilioChannel(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Accounts/AC1/Messages.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC1", user)
		assert.Equal(t, "tok", pass)
		body, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(body))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM1","status":"queued"}`))
	}))
	defer srv.Close()

	ch, err := NewTwilioChannel(TwilioConfig{AccountSID: "AC1", AuthToken: "tok", BaseURL: srv.URL, FromNumber: "+61499999999"})
	require.NoError(t, err)
	rec := pkg.AlertRecord{ID: "0123456789abcdef", Category: "self_harm", Confidence: 0.95, SourceText: "I want to kill myself"}
	receipt, err := ch.Deliver(context.Background(), pkg.ClinicianContact{Phone: "+61400000000"}, rec)
	require.NoError(t, err)
	assert.Equal(t, "SM1", receipt.ID)
	assert.Equal(t, "+61400000000", form.Get("To"))
	assert.NotContains(t, form.Get("Body"), "kill")
	assert.Contains(t, form.Get("Body"), "01234567")
}

func TestChannelConfigValidation(t *testing.T) {
	_, err := NewSendGridChannel(SendGridConfig{})
	assert.Error(t, err)
	_, err = NewTwilioChannel(TwilioConfig{AccountSID: "AC1"})
	assert.Error(t, err)
}
