package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/proofshot/models"
)

func TestDeliverSigned(t *testing.T) {
	var gotSig string
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotSig = r.Header.Get(SignatureHeader)
		assert.Equal(t, Sign("s3cret", body), gotSig)
		require.NoError(t, json.Unmarshal(body, &got))
	}))
	defer srv.Close()

	rec := &models.EvidenceRecord{RequestID: "r1", Status: models.StatusCaptured}
	n := New("s3cret", nil)
	require.NoError(t, n.Deliver(context.Background(), srv.URL, EvidenceEvent("job1", rec)))

	assert.Contains(t, gotSig, "sha256=")
	assert.Equal(t, EventCaptured, got.Type)
	assert.Equal(t, "job1", got.JobID)
}

func TestDeliverUnsignedAndErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get(SignatureHeader))
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := New("", nil).Deliver(context.Background(), srv.URL, &Event{Type: EventBatchCompleted})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestEvidenceEventType(t *testing.T) {
	ev := EvidenceEvent("j", &models.EvidenceRecord{Status: models.StatusFailed})
	assert.Equal(t, EventFailed, ev.Type)
}

func TestDeliverAsyncRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	n := New("", nil)
	n.delays = []time.Duration{0, time.Millisecond, time.Millisecond, time.Millisecond}
	n.DeliverAsync(srv.URL, &Event{Type: EventCaptured})
	n.Wait()
	assert.Equal(t, int32(3), calls.Load())

	n.DeliverAsync("", &Event{Type: EventCaptured})
	n.Wait()
	assert.Equal(t, int32(3), calls.Load())
}
