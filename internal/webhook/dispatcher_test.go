package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel/fraud-engine/internal/models"
)

type received struct {
	body      []byte
	signature string
	eventType string
}

func testDispatcher() *Dispatcher {
	return NewDispatcher(Config{
		Workers:     2,
		QueueSize:   16,
		Timeout:     2 * time.Second,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	})
}

func TestDeliverySignedAndTyped(t *testing.T) {
	var mu sync.Mutex
	var got []received
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, received{
			body:      body,
			signature: r.Header.Get("X-Sentinel-Signature"),
			eventType: r.Header.Get("X-Sentinel-Event"),
		})
		mu.Unlock()
		close(done)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := testDispatcher()
	d.Start()
	defer d.Stop()

	tenant := &models.Tenant{
		TenantID:      "tenant-1",
		WebhookURL:    srv.URL,
		WebhookSecret: "whsec_test",
	}
	d.Enqueue(tenant, "transaction.flagged", map[string]interface{}{
		"transaction_id": "T1",
		"risk_level":     "high",
	})

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("webhook never arrived")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "transaction.flagged", got[0].eventType)

	mac := hmac.New(sha256.New, []byte("whsec_test"))
	mac.Write(got[0].body)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), got[0].signature)

	var event Event
	require.NoError(t, json.Unmarshal(got[0].body, &event))
	assert.NotEmpty(t, event.EventID)
	assert.Equal(t, "transaction.flagged", event.EventType)
}

func TestRetriesOnServerError(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
		close(done)
	}))
	defer srv.Close()

	d := testDispatcher()
	d.Start()
	defer d.Stop()

	d.Enqueue(&models.Tenant{TenantID: "t", WebhookURL: srv.URL, WebhookSecret: "s"}, "transaction.flagged", nil)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("delivery never succeeded")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)
}

func TestClientErrorIsTerminal(t *testing.T) {
	var mu sync.Mutex
	attempts := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	d := testDispatcher()
	d.Start()

	d.Enqueue(&models.Tenant{TenantID: "t", WebhookURL: srv.URL, WebhookSecret: "s"}, "transaction.flagged", nil)

	time.Sleep(200 * time.Millisecond)
	d.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, attempts, "4xx must not be retried")
}

func TestOverflowDropsOldest(t *testing.T) {
	// Workers never started, so the queue only fills.
	d := NewDispatcher(Config{Workers: 1, QueueSize: 2, BackoffBase: time.Millisecond})

	tenant := &models.Tenant{TenantID: "t", WebhookURL: "https://example.invalid/hook"}
	for i := 0; i < 5; i++ {
		d.Enqueue(tenant, "transaction.flagged", i)
	}

	assert.EqualValues(t, 3, d.Overflow())
	assert.Len(t, d.queue, 2)
}

func TestEnqueueWithoutURLIsNoop(t *testing.T) {
	d := testDispatcher()
	d.Enqueue(&models.Tenant{TenantID: "t"}, "transaction.flagged", nil)
	assert.Empty(t, d.queue)
}
