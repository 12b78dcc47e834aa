package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type senderMock struct {
	sent map[string]string // destination -> text
	err  error
}

func (s *senderMock) Send(_ context.Context, destination, text string) error {
	if s.sent == nil {
		s.sent = map[string]string{}
	}
	s.sent[destination] = text
	return s.err
}

func TestNewService_NoDestinations(t *testing.T) {
	svc := NewService(Params{EnabledError: true})
	assert.Nil(t, svc)
}

func TestService_Send(t *testing.T) {
	svc := NewService(Params{WebhookURLs: []string{"http://hook1", "http://hook2"}})
	require.NotNil(t, svc)

	mock := &senderMock{}
	svc.sender = mock

	err := svc.Send(context.Background(), "job done", "AMR prediction j1 completed")
	require.NoError(t, err)
	require.Len(t, mock.sent, 2)
	assert.Contains(t, mock.sent["http://hook1"], "job done")
	assert.Contains(t, mock.sent["http://hook1"], "AMR prediction j1 completed")
}

func TestService_SendError(t *testing.T) {
	svc := NewService(Params{WebhookURLs: []string{"http://hook1", "http://hook2"}})
	require.NotNil(t, svc)

	mock := &senderMock{err: errors.New("connection refused")}
	svc.sender = mock

	err := svc.Send(context.Background(), "subj", "text")
	require.Error(t, err)
	assert.Len(t, mock.sent, 2, "all destinations tried despite failures")
}

func TestService_SendWebhook(t *testing.T) {
	received := make(chan string, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		received <- string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	svc := NewService(Params{WebhookURLs: []string{ts.URL}, Timeout: time.Second})
	require.NotNil(t, svc)

	err := svc.Send(context.Background(), "job \"Analysis of a.fasta\" completed", "AMR prediction j1 completed")
	require.NoError(t, err)

	select {
	case body := <-received:
		assert.Contains(t, body, "Analysis of a.fasta")
		assert.Contains(t, body, "AMR prediction j1 completed")
	case <-time.After(time.Second):
		t.Fatal("webhook not delivered")
	}
}

func TestService_Flags(t *testing.T) {
	svc := NewService(Params{WebhookURLs: []string{"http://hook"}, EnabledError: true})
	require.NotNil(t, svc)
	assert.True(t, svc.IsOnError())
	assert.False(t, svc.IsOnCompletion())
}
