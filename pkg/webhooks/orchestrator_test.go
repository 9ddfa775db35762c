package webhooks

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/n8nstream/pkg/config"
	"github.com/tcmartin/n8nstream/pkg/correlation"
	"github.com/tcmartin/n8nstream/pkg/jsonvalue"
	"github.com/tcmartin/n8nstream/pkg/logging"
	"github.com/tcmartin/n8nstream/pkg/models"
	"github.com/tcmartin/n8nstream/pkg/n8n"
	"github.com/tcmartin/n8nstream/pkg/poller"
	"github.com/tcmartin/n8nstream/pkg/streaming"
)

// MockPoller is a mock implementation of StatusPoller
type MockPoller struct {
	mock.Mock
}

func (m *MockPoller) Poll(ctx context.Context, executionID string, remaining time.Duration, startTime time.Time) models.Result {
	args := m.Called(ctx, executionID, remaining, startTime)
	return args.Get(0).(models.Result)
}

// MockLister is a mock implementation of correlation.ExecutionLister
type MockLister struct {
	mock.Mock
}

func (m *MockLister) ListExecutions(ctx context.Context, opts n8n.ListOptions) ([]models.N8nExecution, error) {
	args := m.Called(ctx, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.N8nExecution), args.Error(1)
}

type fakeSubscriber struct {
	mu   sync.Mutex
	subs map[string]streaming.Callbacks
	err  error
}

func (f *fakeSubscriber) Subscribe(executionID string, cb streaming.Callbacks) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.subs == nil {
		f.subs = make(map[string]streaming.Callbacks)
	}
	f.subs[executionID] = cb
	return nil
}

func webhookServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func localResolver() *correlation.Resolver {
	return correlation.NewResolver(nil, correlation.DefaultOptions(), logging.NewDiscard())
}

func remoteResolver(lister correlation.ExecutionLister) *correlation.Resolver {
	opts := correlation.DefaultOptions()
	opts.Lookup.MaxAttempts = 2
	opts.Lookup.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return correlation.NewResolver(lister, opts, logging.NewDiscard())
}

func TestCallPollsAcknowledgedExecution(t *testing.T) {
	n8nServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/executions/abc", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "abc",
			"workflowId": "wf-1",
			"status": "success",
			"finished": true,
			"startedAt": "2024-05-01T10:00:00.000Z",
			"data": {"resultData": {"runData": {"Answer": [{"data": {"reply": "hi"}}]}}}
		}`))
	}))
	defer n8nServer.Close()

	hook := webhookServer(t, http.StatusOK, `{"executionId":"abc","message":"Workflow was started"}`)

	client := n8n.NewClient(n8n.ClientConfig{BaseURL: n8nServer.URL, APIKey: "key"}, logging.NewDiscard())
	o := New(nil, localResolver(), poller.New(client, 10*time.Millisecond, logging.NewDiscard()), nil, DefaultOptions(), logging.NewDiscard())

	result := o.Call(context.Background(), CallRequest{URL: hook.URL, Payload: map[string]string{"q": "x"}})

	require.True(t, result.Success, result.Error)
	assert.Equal(t, "abc", result.ExecutionID)
	assert.Equal(t, `{"reply":"hi"}`, result.Data.String())
	assert.Equal(t, "wf-1", result.WorkflowID)
}

func TestCallNon2xx(t *testing.T) {
	hook := webhookServer(t, http.StatusInternalServerError, `{"message":"boom"}`)
	p := new(MockPoller)
	o := New(nil, localResolver(), p, nil, DefaultOptions(), logging.NewDiscard())

	result := o.Call(context.Background(), CallRequest{URL: hook.URL})

	assert.False(t, result.Success)
	assert.Equal(t, http.StatusInternalServerError, result.StatusCode)
	assert.Contains(t, result.Error, "HTTP 500")
	p.AssertNotCalled(t, "Poll", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCallTimeout(t *testing.T) {
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer hook.Close()

	o := New(nil, localResolver(), nil, nil, DefaultOptions(), logging.NewDiscard())
	result := o.Call(context.Background(), CallRequest{URL: hook.URL, Timeout: 50 * time.Millisecond})

	assert.False(t, result.Success)
	assert.True(t, result.TimedOut)
	assert.Contains(t, result.Error, "timed out")
}

func TestCallNetworkError(t *testing.T) {
	hook := httptest.NewServer(http.NotFoundHandler())
	url := hook.URL
	hook.Close()

	o := New(nil, localResolver(), nil, nil, DefaultOptions(), logging.NewDiscard())
	result := o.Call(context.Background(), CallRequest{URL: url})

	assert.False(t, result.Success)
	assert.False(t, result.TimedOut)
	assert.Contains(t, result.Error, "Network error")
}

func TestCallSynchronousResponse(t *testing.T) {
	hook := webhookServer(t, http.StatusOK, `{"answer":42,"executionId":"e-9"}`)
	p := new(MockPoller)
	o := New(nil, localResolver(), p, nil, DefaultOptions(), logging.NewDiscard())

	wait := false
	result := o.Call(context.Background(), CallRequest{URL: hook.URL, WaitForCompletion: &wait})

	require.True(t, result.Success)
	assert.Equal(t, `{"answer":42,"executionId":"e-9"}`, result.Data.String())
	assert.Equal(t, "e-9", result.ExecutionID)
	p.AssertNotCalled(t, "Poll", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCallUnresolvedAcknowledgement(t *testing.T) {
	cases := []struct {
		name     string
		body     string
		resolver func() *correlation.Resolver
		note     string
	}{
		{
			name:     "no credentials",
			body:     `{"message":"Workflow was started"}`,
			resolver: localResolver,
			note:     NoteNoCredentials,
		},
		{
			name: "lookup failed",
			body: `{"message":"Workflow started"}`,
			resolver: func() *correlation.Resolver {
				lister := new(MockLister)
				lister.On("ListExecutions", mock.Anything, mock.Anything).Return([]models.N8nExecution{}, nil)
				return remoteResolver(lister)
			},
			note: NoteNotResolved,
		},
		{
			name:     "substantive body",
			body:     `{"async":true,"summary":"done","count":3}`,
			resolver: localResolver,
			note:     NoteSynchronous,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hook := webhookServer(t, http.StatusOK, tc.body)
			p := new(MockPoller)
			o := New(nil, tc.resolver(), p, nil, DefaultOptions(), logging.NewDiscard())

			result := o.Call(context.Background(), CallRequest{URL: hook.URL})

			require.True(t, result.Success)
			assert.Equal(t, tc.note, result.Note)
			assert.Equal(t, tc.body, result.Data.String())
			p.AssertNotCalled(t, "Poll", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestCallFailsFastWithoutBudget(t *testing.T) {
	hook := webhookServer(t, http.StatusOK, `{"executionId":"abc","message":"Workflow was started"}`)
	p := new(MockPoller)
	o := New(nil, localResolver(), p, nil, DefaultOptions(), logging.NewDiscard())

	calls := 0
	o.now = func() time.Time {
		calls++
		if calls == 1 {
			return time.Now()
		}
		return time.Now().Add(time.Minute)
	}

	result := o.Call(context.Background(), CallRequest{URL: hook.URL, Timeout: 10 * time.Second})

	assert.False(t, result.Success)
	assert.True(t, result.TimedOut)
	assert.Equal(t, "abc", result.ExecutionID)
	p.AssertNotCalled(t, "Poll", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCallPassesRemainingBudget(t *testing.T) {
	hook := webhookServer(t, http.StatusOK, `{"executionId":"abc","message":"Workflow was started"}`)
	p := new(MockPoller)
	p.On("Poll", mock.Anything, "abc", mock.MatchedBy(func(d time.Duration) bool {
		return d > 0 && d <= 30*time.Second
	}), mock.Anything).Return(models.FailureResult("Workflow execution abc failed", "abc"))

	o := New(nil, localResolver(), p, nil, DefaultOptions(), logging.NewDiscard())
	result := o.Call(context.Background(), CallRequest{URL: hook.URL, Timeout: 30 * time.Second})

	assert.False(t, result.Success)
	assert.Equal(t, "Workflow execution abc failed", result.Error)
	p.AssertExpectations(t)
}

func TestCallStreaming(t *testing.T) {
	hook := webhookServer(t, http.StatusOK, `{"executionId":"abc","message":"Workflow was started"}`)
	p := new(MockPoller)
	subs := &fakeSubscriber{}
	o := New(nil, localResolver(), p, subs, DefaultOptions(), logging.NewDiscard())

	var started string
	cb := &streaming.Callbacks{OnStart: func(id string) { started = id }}

	result := o.Call(context.Background(), CallRequest{URL: hook.URL, Callbacks: cb})

	require.True(t, result.Success)
	assert.True(t, result.Streaming)
	assert.Equal(t, "abc", result.ExecutionID)
	assert.True(t, result.Data.IsNull())
	assert.Equal(t, "abc", started)
	assert.Contains(t, subs.subs, "abc")
	p.AssertNotCalled(t, "Poll", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCallStreamingNotCorrelated(t *testing.T) {
	hook := webhookServer(t, http.StatusOK, `{"message":"Workflow was started"}`)
	subs := &fakeSubscriber{}
	o := New(nil, localResolver(), nil, subs, DefaultOptions(), logging.NewDiscard())

	var gotErr error
	cb := &streaming.Callbacks{
		OnStart: func(string) { t.Fatal("OnStart must not run") },
		OnError: func(err error) { gotErr = err },
	}

	result := o.Call(context.Background(), CallRequest{URL: hook.URL, Callbacks: cb})

	assert.False(t, result.Success)
	assert.False(t, result.Streaming)
	assert.True(t, errors.Is(gotErr, ErrNotCorrelated))
	assert.Empty(t, subs.subs)
}

func TestLooksAsync(t *testing.T) {
	cases := map[string]bool{
		`{"executionId":"1"}`:                true,
		`{"executionId":0}`:                  true,
		`{"data":{"executionId":"x"}}`:       true,
		`{"async":true}`:                     true,
		`{"async":false}`:                    false,
		`{"message":"Workflow was started"}`: true,
		`{"message":"workflow started"}`:     true,
		`{"message":"hello"}`:                false,
		`[{"executionId":"1"}]`:              false,
		`"Workflow was started"`:             false,
	}
	for raw, want := range cases {
		v, err := jsonvalue.Parse([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, want, looksAsync(v), raw)
	}
}

func TestSubstantive(t *testing.T) {
	cases := map[string]bool{
		`{"message":"Workflow was started","executionId":"1"}`: false,
		`{"reply":"hi"}`:                                       false,
		`{"reply":"hi","tokens":12}`:                           true,
		`{"message":"ok","result":[1]}`:                        true,
		`[]`:                                                   false,
		`[1]`:                                                  true,
		`"text"`:                                               false,
	}
	for raw, want := range cases {
		v, err := jsonvalue.Parse([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, want, substantive(v), raw)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	o, streams := FromConfig(cfg, logging.NewDiscard())
	defer streams.Close()

	assert.False(t, o.resolver.RemoteEnabled())
	assert.Nil(t, o.poller)
	assert.True(t, o.opts.WaitForCompletion)
	assert.Equal(t, "POST", o.opts.DefaultMethod)

	cfg.N8n.BaseURL = "https://n8n.example.com"
	cfg.N8n.APIKey = "key"
	o, streams2 := FromConfig(cfg, logging.NewDiscard())
	defer streams2.Close()

	assert.True(t, o.resolver.RemoteEnabled())
	assert.NotNil(t, o.poller)
}
