package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/language", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"hello", "bonjour"}, req.Texts)
		assert.JSONEq(t, `{"threshold":0.5}`, string(req.Params))

		fmt.Fprint(w, `{"results":[{"isoCode":"en","confidence":0.99},null]}`)
	}))
	defer server.Close()

	c := NewClient(server.URL+"/", time.Second, 100)
	results, err := c.Classify(context.Background(), MethodLanguage, []string{"hello", "bonjour"}, json.RawMessage(`{"threshold":0.5}`))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.JSONEq(t, `{"isoCode":"en","confidence":0.99}`, string(results[0]))
	assert.Equal(t, "null", string(results[1]))
}

func TestClassifyNoTexts(t *testing.T) {
	c := NewClient("http://127.0.0.1:0", time.Second, 0)
	results, err := c.Classify(context.Background(), MethodTopics, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestClassifyTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	c := NewClient(server.URL, 20*time.Millisecond, 0)
	_, err := c.Classify(context.Background(), MethodToxicity, []string{"x"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestClassifyErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, "boom"},
		{"bad json", http.StatusOK, "not json"},
		{"result count mismatch", http.StatusOK, `{"results":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			c := NewClient(server.URL, time.Second, 0)
			_, err := c.Classify(context.Background(), MethodPII, []string{"x"}, nil)
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrTimeout)
		})
	}
}

func TestClassifyRespectsCancelledContext(t *testing.T) {
	c := NewClient("http://127.0.0.1:0", time.Second, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Classify(ctx, MethodSentiment, []string{"x"}, nil)
	require.Error(t, err)
}
