package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendMulticast(t *testing.T) {
	t.Run("reports per-token results", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/multicast", r.URL.Path)

			var req struct {
				Message Message  `json:"message"`
				Tokens  []string `json:"tokens"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "hi", req.Message.Title)
			assert.Len(t, req.Tokens, 3)

			_ = json.NewEncoder(w).Encode(BatchResult{
				SuccessCount: 2,
				FailureCount: 1,
				FailedTokens: []string{"t3"},
			})
		}))
		defer srv.Close()

		c := NewClient(srv.URL, 0)
		result, err := c.SendMulticast(context.Background(),
			Message{Title: "hi", Body: "there"}, []string{"t1", "t2", "t3"})
		require.NoError(t, err)
		assert.Equal(t, 2, result.SuccessCount)
		assert.Equal(t, []string{"t3"}, result.FailedTokens)
	})

	t.Run("rejects oversized batch", func(t *testing.T) {
		c := NewClient("http://unreachable.invalid", 0)
		tokens := make([]string, MaxBatchSize+1)
		for i := range tokens {
			tokens[i] = "t"
		}
		_, err := c.SendMulticast(context.Background(), Message{Title: "x", Body: "y"}, tokens)
		assert.Error(t, err)
	})

	t.Run("empty batch makes no call", func(t *testing.T) {
		c := NewClient("http://unreachable.invalid", 0)
		result, err := c.SendMulticast(context.Background(), Message{Title: "x", Body: "y"}, nil)
		require.NoError(t, err)
		assert.Zero(t, result.SuccessCount)
	})
}
