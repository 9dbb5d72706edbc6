package verifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/verify", r.URL.Path)
		var req struct {
			CPID     string `json:"cp_id"`
			Username string `json:"username"`
			Password string `json:"password"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if req.CPID == "CP-001" && req.Password == "secret" {
			_ = json.NewEncoder(w).Encode(map[string]bool{"valid": true})
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)

	ok, err := c.Verify(context.Background(), "CP-001", "u", "secret")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.Verify(context.Background(), "CP-001", "u", "wrong")
	require.NoError(t, err)
	require.False(t, ok, "explicit rejection is not an error")
}

func TestVerifyUnreachable(t *testing.T) {
	c := New("http://127.0.0.1:1", 200*time.Millisecond)
	_, err := c.Verify(context.Background(), "CP-001", "u", "p")
	require.Error(t, err, "transport failure must surface as error, not denial")
}

func TestList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/list", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"charging_points": []map[string]any{
				{"cp_id": "CP-001", "city": "Madrid", "price_per_kwh": 0.30},
				{"cp_id": "CP-002", "city": "Getafe", "price_per_kwh": 0.25},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	cps, err := c.List(context.Background())
	require.NoError(t, err)
	require.Len(t, cps, 2)
	require.Equal(t, "CP-001", cps[0].CPID)
	require.Equal(t, 0.25, cps[1].PricePerKWh)
}
