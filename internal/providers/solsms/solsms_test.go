package solsms

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dummyKey = "mykey"

var ctx = context.Background()

func newAPI(t *testing.T) *SolSMS {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("api_key") != dummyKey {
			w.Write([]byte(`{"status": "A401B", "message": "invalid api key"}`))
			return
		}

		switch r.FormValue("method") {
		case "account.credits":
			w.Write([]byte(`{"status": "OK", "data": {"credits": 100}}`))
		case "sms":
			switch r.FormValue("to") {
			case "10000000000":
				w.Write([]byte(`{"status": "E601", "message": "dnd number"}`))
				return
			case "20000000000":
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Write([]byte(`{"status": "OK", "message": "campaign of 1 numbers submitted"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	s, err := New(Config{RootURL: srv.URL, APIKey: dummyKey, Sender: "PHNVFY"})
	require.NoError(t, err)
	return s
}

func TestNew(t *testing.T) {
	_, err := New(Config{Sender: "x"})
	assert.Error(t, err, "missing api_key should fail")
}

func TestSend(t *testing.T) {
	s := newAPI(t)

	ack, err := s.Send(ctx, "+919876543210", "123456")
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	assert.True(t, ack.Confirmed)

	// A 200 with an error status is taken but unconfirmed. The ack policy
	// is the registry's call.
	ack, err = s.Send(ctx, "+10000000000", "123456")
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	assert.False(t, ack.Confirmed)
	assert.Equal(t, "dnd number", ack.Message)

	ack, err = s.Send(ctx, "+20000000000", "123456")
	require.NoError(t, err)
	assert.False(t, ack.Accepted)
	assert.False(t, ack.Confirmed)
}

func TestCheckNumber(t *testing.T) {
	s := newAPI(t)

	chk, err := s.CheckNumber(ctx, "919876543210")
	require.NoError(t, err)
	assert.True(t, chk.Exists)
	assert.Equal(t, "+919876543210", chk.Formatted)

	_, err = s.CheckNumber(ctx, "+123")
	assert.Error(t, err, "malformed numbers can't be checked")
}

func TestPing(t *testing.T) {
	s := newAPI(t)
	assert.NoError(t, s.Ping(ctx))

	s.cfg.APIKey = "bad"
	assert.Error(t, s.Ping(ctx))
}
