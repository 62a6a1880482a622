package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendMarkdownSigned(t *testing.T) {
	var gotQuery map[string]string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{
			"timestamp": r.URL.Query().Get("timestamp"),
			"sign":      r.URL.Query().Get("sign"),
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"errcode":0,"errmsg":"ok"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "s3cret", time.Second)
	c.now = func() time.Time { return time.UnixMilli(1700000000000) }
	resp, err := c.SendMarkdown(context.Background(), "BTC BIG_MOVE", "**BTC** -9%")
	require.NoError(t, err)
	assert.Equal(t, 0, resp.ErrCode)

	assert.Equal(t, "1700000000000", gotQuery["timestamp"])
	assert.Equal(t, Sign("1700000000000\ns3cret", "s3cret"), gotQuery["sign"])
	assert.Equal(t, "markdown", gotBody["msgtype"])
	md := gotBody["markdown"].(map[string]any)
	assert.Equal(t, "BTC BIG_MOVE", md["title"])
}

func TestSendMarkdownUnsigned(t *testing.T) {
	var rawQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"errcode":310000,"errmsg":"keywords not in content"}`))
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL, "", time.Second).SendMarkdown(context.Background(), "t", "m")
	require.NoError(t, err)
	assert.Empty(t, rawQuery)
	assert.Equal(t, 310000, resp.ErrCode)
}

func TestSendMarkdownErrors(t *testing.T) {
	_, err := NewClient("", "", 0).SendMarkdown(context.Background(), "t", "m")
	require.Error(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	_, err = NewClient(srv.URL, "", time.Second).SendMarkdown(context.Background(), "t", "m")
	require.Error(t, err)
}

func TestSignKnownValue(t *testing.T) {
	// HMAC-SHA256("msg", key="key"), base64
	assert.Equal(t, "LZPLwb4We8sWN6SiPL/wGnh48MUO6DOVTqUiG7G4xig=", Sign("msg", "key"))
}
