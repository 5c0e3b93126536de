package ipfs

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/LiuMou68/starchain-backend/internal/config"

	"github.com/stretchr/testify/require"
)

func newTestClient(cfg config.IPFSConfig) *PinataClient {
	return NewPinataClient(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPinRequiresCredentials(t *testing.T) {
	c := newTestClient(config.IPFSConfig{})
	_, err := c.PinJSON(t.Context(), map[string]string{"a": "b"}, "meta.json")
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestPinJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "key", r.Header.Get("pinata_api_key"))
		require.Equal(t, "secret", r.Header.Get("pinata_secret_api_key"))

		require.NoError(t, r.ParseMultipartForm(1 << 20))
		file, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		require.Equal(t, "certificate_CERT-2026-ABCDEF01.json", hdr.Filename)

		var doc map[string]string
		require.NoError(t, json.NewDecoder(file).Decode(&doc))
		require.Equal(t, "b", doc["a"])

		json.NewEncoder(w).Encode(pinataResponse{IpfsHash: "QmPinned", PinSize: 42})
	}))
	defer srv.Close()

	c := newTestClient(config.IPFSConfig{APIKey: "key", SecretKey: "secret", Gateway: "https://ipfs.io/ipfs/"})
	c.pinURL = srv.URL

	hash, err := c.PinJSON(t.Context(), map[string]string{"a": "b"}, "certificate_CERT-2026-ABCDEF01.json")
	require.NoError(t, err)
	require.Equal(t, "QmPinned", hash)
}

func TestPinErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid credentials"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(config.IPFSConfig{APIKey: "key", SecretKey: "bad"})
	c.pinURL = srv.URL

	_, err := c.PinFile(t.Context(), []byte("data"), "file.bin")
	require.Error(t, err)
	require.Contains(t, err.Error(), "401")
}

func TestGatewayURL(t *testing.T) {
	c := newTestClient(config.IPFSConfig{Gateway: "https://gateway.pinata.cloud/ipfs/"})
	require.Equal(t, "https://gateway.pinata.cloud/ipfs/Qm123", c.GatewayURL("Qm123"))
	require.Equal(t, "https://gateway.pinata.cloud/ipfs/Qm123", c.GatewayURL("ipfs://Qm123"))
}
