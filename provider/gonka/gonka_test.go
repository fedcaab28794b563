package gonka

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck

	"github.com/ineyio/tokenmeter"
)

// Use a known valid 32-byte hex key for all tests.
const validKeyHex = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

// --- address tests ---

func TestRegroup_8to5(t *testing.T) {
	out, err := regroup([]byte{0xff}, 8, 5, true)
	require.NoError(t, err)
	assert.Equal(t, []byte{31, 28}, out)

	_, err = regroup([]byte{32}, 5, 8, false)
	assert.Error(t, err)
}

func TestBech32_Deterministic(t *testing.T) {
	addr, err := bech32("gonka", make([]byte, 20))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(addr, "gonka1"))
	assert.Len(t, addr, len("gonka1")+32+6)

	again, err := bech32("gonka", make([]byte, 20))
	require.NoError(t, err)
	assert.Equal(t, addr, again)
}

func TestSigner_AddressIsStable(t *testing.T) {
	s1, err := newSigner(validKeyHex)
	require.NoError(t, err)
	s2, err := newSigner("0x" + validKeyHex)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(s1.address, "gonka1"), "got %s", s1.address)
	assert.Equal(t, s1.address, s2.address)
}

func TestNewSigner_Errors(t *testing.T) {
	_, err := newSigner("not-hex-at-all")
	assert.ErrorContains(t, err, "invalid private key hex")

	_, err = newSigner("0123456789abcdef")
	assert.ErrorContains(t, err, "must be 32 bytes")

	_, err = newSigner(strings.Repeat("00", 32))
	assert.ErrorContains(t, err, "zero")
}

func TestSign_DeterministicLowS(t *testing.T) {
	s, err := newSigner(validKeyHex)
	require.NoError(t, err)

	body := []byte(`{"model":"test","messages":[]}`)
	assert.Equal(t, s.sign(body, 1700000000000000000, "gonka1node"), s.sign(body, 1700000000000000000, "gonka1node"))

	halfOrder := new(big.Int).Rsh(secp256k1.S256().N, 1)
	for i := 0; i < 10; i++ {
		raw, err := base64.StdEncoding.DecodeString(s.sign([]byte(fmt.Sprintf(`{"i":%d}`, i)), int64(i), "gonka1node"))
		require.NoError(t, err)
		require.Len(t, raw, 64)
		assert.True(t, new(big.Int).SetBytes(raw[32:]).Cmp(halfOrder) <= 0, "s should be low")
	}
}

func TestSignerCache(t *testing.T) {
	var c signerCache

	first, err := c.get(validKeyHex)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := c.get(validKeyHex)
			assert.NoError(t, err)
			assert.Same(t, first, s)
		}()
	}
	wg.Wait()
}

func TestAccountAddress_RIPEMD160Vectors(t *testing.T) {
	h := ripemd160.New()
	assert.Equal(t, "9c1185a5c5e9fc54612808977ee8f548b2258d31", hex.EncodeToString(h.Sum(nil)))
	h.Write([]byte("abc"))
	assert.Equal(t, "8eb208f7e05d987a9b044a8e98c6b087f15a0bfc", hex.EncodeToString(h.Sum(nil)))
}

// --- transport tests ---

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func ok() (*http.Response, error) {
	return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader("{}"))}, nil
}

func TestSigningTransport_SignatureVerifies(t *testing.T) {
	fixedNow := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	endpoint := Endpoint{URL: "https://node.test/v1", Address: "gonka1nodeaddr"}

	var captured *http.Request
	var capturedBody []byte
	transport, err := newSigningTransport(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		captured = req
		capturedBody, _ = io.ReadAll(req.Body)
		return ok()
	}), []Endpoint{endpoint})
	require.NoError(t, err)
	transport.now = func() time.Time { return fixedNow }

	bodyStr := `{"model":"test","messages":[{"role":"user","content":"hi"}]}`
	req, _ := http.NewRequest("POST", endpoint.URL+"/chat/completions", strings.NewReader(bodyStr))
	req.Header.Set("Authorization", "Bearer "+validKeyHex)

	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, bodyStr, string(capturedBody))
	assert.Equal(t, fmt.Sprint(fixedNow.UnixNano()), captured.Header.Get("X-Timestamp"))
	assert.True(t, strings.HasPrefix(captured.Header.Get("X-Requester-Address"), "gonka1"))

	auth := captured.Header.Get("Authorization")
	assert.False(t, strings.HasPrefix(auth, "Bearer"))
	rawSig, err := base64.StdEncoding.DecodeString(auth)
	require.NoError(t, err)
	require.Len(t, rawSig, 64)

	bodyHash := sha256.Sum256(capturedBody)
	digest := sha256.Sum256([]byte(hex.EncodeToString(bodyHash[:]) + captured.Header.Get("X-Timestamp") + endpoint.Address))

	var r, s secp256k1.ModNScalar
	r.SetByteSlice(rawSig[:32])
	s.SetByteSlice(rawSig[32:])
	signer, err := newSigner(validKeyHex)
	require.NoError(t, err)
	assert.True(t, ecdsa.NewSignature(&r, &s).Verify(digest[:], signer.key.PubKey()))
}

func TestSigningTransport_InvalidKeyIsAuthFailure(t *testing.T) {
	transport, err := newSigningTransport(roundTripFunc(func(*http.Request) (*http.Response, error) {
		return ok()
	}), []Endpoint{{URL: "https://test/v1", Address: "gonka1addr"}})
	require.NoError(t, err)

	req, _ := http.NewRequest("POST", "https://test/v1/chat/completions", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer invalid-hex")

	_, err = transport.RoundTrip(req)
	assert.ErrorIs(t, err, tokenmeter.ErrAuthFailed)
}

func TestSigningTransport_RotatesEndpoints(t *testing.T) {
	endpoints := []Endpoint{
		{URL: "https://a.test/v1", Address: "gonka1a"},
		{URL: "http://b.test:8080/api/v1", Address: "gonka1b"},
	}
	var hits []string
	transport, err := newSigningTransport(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		hits = append(hits, req.URL.String())
		return ok()
	}), endpoints)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest("POST", "https://a.test/v1/chat/completions", strings.NewReader("{}"))
		req.Header.Set("Authorization", "Bearer "+validKeyHex)
		resp, err := transport.RoundTrip(req)
		require.NoError(t, err)
		resp.Body.Close()
	}

	assert.Equal(t, []string{
		"https://a.test/v1/chat/completions",
		"http://b.test:8080/api/v1/chat/completions",
		"https://a.test/v1/chat/completions",
	}, hits)
}

// --- provider tests ---

func TestNew_RequiresEndpoint(t *testing.T) {
	_, err := New()
	assert.Error(t, err)
}

func TestProvider_NameAndModels(t *testing.T) {
	p, err := New(WithEndpoint(Endpoint{URL: "https://test", Address: "gonka1x"}))
	require.NoError(t, err)
	assert.Equal(t, "gonka", p.Name())
	assert.True(t, p.SupportsModel("anything"))

	p, err = New(WithName("gonka-custom"), WithEndpoint(Endpoint{URL: "https://test", Address: "gonka1x"}), WithModels("a"))
	require.NoError(t, err)
	assert.Equal(t, "gonka-custom", p.Name())
	assert.True(t, p.SupportsModel("a"))
	assert.False(t, p.SupportsModel("c"))
}

func TestProvider_ChatCompletionStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.Header.Get("Authorization"), "Bearer") || r.Header.Get("X-Requester-Address") == "" {
			http.Error(w, "unsigned", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"c-1\",\"model\":\"test\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hello\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c-1\",\"model\":\"test\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\" world\"},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":2,\"total_tokens\":7}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p, err := New(WithEndpoint(Endpoint{URL: srv.URL, Address: "gonka1testnode"}), withClock(time.Now))
	require.NoError(t, err)

	stream, err := p.ChatCompletionStream(context.Background(), tokenmeter.ProviderRequest{
		Auth:     tokenmeter.Auth{APIKey: validKeyHex},
		Model:    "test-model",
		Messages: []tokenmeter.Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	defer stream.Close()

	var (
		content string
		usage   *tokenmeter.Usage
	)
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content += chunk.Content
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}
	assert.Equal(t, "hello world", content)
	require.NotNil(t, usage)
	assert.Equal(t, int64(7), usage.TotalTokens)
}

func TestProvider_HTTPErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, tokenmeter.ErrAuthFailed},
		{http.StatusTooManyRequests, tokenmeter.ErrRateLimited},
		{http.StatusInternalServerError, tokenmeter.ErrProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			p, err := New(WithEndpoint(Endpoint{URL: srv.URL, Address: "gonka1testnode"}), WithTimeout(5*time.Second))
			require.NoError(t, err)
			_, err = p.ChatCompletionStream(context.Background(), tokenmeter.ProviderRequest{
				Auth:     tokenmeter.Auth{APIKey: validKeyHex},
				Model:    "test-model",
				Messages: []tokenmeter.Message{{Role: "user", Content: "hi"}},
			})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
