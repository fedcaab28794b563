package gonka

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ineyio/tokenmeter"
)

// Endpoint represents a Gonka inference node.
type Endpoint struct {
	URL     string // HTTP endpoint (e.g. "https://node1.gonka.ai/v1")
	Address string // Cosmos bech32 address of the node (transfer_address in signing)
}

// signingTransport replaces the bearer key on each outgoing request with a
// request signature. Requests rotate across endpoints; each is signed for the
// node that will receive it.
type signingTransport struct {
	base      http.RoundTripper
	signers   signerCache
	endpoints []Endpoint
	targets   []*url.URL
	basePath  string
	next      atomic.Uint64
	now       func() time.Time
}

func newSigningTransport(base http.RoundTripper, endpoints []Endpoint) (*signingTransport, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("gonka: at least one endpoint is required")
	}
	t := &signingTransport{
		base:      base,
		endpoints: endpoints,
		now:       time.Now,
	}
	for _, e := range endpoints {
		u, err := url.Parse(strings.TrimRight(e.URL, "/"))
		if err != nil {
			return nil, fmt.Errorf("gonka: endpoint %q: %w", e.URL, err)
		}
		t.targets = append(t.targets, u)
	}
	t.basePath = t.targets[0].Path
	return t, nil
}

// RoundTrip implements http.RoundTripper.
func (t *signingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	hexKey, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return nil, fmt.Errorf("gonka: %w: missing Bearer authorization header", tokenmeter.ErrAuthFailed)
	}
	s, err := t.signers.get(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("gonka: %w: %w", tokenmeter.ErrAuthFailed, err)
	}

	var body []byte
	if req.Body != nil {
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("gonka: read request body: %w", err)
		}
	}

	i := int((t.next.Add(1) - 1) % uint64(len(t.endpoints)))
	endpoint, target := t.endpoints[i], t.targets[i]

	ts := t.now().UnixNano()

	clone := req.Clone(req.Context())
	clone.URL.Scheme = target.Scheme
	clone.URL.Host = target.Host
	clone.URL.Path = target.Path + strings.TrimPrefix(req.URL.Path, t.basePath)
	clone.Host = target.Host
	clone.Header.Set("Authorization", s.sign(body, ts, endpoint.Address))
	clone.Header.Set("X-Requester-Address", s.address)
	clone.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.ContentLength = int64(len(body))

	return t.base.RoundTrip(clone)
}
