package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cast"

	apperrors "mstock-trader/internal/errors"
	"mstock-trader/internal/logging"
	"mstock-trader/internal/security"
)

// Request timeouts.
const (
	ConnectTimeout = 5 * time.Second
	ReadTimeout    = 15 * time.Second
)

const (
	miraeVersion     = "1"
	maxResponseBytes = 8 << 20
	userAgent        = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// The API sits behind a WAF that rejects non-browser clients.
var browserHeaders = map[string]string{
	"User-Agent":         userAgent,
	"Accept":             "application/json, text/plain, */*",
	"Accept-Language":    "en-US,en;q=0.9",
	"Sec-Ch-Ua":          `"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`,
	"Sec-Ch-Ua-Mobile":   "?0",
	"Sec-Ch-Ua-Platform": `"Windows"`,
	"Sec-Fetch-Dest":     "empty",
	"Sec-Fetch-Mode":     "cors",
	"Sec-Fetch-Site":     "same-site",
}

// NewHTTPClient returns a client with a 5s connect and 15s read budget.
func NewHTTPClient() *http.Client {
	dialer := &net.Dialer{Timeout: ConnectTimeout, KeepAlive: 30 * time.Second}
	return &http.Client{
		Timeout: ConnectTimeout + ReadTimeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   ConnectTimeout,
			ResponseHeaderTimeout: ReadTimeout,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// envelope is the top-level shape of every Type A response.
type envelope struct {
	Status    string          `json:"status"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

type call struct {
	op     string
	method string
	path   string
	query  url.Values
	form   url.Values
	// order marks placement calls, where a non-success status is a
	// rejection rather than a session problem.
	order bool
}

type restClient struct {
	baseURL string
	http    *http.Client
	conn    *Connectivity
	logger  zerolog.Logger
}

// send performs one round-trip. authorization is the full header value,
// empty for unauthenticated calls.
func (r *restClient) send(ctx context.Context, c call, authorization string) (json.RawMessage, error) {
	start := time.Now()
	data, err := r.roundTrip(ctx, c, authorization)
	logging.LogAPICall(r.logger, c.method, c.path, time.Since(start), err)
	return data, err
}

func (r *restClient) roundTrip(ctx context.Context, c call, authorization string) (json.RawMessage, error) {
	target := strings.TrimRight(r.baseURL, "/") + c.path
	if len(c.query) > 0 {
		target += "?" + c.query.Encode()
	}

	var body io.Reader
	if c.form != nil {
		body = strings.NewReader(c.form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, c.method, target, body)
	if err != nil {
		return nil, apperrors.NewBrokerError(c.op, 0, "building request", err)
	}
	for k, v := range browserHeaders {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Mirae-Version", miraeVersion)
	if c.form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.conn.MarkOffline(err)
		return nil, apperrors.NewBrokerError(c.op, 0, err.Error(), apperrors.ErrOffline)
	}
	defer resp.Body.Close()
	r.conn.MarkOnline()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperrors.NewBrokerError(c.op, resp.StatusCode, "reading response: "+err.Error(), apperrors.ErrOffline)
	}
	return decodeEnvelope(c, resp.StatusCode, raw)
}

func decodeEnvelope(c call, status int, raw []byte) (json.RawMessage, error) {
	text := snippet(raw)
	if status == http.StatusUnauthorized || status == http.StatusForbidden || bytes.Contains(raw, []byte("TokenException")) {
		return nil, apperrors.NewBrokerError(c.op, status, text, apperrors.ErrAuth)
	}

	raw = bytes.TrimSpace(raw)
	// Placement may answer with a one-element list.
	if len(raw) > 0 && raw[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
			raw = list[0]
		}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, apperrors.NewBrokerError(c.op, status, "malformed response: "+text, nil)
	}
	if status != http.StatusOK {
		msg := env.Message
		if msg == "" {
			msg = text
		}
		return nil, apperrors.NewBrokerError(c.op, status, msg, nil)
	}
	if !strings.EqualFold(env.Status, "success") {
		if c.order {
			return nil, apperrors.NewBrokerError(c.op, status, env.Message, apperrors.ErrOrderRejected)
		}
		return nil, apperrors.NewBrokerError(c.op, status, fmt.Sprintf("status %q: %s", env.Status, env.Message), apperrors.ErrAuth)
	}
	return env.Data, nil
}

// snippet trims a response body for error messages, masking anything
// that looks like a credential.
func snippet(raw []byte) string {
	s := security.MaskString(strings.TrimSpace(string(raw)))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// row is one loosely typed record. The API mixes numbers and numeric
// strings, and renames fields between endpoints.
type row map[string]interface{}

func decodeJSON(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// decodeRows accepts a list, a single object, null, or the plain string
// the positions endpoint returns when there is nothing to report.
func decodeRows(data json.RawMessage) ([]row, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	switch data[0] {
	case '[':
		var rows []row
		if err := decodeJSON(data, &rows); err != nil {
			return nil, err
		}
		return rows, nil
	case '{':
		var r row
		if err := decodeJSON(data, &r); err != nil {
			return nil, err
		}
		return []row{r}, nil
	default:
		return nil, nil
	}
}

func scalar(v interface{}) interface{} {
	if n, ok := v.(json.Number); ok {
		return n.String()
	}
	return v
}

func (r row) str(keys ...string) string {
	for _, k := range keys {
		if v, ok := r[k]; ok && v != nil {
			if s := strings.TrimSpace(cast.ToString(scalar(v))); s != "" {
				return s
			}
		}
	}
	return ""
}

func (r row) float(keys ...string) float64 {
	for _, k := range keys {
		if v, ok := r[k]; ok && v != nil {
			if f := cast.ToFloat64(scalar(v)); f != 0 {
				return f
			}
		}
	}
	return 0
}

func (r row) integer(keys ...string) int {
	return int(r.float(keys...))
}

func (r row) nested(key string) row {
	if m, ok := r[key].(map[string]interface{}); ok {
		return row(m)
	}
	return row{}
}
