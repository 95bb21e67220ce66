package tokenizer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ErrRemote is returned when the tokenizer service keeps failing after all retries.
var ErrRemote = errors.New("tokenizer service unavailable")

// HTTPOptions tunes the remote tokenizer client.
type HTTPOptions struct {
	// Timeout bounds each request. Default 1s.
	Timeout time.Duration
	// Retries is the number of extra attempts after a failed request. Default 2;
	// negative disables retrying.
	Retries int
	// Backoff is the pause between attempts. Default 1s; negative disables it.
	Backoff time.Duration
	Client  *http.Client
}

func (o HTTPOptions) withDefaults() HTTPOptions {
	if o.Timeout <= 0 {
		o.Timeout = time.Second
	}
	switch {
	case o.Retries == 0:
		o.Retries = 2
	case o.Retries < 0:
		o.Retries = 0
	}
	if o.Backoff == 0 {
		o.Backoff = time.Second
	}
	if o.Client == nil {
		o.Client = &http.Client{}
	}
	return o
}

// HTTPTokenizer delegates encoding and decoding to a tokenizer service:
//
//	GET  /bos_id  -> {"bos_id": n}
//	GET  /eos_id  -> {"eos_id": n}
//	POST /encode  {"text": s, "img_prompt": b} -> {"token_ids": [...]}
//	POST /decode  {"token_ids": [...]}         -> {"text": s}
type HTTPTokenizer struct {
	base  string
	opts  HTTPOptions
	bosID int
	eosID int
}

type encodeRequest struct {
	Text      string `json:"text"`
	ImgPrompt bool   `json:"img_prompt"`
}

type encodeResponse struct {
	TokenIDs []int `json:"token_ids"`
}

type decodeRequest struct {
	TokenIDs []int `json:"token_ids"`
}

type decodeResponse struct {
	Text string `json:"text"`
}

// Dial connects to the service at base and fetches the begin and end ids.
func Dial(ctx context.Context, base string, opts HTTPOptions) (*HTTPTokenizer, error) {
	if strings.TrimSpace(base) == "" {
		return nil, errors.New("tokenizer service url required")
	}
	t := &HTTPTokenizer{base: strings.TrimRight(base, "/"), opts: opts.withDefaults()}

	var bos struct {
		ID int `json:"bos_id"`
	}
	if err := t.call(ctx, http.MethodGet, "/bos_id", nil, &bos); err != nil {
		return nil, err
	}
	var eos struct {
		ID int `json:"eos_id"`
	}
	if err := t.call(ctx, http.MethodGet, "/eos_id", nil, &eos); err != nil {
		return nil, err
	}
	t.bosID, t.eosID = bos.ID, eos.ID
	return t, nil
}

func (t *HTTPTokenizer) Encode(text string, imagePrompt bool) ([]int, error) {
	return t.EncodeContext(context.Background(), text, imagePrompt)
}

// EncodeContext is Encode with retries and backoff bounded by ctx.
func (t *HTTPTokenizer) EncodeContext(ctx context.Context, text string, imagePrompt bool) ([]int, error) {
	var resp encodeResponse
	if err := t.call(ctx, http.MethodPost, "/encode", encodeRequest{Text: text, ImgPrompt: imagePrompt}, &resp); err != nil {
		return nil, err
	}
	return resp.TokenIDs, nil
}

// Decode returns ErrRemote once every attempt failed; callers treat that as empty text.
func (t *HTTPTokenizer) Decode(ids []int) (string, error) {
	return t.DecodeContext(context.Background(), ids)
}

// DecodeContext is Decode with retries and backoff bounded by ctx.
func (t *HTTPTokenizer) DecodeContext(ctx context.Context, ids []int) (string, error) {
	if len(ids) == 0 {
		return "", nil
	}
	var resp decodeResponse
	if err := t.call(ctx, http.MethodPost, "/decode", decodeRequest{TokenIDs: ids}, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (t *HTTPTokenizer) IsEnd(id int) bool { return id == t.eosID }
func (t *HTTPTokenizer) BOSID() int        { return t.bosID }
func (t *HTTPTokenizer) EOSID() int        { return t.eosID }

func (t *HTTPTokenizer) call(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}
	var lastErr error
	for attempt := 0; attempt <= t.opts.Retries; attempt++ {
		if attempt > 0 && t.opts.Backoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(t.opts.Backoff):
			}
		}
		lastErr = t.once(ctx, method, path, payload, out)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %s %s after %d attempts: %v", ErrRemote, method, path, t.opts.Retries+1, lastErr)
}

func (t *HTTPTokenizer) once(ctx context.Context, method, path string, payload []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.base+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := t.opts.Client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
