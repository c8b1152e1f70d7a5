package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff"

	"threadsync/internal/protocol"
	"threadsync/internal/thread"
)

var (
	// ErrGone is returned for backlog ranges compacted on the server
	ErrGone = errors.New("backlog compacted")
	// ErrNoThread is returned for threads the server does not know
	ErrNoThread = errors.New("no such thread")
)

// fetcher reads the out-of-band HTTP API of the server the session is
// connected to
type fetcher struct {
	base   string
	client *http.Client
	// Retries of transient failures per request
	retries uint64
}

// apiBase derives the HTTP API root from the websocket URL
func apiBase(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/ws")
	u.RawQuery = ""
	return u.String(), nil
}

// backlog fetches the logged operation frames in [from, to)
func (f *fetcher) backlog(ctx context.Context, id, from, to uint64) ([][]byte, error) {
	q := url.Values{}
	q.Set("from", strconv.FormatUint(from, 10))
	q.Set("to", strconv.FormatUint(to, 10))
	path := fmt.Sprintf("/api/threads/%d/backlog?%s", id, q.Encode())

	var frames []string
	if err := f.get(ctx, path, &frames); err != nil {
		return nil, err
	}
	if uint64(len(frames)) != to-from {
		return nil, fmt.Errorf("backlog of thread %d: got %d ops for [%d, %d)", id, len(frames), from, to)
	}
	out := make([][]byte, len(frames))
	for i, s := range frames {
		out[i] = []byte(s)
	}
	return out, nil
}

// snapshot fetches the full state of a thread
func (f *fetcher) snapshot(ctx context.Context, id uint64) (thread.Snapshot, error) {
	var s thread.Snapshot
	err := f.get(ctx, fmt.Sprintf("/api/threads/%d", id), &s)
	return s, err
}

// uploadImage registers a processed image and returns the token to attach it
// with
func (f *fetcher) uploadImage(ctx context.Context, img protocol.Image) (string, error) {
	buf, err := json.Marshal(img)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.base+"/api/images", bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("uploading image: %s", res.Status)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}

// get decodes the JSON response of path into v. Transient failures are
// retried with exponential backoff.
func (f *fetcher) get(ctx context.Context, path string, v interface{}) error {
	var final error
	op := func() error {
		err := f.getOnce(ctx, path, v)
		if err == nil || errors.Is(err, ErrGone) || errors.Is(err, ErrNoThread) || ctx.Err() != nil {
			final = err
			return nil
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), f.retries)); err != nil {
		return err
	}
	return final
}

func (f *fetcher) getOnce(ctx context.Context, path string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.base+path, nil)
	if err != nil {
		return err
	}
	res, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		return json.NewDecoder(res.Body).Decode(v)
	case http.StatusGone:
		return ErrGone
	case http.StatusNotFound:
		return ErrNoThread
	default:
		return fmt.Errorf("GET %s: %s", path, res.Status)
	}
}
