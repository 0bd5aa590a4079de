// Package transfer provides the two source-acquisition primitives the
// generator pipeline needs: a local directory scan/copy, and an HTTP fetch
// with a per-call timeout and retry/backoff (spec section 4.3, step 2
// "Acquire source"). Registry mirroring and SSH fan-out are the source
// repo's problem, not this one's (spec section 1, Non-goals).
package transfer

import (
	"context"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/containers/common/pkg/retry"
	copydir "github.com/otiai10/copy"

	"github.com/xfonelabs/system-image-server/pkg/errs"
	"github.com/xfonelabs/system-image-server/pkg/log"
)

// Fetcher is the collaborator interface generators depend on, so tests can
// substitute a fake that never touches the network.
type Fetcher interface {
	// FetchHTTP GETs url within timeout, retrying transient failures. Any
	// error it returns is a Network kind; generators pass it up and the
	// dispatcher turns it into "no payload" (spec section 4.3, step 2).
	FetchHTTP(ctx context.Context, url string, timeout time.Duration) ([]byte, error)
	// CopyDir recursively copies src into dst.
	CopyDir(src, dst string) error
}

// HTTPFetcher is the production Fetcher: a real client with exponential
// backoff retry, grounded on the same retry.IfNecessary idiom the rest of
// the ecosystem uses for registry transfers.
type HTTPFetcher struct {
	Log       log.PluggableLoggerInterface
	RetryOpts *retry.RetryOptions
}

// NewHTTPFetcher returns an HTTPFetcher with the given logger and a
// conservative default retry policy.
func NewHTTPFetcher(logger log.PluggableLoggerInterface) *HTTPFetcher {
	if logger == nil {
		logger = log.New("error")
	}
	return &HTTPFetcher{
		Log: logger,
		RetryOpts: &retry.RetryOptions{
			MaxRetry: 2,
			Delay:    200 * time.Millisecond,
		},
	}
}

// FetchHTTP implements Fetcher.
func (f *HTTPFetcher) FetchHTTP(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body []byte
	err := retry.IfNecessary(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errStatus(resp.StatusCode)
		}
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		body = b
		return nil
	}, f.RetryOpts)
	if err != nil {
		f.Log.Debug("fetch %s failed: %s", url, err.Error())
		return nil, errs.NewNetwork("fetch "+url, err)
	}
	return body, nil
}

// CopyDir implements Fetcher.
func (f *HTTPFetcher) CopyDir(src, dst string) error {
	if err := copydir.Copy(src, dst); err != nil {
		return errs.NewExternal("copy "+src+" to "+dst, err)
	}
	return nil
}

type statusError int

func (e statusError) Error() string {
	return "unexpected HTTP status " + http.StatusText(int(e))
}

func errStatus(code int) error { return statusError(code) }

// WriteTemp writes body to a new temp file under dir and returns its path.
func WriteTemp(dir, pattern string, body []byte) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", errs.NewExternal("create temp file", err)
	}
	defer f.Close()
	if _, err := f.Write(body); err != nil {
		return "", errs.NewExternal("write temp file", err)
	}
	return f.Name(), nil
}
