package customresource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxErrorBody bounds how much of a non-2xx answer is kept in a DeliveryError.
const maxErrorBody = 1024

// HTTPClient is the transport used to reach the presigned URL. *http.Client satisfies it.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Send PUTs the response to the event's ResponseURL and waits for the answer.
// It is a single attempt: any transport error or non-2xx status comes back as
// a *DeliveryError. A response can be sent once; later calls return
// ErrBuilderReuse without touching the network. A nil client means
// http.DefaultClient.
func (r *Response) Send(ctx context.Context, client HTTPClient) error {
	if !r.sent.CompareAndSwap(false, true) {
		return ErrBuilderReuse
	}
	if client == nil {
		client = http.DefaultClient
	}

	body, err := json.Marshal(r.Envelope())
	if err != nil {
		return &DeliveryError{Err: fmt.Errorf("encode response: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.url, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Err: fmt.Errorf("create request: %w", err)}
	}
	// The presigned S3 URL is signed without a content type; sending one breaks the signature.
	req.Header.Del("Content-Type")
	req.ContentLength = int64(len(body))

	resp, err := client.Do(req)
	if err != nil {
		return &DeliveryError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &DeliveryError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(b))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
