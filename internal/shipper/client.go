package shipper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// lokiStreamValue is one [timestamp, line] or [timestamp, line, metadata]
// tuple. The third element is only present when an entry carries structured
// metadata, so it's built by hand per entry rather than with a fixed struct
// and json tags.
type lokiStreamValue []interface{}

type lokiPushRequest struct {
	Streams []lokiPushStream `json:"streams"`
}

type lokiPushStream struct {
	Stream map[string]string `json:"stream"`
	Values []lokiStreamValue `json:"values"`
}

// PushError is returned by Push on an HTTP response outside the 2xx range.
type PushError struct {
	Status int
	Body   string
}

func (e *PushError) Error() string {
	return fmt.Sprintf("loki push: http %d: %s", e.Status, e.Body)
}

// TransportError wraps any network/DNS/connect/read failure below the HTTP
// layer.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("loki push: request failed: %v", e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// LokiClient builds Loki push-API bodies and performs the HTTP POST. It is a
// thin primitive: no batching, retry, or backoff policy lives here — that's
// the Dispatcher's job.
type LokiClient struct {
	httpClient *http.Client
	authToken  string
}

// NewLokiClient builds a client with the given per-request timeout.
func NewLokiClient(timeout time.Duration, authToken string) *LokiClient {
	return &LokiClient{
		httpClient: &http.Client{Timeout: timeout},
		authToken:  authToken,
	}
}

// buildPushBody partitions entries by their exact label set, sorts each
// partition by timestamp, and emits one stream per partition.
func buildPushBody(entries []KeyedEntry) lokiPushRequest {
	type partition struct {
		labels  map[string]string
		entries []Entry
	}

	order := make([]string, 0)
	partitions := make(map[string]*partition)

	for _, ke := range entries {
		key := labelSetKey(ke.Entry.Labels)
		p, ok := partitions[key]
		if !ok {
			p = &partition{labels: ke.Entry.Labels}
			partitions[key] = p
			order = append(order, key)
		}
		p.entries = append(p.entries, ke.Entry)
	}

	req := lokiPushRequest{Streams: make([]lokiPushStream, 0, len(order))}
	for _, key := range order {
		p := partitions[key]
		sort.SliceStable(p.entries, func(i, j int) bool {
			return p.entries[i].TimestampNS < p.entries[j].TimestampNS
		})

		values := make([]lokiStreamValue, 0, len(p.entries))
		for _, e := range p.entries {
			ts := fmt.Sprintf("%d", e.TimestampNS)
			if len(e.StructuredMetadata) > 0 {
				values = append(values, lokiStreamValue{ts, e.Message, e.StructuredMetadata})
			} else {
				values = append(values, lokiStreamValue{ts, e.Message})
			}
		}

		req.Streams = append(req.Streams, lokiPushStream{
			Stream: p.labels,
			Values: values,
		})
	}
	return req
}

// labelSetKey produces a deterministic grouping key for a label map so
// deep-equal label sets land in the same partition.
func labelSetKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := ""
	for _, k := range keys {
		out += k + "=" + labels[k] + "\x00"
	}
	return out
}

// Push is a no-op success on empty input; otherwise it POSTs the built body
// to <baseURL>/loki/api/v1/push and classifies the response.
func (c *LokiClient) Push(baseURL string, entries []KeyedEntry) error {
	if len(entries) == 0 {
		return nil
	}

	payload := buildPushBody(entries)
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("loki push: marshal body: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/loki/api/v1/push", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("loki push: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var bodyBuf bytes.Buffer
	bodyBuf.ReadFrom(resp.Body)
	return &PushError{Status: resp.StatusCode, Body: bodyBuf.String()}
}
