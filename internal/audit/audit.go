// Package audit indexes internal events — notification outcomes and
// distributor-observed connection events — into Elasticsearch for internal
// lookup only; no HTTP endpoint exposes it (spec.md Non-goals put admin
// surfaces out of scope, but the ambient event trail the teacher gives its
// domain data is carried here too). Grounded on internal/search's index-
// then-query client.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/google/uuid"
)

const eventsIndex = "tunnelbroker-events"

// Client wraps the Elasticsearch client with the domain-level operations
// tunnelbroker needs.
type Client struct {
	es *elasticsearch.Client
}

// New creates a Client pointed at the given URL.
func New(url string) (*Client, error) {
	cfg := elasticsearch.Config{Addresses: []string{url}}
	es, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("audit: create client: %w", err)
	}
	return &Client{es: es}, nil
}

// event is the document shape indexed for every recorded occurrence. The
// document id is a fresh uuid — these are an append-only log, not upserts.
type event struct {
	Kind      string `json:"kind"`
	DeviceID  string `json:"device_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Outcome   string `json:"outcome"`
	Timestamp int64  `json:"timestamp"`
}

func (c *Client) index(ctx context.Context, doc event, timestamp int64) {
	doc.Timestamp = timestamp
	body, err := json.Marshal(doc)
	if err != nil {
		slog.Warn("audit: marshal event failed", "error", err)
		return
	}

	res, err := c.es.Index(
		eventsIndex,
		bytes.NewReader(body),
		c.es.Index.WithDocumentID(uuid.New().String()),
		c.es.Index.WithContext(ctx),
	)
	if err != nil {
		slog.Warn("audit: index request failed", "error", err)
		return
	}
	defer res.Body.Close()

	if res.IsError() {
		b, _ := io.ReadAll(res.Body)
		slog.Warn("audit: index error", "status", res.Status(), "body", string(b))
	}
}

// RecordPushOutcome indexes a push-notification send outcome.
func (c *Client) RecordPushOutcome(ctx context.Context, deviceID, platform, outcome string) {
	c.index(ctx, event{Kind: "push_send", DeviceID: deviceID, Detail: platform, Outcome: outcome}, time.Now().Unix())
}

// RecordDistributorEvent indexes a distributor connection lifecycle event
// (claim, release, reconnect) observed for a user's external token.
func (c *Client) RecordDistributorEvent(ctx context.Context, userID, detail, outcome string) {
	c.index(ctx, event{Kind: "distributor", UserID: userID, Detail: detail, Outcome: outcome}, time.Now().Unix())
}

// Search runs a free-text match over event detail fields, for internal
// debugging tools only.
func (c *Client) Search(ctx context.Context, term string) (json.RawMessage, error) {
	query := map[string]any{
		"query": map[string]any{
			"match": map[string]any{
				"detail": term,
			},
		},
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return nil, err
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(eventsIndex),
		c.es.Search.WithBody(&buf),
		c.es.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("audit: query error [%s]: %s", res.Status(), body)
	}

	return io.ReadAll(res.Body)
}
