// Package search keeps an Elasticsearch projection of applications for
// staff dashboards. Postgres stays the source of truth; the index is
// rebuilt from it at any time.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"application-lifecycle/internal/common/logger"
	"application-lifecycle/internal/models"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

const DefaultIndex = "applications"

// Document is the indexed shape of an application.
type Document struct {
	ID              string     `json:"id"`
	ReferenceNumber string     `json:"referenceNumber"`
	OwnerID         string     `json:"ownerId"`
	TierID          string     `json:"tierId"`
	AddOnIDs        []string   `json:"addonIds"`
	TotalAmount     float64    `json:"totalAmount"`
	Currency        string     `json:"currency"`
	Status          string     `json:"status"`
	StatusLabel     string     `json:"statusLabel"`
	PaymentStatus   string     `json:"paymentStatus"`
	AdminNotes      string     `json:"adminNotes,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	SubmittedAt     *time.Time `json:"submittedAt,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	Version         int64      `json:"version"`
}

// NewDocument flattens app for indexing.
func NewDocument(app *models.Application) Document {
	ids := make([]string, 0, len(app.Selections))
	for _, s := range app.Selections {
		ids = append(ids, s.AddOnID)
	}
	return Document{
		ID:              app.ID,
		ReferenceNumber: app.ReferenceNumber,
		OwnerID:         app.OwnerID,
		TierID:          app.TierID,
		AddOnIDs:        ids,
		TotalAmount:     app.TotalAmount.InexactFloat64(),
		Currency:        app.Currency,
		Status:          string(app.Status),
		StatusLabel:     app.Status.Display().Label,
		PaymentStatus:   string(app.PaymentStatus),
		AdminNotes:      app.AdminNotes,
		CreatedAt:       app.CreatedAt,
		SubmittedAt:     app.SubmittedAt,
		UpdatedAt:       app.UpdatedAt,
		Version:         app.Version,
	}
}

type Indexer struct {
	client *elasticsearch.Client
	index  string
	logger logger.Logger
}

func NewIndexer(client *elasticsearch.Client, index string, log logger.Logger) *Indexer {
	if index == "" {
		index = DefaultIndex
	}
	return &Indexer{
		client: client,
		index:  index,
		logger: log.WithFields(map[string]interface{}{"component": "search", "index": index}),
	}
}

var indexMapping = map[string]interface{}{
	"mappings": map[string]interface{}{
		"properties": map[string]interface{}{
			"id":              map[string]string{"type": "keyword"},
			"referenceNumber": map[string]string{"type": "keyword"},
			"ownerId":         map[string]string{"type": "keyword"},
			"tierId":          map[string]string{"type": "keyword"},
			"addonIds":        map[string]string{"type": "keyword"},
			"totalAmount":     map[string]interface{}{"type": "scaled_float", "scaling_factor": 100},
			"currency":        map[string]string{"type": "keyword"},
			"status":          map[string]string{"type": "keyword"},
			"statusLabel":     map[string]string{"type": "text"},
			"paymentStatus":   map[string]string{"type": "keyword"},
			"adminNotes":      map[string]string{"type": "text"},
			"createdAt":       map[string]string{"type": "date"},
			"submittedAt":     map[string]string{"type": "date"},
			"updatedAt":       map[string]string{"type": "date"},
			"version":         map[string]string{"type": "long"},
		},
	},
}

// EnsureIndex creates the index with its mapping when it does not exist.
func (ix *Indexer) EnsureIndex(ctx context.Context) error {
	res, err := ix.client.Indices.Exists([]string{ix.index}, ix.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check index %s: %w", ix.index, err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := json.Marshal(indexMapping)
	res, err = ix.client.Indices.Create(ix.index,
		ix.client.Indices.Create.WithContext(ctx),
		ix.client.Indices.Create.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return fmt.Errorf("create index %s: %w", ix.index, err)
	}
	defer res.Body.Close()
	if res.IsError() && !strings.Contains(res.String(), "resource_already_exists_exception") {
		return fmt.Errorf("create index %s: %s", ix.index, res.String())
	}
	ix.logger.Info("search index created", nil)
	return nil
}

// Project upserts the document for app. Older versions never overwrite
// newer ones: the application version is used as an external version.
func (ix *Indexer) Project(ctx context.Context, app *models.Application) error {
	body, err := json.Marshal(NewDocument(app))
	if err != nil {
		return err
	}
	version := int(app.Version)
	req := esapi.IndexRequest{
		Index:       ix.index,
		DocumentID:  app.ID,
		Body:        bytes.NewReader(body),
		Version:     &version,
		VersionType: "external_gte",
	}
	res, err := req.Do(ctx, ix.client)
	if err != nil {
		return fmt.Errorf("index application %s: %w", app.ID, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusConflict {
		ix.logger.Debug("stale projection skipped", map[string]interface{}{
			"applicationId": app.ID,
			"version":       app.Version,
		})
		return nil
	}
	if res.IsError() {
		return fmt.Errorf("index application %s: %s", app.ID, res.String())
	}
	return nil
}

// Query filters the staff search. Empty fields do not filter.
type Query struct {
	Text          string
	Status        models.Status
	PaymentStatus models.PaymentStatus
	OwnerID       string
	From          int
	Size          int
}

type Result struct {
	Total        int64      `json:"total"`
	Applications []Document `json:"applications"`
}

func (ix *Indexer) Search(ctx context.Context, q Query) (*Result, error) {
	if q.Size < 1 {
		q.Size = 20
	}
	if q.Size > 100 {
		q.Size = 100
	}
	if q.From < 0 {
		q.From = 0
	}

	body, _ := json.Marshal(buildQuery(q))
	res, err := ix.client.Search(
		ix.client.Search.WithContext(ctx),
		ix.client.Search.WithIndex(ix.index),
		ix.client.Search.WithBody(bytes.NewReader(body)),
		ix.client.Search.WithFrom(q.From),
		ix.client.Search.WithSize(q.Size),
		ix.client.Search.WithSort("updatedAt:desc"),
	)
	if err != nil {
		return nil, fmt.Errorf("search applications: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("search applications: %s", res.String())
	}

	var raw struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source Document `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	out := &Result{Total: raw.Hits.Total.Value, Applications: make([]Document, 0, len(raw.Hits.Hits))}
	for _, h := range raw.Hits.Hits {
		out.Applications = append(out.Applications, h.Source)
	}
	return out, nil
}

func buildQuery(q Query) map[string]interface{} {
	var must, filter []interface{}
	if q.Text != "" {
		must = append(must, map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  q.Text,
				"fields": []string{"referenceNumber^3", "adminNotes", "statusLabel"},
			},
		})
	}
	term := func(field, value string) {
		if value != "" {
			filter = append(filter, map[string]interface{}{"term": map[string]interface{}{field: value}})
		}
	}
	term("status", string(q.Status))
	term("paymentStatus", string(q.PaymentStatus))
	term("ownerId", q.OwnerID)

	if len(must) == 0 && len(filter) == 0 {
		return map[string]interface{}{"query": map[string]interface{}{"match_all": map[string]interface{}{}}}
	}
	boolQuery := map[string]interface{}{}
	if len(must) > 0 {
		boolQuery["must"] = must
	}
	if len(filter) > 0 {
		boolQuery["filter"] = filter
	}
	return map[string]interface{}{"query": map[string]interface{}{"bool": boolQuery}}
}
