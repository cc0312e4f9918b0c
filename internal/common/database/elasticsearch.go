// internal/common/database/elasticsearch.go
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"application-lifecycle/internal/common/config"

	"github.com/elastic/go-elasticsearch/v8"
)

// ElasticsearchClient holds the client behind the staff search projection.
type ElasticsearchClient struct {
	Client *elasticsearch.Client
	// MinStatus is the weakest cluster health Ping accepts.
	MinStatus string
}

func NewElasticsearch(cfg config.ElasticsearchConfig) (*ElasticsearchClient, error) {
	url := cfg.GetURL()
	if url == "" {
		return nil, fmt.Errorf("elasticsearch address is not configured")
	}
	addresses := cfg.Addresses
	if len(addresses) == 0 {
		addresses = []string{url}
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:  addresses,
		Username:   cfg.Username,
		Password:   cfg.Password,
		MaxRetries: 3,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	return &ElasticsearchClient{Client: es, MinStatus: "yellow"}, nil
}

var healthRank = map[string]int{"red": 0, "yellow": 1, "green": 2}

// Ping fails unless the cluster reports at least MinStatus health. A red
// cluster accepts connections but cannot serve the application index.
func (c *ElasticsearchClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := c.Client.Cluster.Health(c.Client.Cluster.Health.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("elasticsearch ping failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch health error: %s", res.Status())
	}

	var health struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(res.Body).Decode(&health); err != nil {
		return fmt.Errorf("decode cluster health: %w", err)
	}
	want := c.MinStatus
	if want == "" {
		want = "yellow"
	}
	got, ok := healthRank[health.Status]
	if !ok || got < healthRank[want] {
		return fmt.Errorf("elasticsearch cluster health is %q, need %q", health.Status, want)
	}
	return nil
}
