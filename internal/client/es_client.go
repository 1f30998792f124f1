package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"parishhub-auth/internal/config"
	"parishhub-auth/internal/util"
)

// ESClient indexes security events for ad hoc search by administrators.
type ESClient struct {
	Client *elasticsearch.Client
	config *config.ElasticsearchConfig
}

func NewElasticsearchClient(cfg *config.Config) (*ESClient, error) {
	esConfig := cfg.Elasticsearch

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.IsDevelopment(),
		},
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{esConfig.URL},
		Username:  esConfig.Username,
		Password:  esConfig.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	esClient := &ESClient{Client: client, config: &esConfig}

	if err := esClient.HealthCheck(context.Background()); err != nil {
		return nil, fmt.Errorf("elasticsearch connection test failed: %w", err)
	}

	util.Info("Elasticsearch client initialized", zap.String("url", esConfig.URL))
	return esClient, nil
}

// Index writes one JSON document under the configured events index.
func (e *ESClient) Index(ctx context.Context, docID string, body []byte) error {
	req := esapi.IndexRequest{
		Index:      e.config.Index,
		DocumentID: docID,
		Body:       bytes.NewReader(body),
	}

	res, err := req.Do(ctx, e.Client)
	if err != nil {
		return fmt.Errorf("failed to index document: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		return fmt.Errorf("elasticsearch index error: %s", string(msg))
	}
	return nil
}

func (e *ESClient) HealthCheck(ctx context.Context) error {
	res, err := e.Client.Info(e.Client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("elasticsearch info failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch unhealthy: %s", res.Status())
	}
	return nil
}

func (e *ESClient) Close() {
	util.Info("Elasticsearch client shutdown")
}
