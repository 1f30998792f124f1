package client

import (
	"context"
	"fmt"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"parishhub-auth/internal/config"
	"parishhub-auth/internal/util"
)

// ClickHouseClient holds the native-protocol connection used by the audit
// trail's durable event log.
type ClickHouseClient struct {
	conn   driver.Conn
	config *config.ClickhouseConfig
}

func NewClickHouseClient(cfg *config.Config) (*ClickHouseClient, error) {
	chConfig := cfg.Clickhouse

	opts := &ch.Options{
		Addr: []string{chConfig.URL},
		Auth: ch.Auth{
			Username: chConfig.Username,
			Password: chConfig.Password,
			Database: chConfig.Database,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     20,
		MaxIdleConns:     10,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: ch.ConnOpenInOrder,
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	client := &ClickHouseClient{conn: conn, config: &chConfig}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse connection test failed: %w", err)
	}

	util.Info("ClickHouse client initialized",
		zap.String("addr", chConfig.URL),
		zap.String("database", chConfig.Database),
	)

	return client, nil
}

// Conn exposes the driver connection for batch inserts.
func (c *ClickHouseClient) Conn() driver.Conn {
	return c.conn
}

func (c *ClickHouseClient) HealthCheck(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		return fmt.Errorf("clickhouse ping failed: %w", err)
	}
	return nil
}

func (c *ClickHouseClient) Close() error {
	return c.conn.Close()
}
