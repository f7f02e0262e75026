package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	c "github.com/life-stream-dev/life-stream-go-file-broker/internal/config"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/utils"
)

// MongoRecorder stores audit records in MongoDB.
type MongoRecorder struct {
	client     *mongo.Client
	sessions   *mongo.Collection
	publishes  *mongo.Collection
	deliveries *mongo.Collection
}

// BuildURI returns the connection string for config. Credentials are
// escaped.
func BuildURI(config c.DatabaseConfig) string {
	host := fmt.Sprintf("%s:%d", config.Host, config.Port)
	if config.Username == "" {
		return fmt.Sprintf("mongodb://%s/", host)
	}
	return fmt.Sprintf("mongodb://%s:%s@%s/?authSource=admin",
		url.QueryEscape(config.Username),
		url.QueryEscape(config.Password),
		host,
	)
}

func clientOptions(appName string, config c.DatabaseConfig) *options.ClientOptions {
	clientOptions := options.Client().ApplyURI(BuildURI(config)).SetAppName(appName)
	clientOptions.SetMinPoolSize(config.MinPoolSize)
	clientOptions.SetMaxPoolSize(config.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.MustParseStringTime(config.ConnectIdleTimeout))
	clientOptions.SetConnectTimeout(utils.MustParseStringTime(config.ConnectTimeout))
	clientOptions.SetSocketTimeout(utils.MustParseStringTime(config.SocketTimeout))
	if hb := utils.MustParseStringTime(config.Heartbeat); hb > 0 {
		clientOptions.SetHeartbeatInterval(hb)
	}
	if config.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s #%d", evt.Address, evt.ConnectionID)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s #%d (%s)", evt.Address, evt.ConnectionID, evt.Reason)
			}
		},
	})
	return clientOptions
}

// ConnectDatabase dials MongoDB, verifies the connection and ensures the
// audit indexes exist.
func ConnectDatabase(ctx context.Context, appName string, config c.DatabaseConfig) (*MongoRecorder, error) {
	logger.DebugF("Connecting to database...")

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions(appName, config))
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}
	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	db := client.Database(config.Database)
	r := &MongoRecorder{
		client:     client,
		sessions:   db.Collection(SessionCollectionName),
		publishes:  db.Collection(PublishCollectionName),
		deliveries: db.Collection(DeliveryCollectionName),
	}
	if err := r.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	logger.InfoF("Connected to database %s on %s:%d", config.Database, config.Host, config.Port)
	return r, nil
}

func (r *MongoRecorder) ensureIndexes(ctx context.Context) error {
	indexes := []struct {
		collection *mongo.Collection
		model      mongo.IndexModel
	}{
		{r.sessions, mongo.IndexModel{
			Keys:    bson.D{{Key: "session_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("sessions_session_id_unique"),
		}},
		{r.publishes, mongo.IndexModel{
			Keys:    bson.D{{Key: "topic", Value: 1}, {Key: "published_at", Value: -1}},
			Options: options.Index().SetName("publishes_topic_published_at"),
		}},
		{r.deliveries, mongo.IndexModel{
			Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "finished_at", Value: -1}},
			Options: options.Index().SetName("deliveries_session_id_finished_at"),
		}},
	}
	for _, idx := range indexes {
		if _, err := idx.collection.Indexes().CreateOne(ctx, idx.model); err != nil {
			return fmt.Errorf("error occured while creating database indexes: %w", err)
		}
	}
	return nil
}

func handleErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%s: unique key conflicts: %w", op, err)
	}
	return fmt.Errorf("%s: database operation failed: %w", op, err)
}

func (r *MongoRecorder) RecordSession(ctx context.Context, record SessionRecord) error {
	filter := bson.D{{Key: "session_id", Value: record.SessionID}}
	_, err := r.sessions.ReplaceOne(ctx, filter, record, options.Replace().SetUpsert(true))
	return handleErr("record session", err)
}

func (r *MongoRecorder) RecordPublish(ctx context.Context, record PublishRecord) error {
	_, err := r.publishes.InsertOne(ctx, record)
	return handleErr("record publish", err)
}

func (r *MongoRecorder) RecordDelivery(ctx context.Context, record DeliveryRecord) error {
	_, err := r.deliveries.InsertOne(ctx, record)
	return handleErr("record delivery", err)
}

func (r *MongoRecorder) Close(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	return r.client.Disconnect(ctx)
}
