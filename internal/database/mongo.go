package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// コレクション名。既存データと互換性を保つため、旧実装の命名に合わせている。
const (
	CollectionUsers                  = "users"
	CollectionSupportMessages        = "supportmessages"
	CollectionPendingReconciliations = "pendingreconciliations"
)

// OpenMongo はMongoDBクライアントを生成し、指定データベースのハンドルを返す。
// 接続確認のためPingを1回実行する。
func OpenMongo(ctx context.Context, uri, dbName string) (*mongo.Client, *mongo.Database, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	return client, client.Database(dbName), nil
}

// EnsureMongoIndexes はコレクションに必要なインデックスを作成する。
// firebaseUidとemailのユニークインデックスが、同一identityに対する
// 並行アップサートの最終的な整合性を担保する。
// 既に存在するインデックスの再作成はno-opになる。
func EnsureMongoIndexes(ctx context.Context, db *mongo.Database) error {
	indexes := map[string][]mongo.IndexModel{
		CollectionUsers: {
			{
				Keys:    bson.D{{Key: "firebaseUid", Value: 1}},
				Options: options.Index().SetName("firebaseUid_1").SetUnique(true),
			},
			{
				Keys:    bson.D{{Key: "email", Value: 1}},
				Options: options.Index().SetName("email_1").SetUnique(true),
			},
		},
		CollectionSupportMessages: {
			{
				Keys:    bson.D{{Key: "createdAt", Value: -1}},
				Options: options.Index().SetName("createdAt_-1"),
			},
		},
		CollectionPendingReconciliations: {
			{
				Keys:    bson.D{{Key: "firebaseUid", Value: 1}},
				Options: options.Index().SetName("firebaseUid_1").SetUnique(true),
			},
			{
				Keys:    bson.D{{Key: "nextAttemptAt", Value: 1}},
				Options: options.Index().SetName("nextAttemptAt_1"),
			},
		},
	}

	for collection, models := range indexes {
		if _, err := db.Collection(collection).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", collection, err)
		}
	}

	return nil
}
