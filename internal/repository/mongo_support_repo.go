package repository

import (
	"context"
	"fmt"

	"github.com/citysphere/citysphere/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoSupportRepo はMongoDBを使用したお問い合わせメッセージリポジトリ。
type MongoSupportRepo struct {
	coll *mongo.Collection
}

// NewMongoSupportRepo はMongoSupportRepoを生成する。
func NewMongoSupportRepo(coll *mongo.Collection) *MongoSupportRepo {
	return &MongoSupportRepo{coll: coll}
}

// Create はメッセージを追加する。
func (r *MongoSupportRepo) Create(ctx context.Context, msg *model.SupportMessage) error {
	if _, err := r.coll.InsertOne(ctx, msg); err != nil {
		return fmt.Errorf("failed to insert support message: %w", err)
	}
	return nil
}

// ListNewestFirst は全メッセージを作成日時の降順で返す。
func (r *MongoSupportRepo) ListNewestFirst(ctx context.Context) ([]*model.SupportMessage, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	cursor, err := r.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list support messages: %w", err)
	}
	defer cursor.Close(ctx)

	messages := []*model.SupportMessage{}
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("failed to decode support messages: %w", err)
	}
	return messages, nil
}

// compile-time interface check
var _ SupportMessageRepository = (*MongoSupportRepo)(nil)
