package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/citysphere/citysphere/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoPendingRepo はMongoDBを使用した未完了リコンサイルのリポジトリ。
type MongoPendingRepo struct {
	coll *mongo.Collection
}

// NewMongoPendingRepo はMongoPendingRepoを生成する。
func NewMongoPendingRepo(coll *mongo.Collection) *MongoPendingRepo {
	return &MongoPendingRepo{coll: coll}
}

// Enqueue はfirebaseUidをキーに要求を登録または上書きする。
// attemptsと作成日時は初回登録時のみ書き込む。
func (r *MongoPendingRepo) Enqueue(ctx context.Context, p *model.PendingReconciliation) error {
	filter := bson.M{"firebaseUid": p.ExternalID}
	update := bson.M{
		"$set": bson.M{
			"email":         p.Email,
			"displayName":   p.DisplayName,
			"lastError":     p.LastError,
			"nextAttemptAt": p.NextAttemptAt,
		},
		"$setOnInsert": bson.M{
			"_id":       p.ID,
			"attempts":  0,
			"createdAt": p.CreatedAt,
		},
	}
	if _, err := r.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("failed to enqueue pending reconciliation: %w", err)
	}
	return nil
}

// ListDue は再実行対象の要求を次回実行時刻の昇順で取得する。
func (r *MongoPendingRepo) ListDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*model.PendingReconciliation, error) {
	filter := bson.M{
		"nextAttemptAt": bson.M{"$lte": now},
		"attempts":      bson.M{"$lt": maxAttempts},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "nextAttemptAt", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list due reconciliations: %w", err)
	}
	defer cursor.Close(ctx)

	var pending []*model.PendingReconciliation
	if err := cursor.All(ctx, &pending); err != nil {
		return nil, fmt.Errorf("failed to decode pending reconciliations: %w", err)
	}
	return pending, nil
}

// MarkFailed は再実行失敗を記録する。
func (r *MongoPendingRepo) MarkFailed(ctx context.Context, id string, attempts int, lastError string, nextAttemptAt time.Time) error {
	update := bson.M{"$set": bson.M{
		"attempts":      attempts,
		"lastError":     lastError,
		"nextAttemptAt": nextAttemptAt,
	}}
	if _, err := r.coll.UpdateByID(ctx, id, update); err != nil {
		return fmt.Errorf("failed to mark reconciliation failed: %w", err)
	}
	return nil
}

// Resolve はペイロードが取得時から変わっていない場合のみ要求を削除する。
func (r *MongoPendingRepo) Resolve(ctx context.Context, p *model.PendingReconciliation) error {
	filter := bson.M{
		"_id":         p.ID,
		"email":       p.Email,
		"displayName": p.DisplayName,
	}
	if _, err := r.coll.DeleteOne(ctx, filter); err != nil {
		return fmt.Errorf("failed to resolve pending reconciliation: %w", err)
	}
	return nil
}

// compile-time interface check
var _ PendingReconciliationRepository = (*MongoPendingRepo)(nil)
