package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/citysphere/citysphere/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoDBのユニークインデックス名。database.EnsureMongoIndexesと一致させる。
const (
	mongoExternalIDIndex = "firebaseUid_1"
	mongoEmailIndex      = "email_1"
)

// MongoUserRepo はMongoDBを使用したユーザーリポジトリ。
type MongoUserRepo struct {
	coll *mongo.Collection
}

// NewMongoUserRepo はMongoUserRepoを生成する。
func NewMongoUserRepo(coll *mongo.Collection) *MongoUserRepo {
	return &MongoUserRepo{coll: coll}
}

// Upsert はfirebaseUidをキーにFindOneAndUpdate(upsert)でユーザーを作成または更新する。
// _idと作成日時は$setOnInsertでのみ書き込むため、更新時は保存済みの値が維持される。
// 返却されたドキュメントの_idが渡したIDと一致すれば新規作成と判定する。
//
// 同一firebaseUidへの初回書き込みが並行した場合、片方がユニークインデックス違反になる。
// その場合は既存ドキュメントへの更新として1回だけ再試行する。
func (r *MongoUserRepo) Upsert(ctx context.Context, user *model.User) (model.UpsertOutcome, error) {
	outcome, err := r.upsertOnce(ctx, user)
	if errors.Is(err, ErrDuplicateExternalID) {
		outcome, err = r.upsertOnce(ctx, user)
	}
	if err != nil {
		return "", fmt.Errorf("failed to upsert user: %w", err)
	}
	return outcome, nil
}

func (r *MongoUserRepo) upsertOnce(ctx context.Context, user *model.User) (model.UpsertOutcome, error) {
	filter := bson.M{"firebaseUid": user.ExternalID}
	update := bson.M{
		"$set": bson.M{
			"email":     user.Email,
			"name":      user.Name,
			"updatedAt": user.UpdatedAt,
		},
		"$setOnInsert": bson.M{
			"_id":       user.ID,
			"createdAt": user.CreatedAt,
		},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var saved model.User
	if err := r.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&saved); err != nil {
		return "", translateMongoError(err)
	}

	outcome := model.UpsertUpdated
	if saved.ID == user.ID {
		outcome = model.UpsertCreated
	}
	*user = saved
	return outcome, nil
}

// FindByExternalID は外部IDでユーザーを取得する。見つからない場合はnilを返す。
func (r *MongoUserRepo) FindByExternalID(ctx context.Context, externalID string) (*model.User, error) {
	var user model.User
	err := r.coll.FindOne(ctx, bson.M{"firebaseUid": externalID}).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by external ID: %w", err)
	}
	return &user, nil
}

// Ping はMongoDBのプライマリへの疎通を確認する。
func (r *MongoUserRepo) Ping(ctx context.Context) error {
	return r.coll.Database().Client().Ping(ctx, readpref.Primary())
}

// translateMongoError はユニークインデックス違反をセンチネルエラーに変換する。
// ドライバーのエラーはインデックス名をメッセージにのみ含むため、文字列で判定する。
func translateMongoError(err error) error {
	if !mongo.IsDuplicateKeyError(err) {
		return err
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, mongoEmailIndex):
		return fmt.Errorf("%w: %v", ErrDuplicateEmail, err)
	case strings.Contains(msg, mongoExternalIDIndex):
		return fmt.Errorf("%w: %v", ErrDuplicateExternalID, err)
	default:
		return err
	}
}

// compile-time interface check
var (
	_ UserRepository = (*MongoUserRepo)(nil)
	_ HealthChecker  = (*MongoUserRepo)(nil)
)
