package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/citysphere/citysphere/internal/model"
	"github.com/citysphere/citysphere/internal/user"
)

// ErrReconcileRejected は入力が不正などの理由で再試行しても成功しないリコンサイル失敗を表す。
// このエラーの要求は再実行キューに登録しない。
var ErrReconcileRejected = errors.New("reconciliation rejected")

// ReconcileRequest はローカルのユーザーレコードに反映するidentityの内容。
type ReconcileRequest struct {
	ExternalID  string
	Email       string
	DisplayName string
}

// Reconciler はidentityをローカルのユーザーレコードに反映するインターフェース。
type Reconciler interface {
	Reconcile(ctx context.Context, req ReconcileRequest) error
}

// ReconcilerFunc は関数をReconcilerとして扱うアダプタ。
type ReconcilerFunc func(ctx context.Context, req ReconcileRequest) error

// Reconcile はf(ctx, req)を呼び出す。
func (f ReconcilerFunc) Reconcile(ctx context.Context, req ReconcileRequest) error {
	return f(ctx, req)
}

// UserUpserter は同一プロセス内のユーザーサービス（user.Service）のインターフェース。
type UserUpserter interface {
	UpsertUser(ctx context.Context, in user.UpsertInput) (*model.User, model.UpsertOutcome, error)
}

// UserAPI はHTTP経由のユーザーAPI（apiclient.Client）のインターフェース。
type UserAPI interface {
	UpsertUser(ctx context.Context, in user.UpsertInput) (*model.User, error)
}

// NewServiceReconciler はユーザーサービスを直接呼び出すReconcilerを返す。
// 検証エラーとemail重複は再試行しても解消しないためErrReconcileRejectedとして返す。
func NewServiceReconciler(svc UserUpserter) Reconciler {
	return ReconcilerFunc(func(ctx context.Context, req ReconcileRequest) error {
		_, _, err := svc.UpsertUser(ctx, req.toInput())
		if err == nil {
			return nil
		}
		if model.IsKind(err, model.KindValidation) || model.IsKind(err, model.KindUniqueConstraint) {
			return fmt.Errorf("%w: %v", ErrReconcileRejected, err)
		}
		return err
	})
}

// NewAPIReconciler はユーザーAPIを呼び出すReconcilerを返す。
// 400系の応答はErrReconcileRejectedとして返す。
func NewAPIReconciler(client UserAPI) Reconciler {
	return ReconcilerFunc(func(ctx context.Context, req ReconcileRequest) error {
		_, err := client.UpsertUser(ctx, req.toInput())
		if err == nil {
			return nil
		}
		if model.IsKind(err, model.KindValidation) {
			return fmt.Errorf("%w: %v", ErrReconcileRejected, err)
		}
		return err
	})
}

func (r ReconcileRequest) toInput() user.UpsertInput {
	return user.UpsertInput{
		ExternalID: r.ExternalID,
		Email:      r.Email,
		Name:       r.DisplayName,
	}
}
