package identity

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/citysphere/citysphere/internal/logger"
	"github.com/citysphere/citysphere/internal/model"
	"github.com/citysphere/citysphere/internal/validation"
	"github.com/google/uuid"
)

// 認証成功後の遷移先
const (
	SignUpDestination = "/explore"
	SignInDestination = "/home"
)

// メトリクスのsourceラベル
const (
	SourceSignUp = "signup"
	SourceSignIn = "signin"
)

// DefaultReconcileTimeout はリコンサイル1回あたりのタイムアウト。
const DefaultReconcileTimeout = 10 * time.Second

// SignUpInput はサインアップのリクエスト契約。
type SignUpInput struct {
	Name            string `json:"name" validate:"required,max=255"`
	Email           string `json:"email" validate:"required,max=320"`
	Password        string `json:"password" validate:"required"`
	ConfirmPassword string `json:"confirmPassword"`
}

// SignInInput はサインインのリクエスト契約。
type SignInInput struct {
	Email    string `json:"email" validate:"required,max=320"`
	Password string `json:"password" validate:"required"`
}

// FailureKind はフロー失敗の分類。ハンドラー層でHTTPステータスに変換される。
type FailureKind string

const (
	// FailureLocal はIdPを呼ばずにローカル検査で拒否したことを表す。
	FailureLocal FailureKind = "local"
	// FailureRejected はIdPが資格情報やリクエストを拒否したことを表す。
	FailureRejected FailureKind = "rejected"
	// FailureUnavailable はIdPに到達できなかったことを表す。
	FailureUnavailable FailureKind = "unavailable"
)

// FlowError は認証失敗を表す。Messageはそのままユーザーに表示する。
// 失敗後のフローはIdleに戻る。
type FlowError struct {
	Kind    FailureKind
	Message string
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *FlowError) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

// Unwrap は原因エラーを返す。
func (e *FlowError) Unwrap() error {
	return e.Err
}

// Outcome は認証に成功したフローの結果。
// Reconciledがfalseでもユーザーは認証済みエリアへ遷移する。
type Outcome struct {
	State      State
	History    []State
	RedirectTo string
	Identity   *Identity
	Reconciled bool
}

// PendingQueue は失敗したリコンサイル要求の登録先。
type PendingQueue interface {
	Enqueue(ctx context.Context, p *model.PendingReconciliation) error
}

// FailureRecorder はリコンサイル失敗のメトリクス記録インターフェース。
type FailureRecorder interface {
	RecordReconcileFailure(source string)
	RecordReconcileEnqueued()
}

// FlowConfig はFlowの設定。
type FlowConfig struct {
	ReconcileTimeout time.Duration
}

// Flow はIdPでの認証とローカルユーザーレコードのリコンサイルを順に行う。
type Flow struct {
	issuer     Issuer
	reconciler Reconciler
	queue      PendingQueue
	recorder   FailureRecorder
	timeout    time.Duration
	now        func() time.Time
}

// NewFlow はFlowを生成する。queueとrecorderはnilでもよい。
func NewFlow(issuer Issuer, reconciler Reconciler, queue PendingQueue, recorder FailureRecorder, cfg FlowConfig) *Flow {
	if cfg.ReconcileTimeout <= 0 {
		cfg.ReconcileTimeout = DefaultReconcileTimeout
	}
	return &Flow{
		issuer:     issuer,
		reconciler: reconciler,
		queue:      queue,
		recorder:   recorder,
		timeout:    cfg.ReconcileTimeout,
		now:        time.Now,
	}
}

// SignUp はパスワードのローカル検査、IdPでのidentity作成、表示名の設定、
// ユーザーレコードのリコンサイルを順に行う。
// 認証に失敗した場合は*FlowErrorを返す。リコンサイルの失敗はエラーにしない。
func (f *Flow) SignUp(ctx context.Context, in SignUpInput) (*Outcome, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.TrimSpace(in.Email)

	if in.Password != in.ConfirmPassword {
		return nil, &FlowError{Kind: FailureLocal, Message: MsgPasswordMismatch}
	}
	if len([]rune(in.Password)) < MinPasswordLength {
		return nil, &FlowError{Kind: FailureLocal, Message: MsgPasswordTooShort}
	}
	if err := validation.Struct(in); err != nil {
		return nil, &FlowError{Kind: FailureLocal, Message: MsgSignUpInputMissing, Err: err}
	}

	m := NewMachine()
	m.must(StateSubmitting)

	id, err := f.issuer.SignUp(ctx, in.Email, in.Password)
	if err != nil {
		return nil, f.authFailed(m, SourceSignUp, in.Email, err, SignUpErrorMessage(err))
	}
	m.must(StateAuthSucceeded)

	// identityは作成済みのため、表示名の設定失敗ではサインアップを失敗にしない
	if err := f.issuer.UpdateDisplayName(ctx, id.IDToken, in.Name); err != nil {
		slog.Warn("failed to set display name",
			slog.String("firebase_uid", id.ExternalID),
			slog.String("error", err.Error()),
		)
	} else {
		id.DisplayName = in.Name
	}
	if id.Email == "" {
		id.Email = in.Email
	}

	reconciled := f.reconcile(ctx, m, SourceSignUp, ReconcileRequest{
		ExternalID:  id.ExternalID,
		Email:       id.Email,
		DisplayName: in.Name,
	})
	return f.navigate(m, SignUpDestination, id, reconciled), nil
}

// SignIn は資格情報をIdPで検証し、ユーザーレコードをリコンサイルする。
// サインアップ時に保存できなかったレコードもここで回復する。
func (f *Flow) SignIn(ctx context.Context, in SignInInput) (*Outcome, error) {
	in.Email = strings.TrimSpace(in.Email)
	if err := validation.Struct(in); err != nil {
		return nil, &FlowError{Kind: FailureLocal, Message: MsgSignInInputMissing, Err: err}
	}

	m := NewMachine()
	m.must(StateSubmitting)

	id, err := f.issuer.SignIn(ctx, in.Email, in.Password)
	if err != nil {
		return nil, f.authFailed(m, SourceSignIn, in.Email, err, SignInErrorMessage(err))
	}
	m.must(StateAuthSucceeded)

	if id.Email == "" {
		id.Email = in.Email
	}

	reconciled := f.reconcile(ctx, m, SourceSignIn, ReconcileRequest{
		ExternalID:  id.ExternalID,
		Email:       id.Email,
		DisplayName: displayNameOrFallback(id),
	})
	return f.navigate(m, SignInDestination, id, reconciled), nil
}

func (f *Flow) authFailed(m *Machine, source, email string, err error, message string) *FlowError {
	m.must(StateAuthFailed)
	m.must(StateIdle)

	kind := FailureRejected
	level := slog.LevelInfo
	if errors.Is(err, ErrIssuerUnavailable) {
		kind = FailureUnavailable
		level = slog.LevelError
	}
	slog.Log(context.Background(), level, "authentication failed",
		slog.String("source", source),
		slog.String("email", logger.MaskEmail(email)),
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()),
	)

	return &FlowError{Kind: kind, Message: message, Err: err}
}

// reconcile はユーザーレコードを反映する。
// 呼び出し元のキャンセルから切り離したコンテキストで実行するため、
// クライアントの切断で書き込みが中断されることはない。
func (f *Flow) reconcile(ctx context.Context, m *Machine, source string, req ReconcileRequest) bool {
	m.must(StateReconciling)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
	defer cancel()

	err := f.reconciler.Reconcile(rctx, req)
	if err == nil {
		m.must(StateReconcileSucceeded)
		return true
	}

	m.must(StateReconcileFailed)
	f.recordFailure(ctx, source, req, err)
	return false
}

// recordFailure はリコンサイル失敗をメトリクスとログに記録し、再試行可能なものはキューに登録する。
// タイムアウトで失敗した場合でも登録できるよう、登録には新しいタイムアウトを設定する。
func (f *Flow) recordFailure(ctx context.Context, source string, req ReconcileRequest, cause error) {
	if f.recorder != nil {
		f.recorder.RecordReconcileFailure(source)
	}

	retryable := !errors.Is(cause, ErrReconcileRejected)
	slog.Error("reconcile_failed",
		slog.String("source", source),
		slog.String("firebase_uid", req.ExternalID),
		slog.String("email", logger.MaskEmail(req.Email)),
		slog.Bool("retryable", retryable),
		slog.String("error", cause.Error()),
	)

	if !retryable || f.queue == nil {
		return
	}

	now := f.now().UTC()
	pending := &model.PendingReconciliation{
		ID:            uuid.NewString(),
		ExternalID:    req.ExternalID,
		Email:         req.Email,
		DisplayName:   req.DisplayName,
		LastError:     cause.Error(),
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
	defer cancel()
	if err := f.queue.Enqueue(qctx, pending); err != nil {
		slog.Error("failed to enqueue pending reconciliation",
			slog.String("firebase_uid", req.ExternalID),
			slog.String("error", err.Error()),
		)
		return
	}
	if f.recorder != nil {
		f.recorder.RecordReconcileEnqueued()
	}
}

func (f *Flow) navigate(m *Machine, destination string, id *Identity, reconciled bool) *Outcome {
	m.must(StateNavigatedToAuthenticated)
	return &Outcome{
		State:      m.State(),
		History:    m.History(),
		RedirectTo: destination,
		Identity:   id,
		Reconciled: reconciled,
	}
}

// displayNameOrFallback はIdPの表示名を返す。未設定の場合はemailのローカル部を使う。
func displayNameOrFallback(id *Identity) string {
	if name := strings.TrimSpace(id.DisplayName); name != "" {
		return name
	}
	local, _, _ := strings.Cut(id.Email, "@")
	return local
}
