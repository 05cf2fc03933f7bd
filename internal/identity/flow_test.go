package identity

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/citysphere/citysphere/internal/model"
)

// --- モック ---

type mockIssuer struct {
	signUpFn            func(ctx context.Context, email, password string) (*Identity, error)
	signInFn            func(ctx context.Context, email, password string) (*Identity, error)
	updateDisplayNameFn func(ctx context.Context, idToken, displayName string) error
}

func (m *mockIssuer) SignUp(ctx context.Context, email, password string) (*Identity, error) {
	return m.signUpFn(ctx, email, password)
}

func (m *mockIssuer) SignIn(ctx context.Context, email, password string) (*Identity, error) {
	return m.signInFn(ctx, email, password)
}

func (m *mockIssuer) UpdateDisplayName(ctx context.Context, idToken, displayName string) error {
	if m.updateDisplayNameFn != nil {
		return m.updateDisplayNameFn(ctx, idToken, displayName)
	}
	return nil
}

type mockQueue struct {
	enqueued []*model.PendingReconciliation
	err      error
}

func (m *mockQueue) Enqueue(ctx context.Context, p *model.PendingReconciliation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.err != nil {
		return m.err
	}
	m.enqueued = append(m.enqueued, p)
	return nil
}

type mockFailureRecorder struct {
	failures []string
	enqueued int
}

func (m *mockFailureRecorder) RecordReconcileFailure(source string) {
	m.failures = append(m.failures, source)
}

func (m *mockFailureRecorder) RecordReconcileEnqueued() {
	m.enqueued++
}

func signedUpIdentity() *Identity {
	return &Identity{ExternalID: "uid-1", Email: "jane@example.com", IDToken: "tok", RefreshToken: "ref", ExpiresIn: 3600}
}

func successIssuer() *mockIssuer {
	return &mockIssuer{
		signUpFn: func(ctx context.Context, email, password string) (*Identity, error) {
			return signedUpIdentity(), nil
		},
		signInFn: func(ctx context.Context, email, password string) (*Identity, error) {
			id := signedUpIdentity()
			id.DisplayName = "Jane"
			return id, nil
		},
	}
}

// --- テスト ---

// TestFlow_SignUp_LocalChecks はIdPを呼ばずにローカルで拒否されることを検証する。
func TestFlow_SignUp_LocalChecks(t *testing.T) {
	tests := []struct {
		name string
		in   SignUpInput
		want string
	}{
		{"パスワード不一致", SignUpInput{Name: "Jane", Email: "j@x.io", Password: "secret1", ConfirmPassword: "secret2"}, MsgPasswordMismatch},
		{"パスワードが短い", SignUpInput{Name: "Jane", Email: "j@x.io", Password: "abc", ConfirmPassword: "abc"}, MsgPasswordTooShort},
		{"名前が空", SignUpInput{Name: "  ", Email: "j@x.io", Password: "secret1", ConfirmPassword: "secret1"}, MsgSignUpInputMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issuer := &mockIssuer{
				signUpFn: func(ctx context.Context, email, password string) (*Identity, error) {
					t.Fatal("issuer should not be called")
					return nil, nil
				},
			}
			flow := NewFlow(issuer, ReconcilerFunc(func(ctx context.Context, req ReconcileRequest) error { return nil }), nil, nil, FlowConfig{})

			_, err := flow.SignUp(context.Background(), tt.in)
			var fe *FlowError
			if !errors.As(err, &fe) {
				t.Fatalf("expected FlowError, got %v", err)
			}
			if fe.Kind != FailureLocal || fe.Message != tt.want {
				t.Errorf("got kind=%s msg=%q, want local %q", fe.Kind, fe.Message, tt.want)
			}
		})
	}
}

// TestFlow_SignUp_Success は表示名設定とリコンサイルを経て/exploreへ遷移することを検証する。
func TestFlow_SignUp_Success(t *testing.T) {
	var gotDisplayName string
	var gotReq ReconcileRequest
	issuer := successIssuer()
	issuer.updateDisplayNameFn = func(ctx context.Context, idToken, displayName string) error {
		if idToken != "tok" {
			t.Errorf("idToken = %q", idToken)
		}
		gotDisplayName = displayName
		return nil
	}
	reconciler := ReconcilerFunc(func(ctx context.Context, req ReconcileRequest) error {
		gotReq = req
		return nil
	})
	flow := NewFlow(issuer, reconciler, nil, nil, FlowConfig{})

	out, err := flow.SignUp(context.Background(), SignUpInput{Name: " Jane ", Email: "jane@example.com", Password: "secret1", ConfirmPassword: "secret1"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if gotDisplayName != "Jane" {
		t.Errorf("display name = %q, want Jane", gotDisplayName)
	}
	if gotReq != (ReconcileRequest{ExternalID: "uid-1", Email: "jane@example.com", DisplayName: "Jane"}) {
		t.Errorf("reconcile request = %+v", gotReq)
	}
	if out.RedirectTo != SignUpDestination || !out.Reconciled || out.Identity.DisplayName != "Jane" {
		t.Errorf("outcome = %+v", out)
	}
	wantHistory := []State{StateIdle, StateSubmitting, StateAuthSucceeded, StateReconciling, StateReconcileSucceeded, StateNavigatedToAuthenticated}
	if !reflect.DeepEqual(out.History, wantHistory) {
		t.Errorf("history = %v, want %v", out.History, wantHistory)
	}
}

// TestFlow_SignUp_ReconcileFailure はリコンサイル失敗でも認証済みエリアへ遷移し、キューに登録されることを検証する。
func TestFlow_SignUp_ReconcileFailure(t *testing.T) {
	queue := &mockQueue{}
	rec := &mockFailureRecorder{}
	reconciler := ReconcilerFunc(func(ctx context.Context, req ReconcileRequest) error {
		return errors.New("connection refused")
	})
	flow := NewFlow(successIssuer(), reconciler, queue, rec, FlowConfig{})
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	flow.now = func() time.Time { return fixed }

	out, err := flow.SignUp(context.Background(), SignUpInput{Name: "Jane", Email: "jane@example.com", Password: "secret1", ConfirmPassword: "secret1"})
	if err != nil {
		t.Fatalf("reconcile failure must not fail sign-up, got %v", err)
	}
	if out.Reconciled {
		t.Error("Reconciled should be false")
	}
	if out.State != StateNavigatedToAuthenticated || out.RedirectTo != SignUpDestination {
		t.Errorf("outcome = %+v", out)
	}
	if out.History[4] != StateReconcileFailed {
		t.Errorf("history = %v, want reconcile_failed before navigation", out.History)
	}

	if len(queue.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want 1", len(queue.enqueued))
	}
	p := queue.enqueued[0]
	if p.ExternalID != "uid-1" || p.Email != "jane@example.com" || p.DisplayName != "Jane" {
		t.Errorf("pending = %+v", p)
	}
	if p.LastError != "connection refused" || !p.NextAttemptAt.Equal(fixed) || p.ID == "" {
		t.Errorf("pending metadata = %+v", p)
	}
	if !reflect.DeepEqual(rec.failures, []string{SourceSignUp}) || rec.enqueued != 1 {
		t.Errorf("recorder = %+v", rec)
	}
}

// TestFlow_SignUp_RejectedReconcileNotQueued は再試行しても成功しない失敗がキューに登録されないことを検証する。
func TestFlow_SignUp_RejectedReconcileNotQueued(t *testing.T) {
	queue := &mockQueue{}
	rec := &mockFailureRecorder{}
	reconciler := ReconcilerFunc(func(ctx context.Context, req ReconcileRequest) error {
		return ErrReconcileRejected
	})
	flow := NewFlow(successIssuer(), reconciler, queue, rec, FlowConfig{})

	out, err := flow.SignUp(context.Background(), SignUpInput{Name: "Jane", Email: "jane@example.com", Password: "secret1", ConfirmPassword: "secret1"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out.Reconciled {
		t.Error("Reconciled should be false")
	}
	if len(queue.enqueued) != 0 {
		t.Errorf("rejected reconcile should not be queued, got %d", len(queue.enqueued))
	}
	if len(rec.failures) != 1 || rec.enqueued != 0 {
		t.Errorf("recorder = %+v", rec)
	}
}

// TestFlow_SignUp_ReconcileDetachedFromCaller は呼び出し元のキャンセルがリコンサイルに伝播しないことを検証する。
func TestFlow_SignUp_ReconcileDetachedFromCaller(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	issuer := successIssuer()
	issuer.updateDisplayNameFn = func(context.Context, string, string) error {
		cancel()
		return nil
	}
	reconciler := ReconcilerFunc(func(rctx context.Context, req ReconcileRequest) error {
		if err := rctx.Err(); err != nil {
			t.Errorf("reconcile context should not be canceled, got %v", err)
		}
		if _, ok := rctx.Deadline(); !ok {
			t.Error("reconcile context should have its own deadline")
		}
		return nil
	})
	flow := NewFlow(issuer, reconciler, nil, nil, FlowConfig{ReconcileTimeout: time.Second})

	out, err := flow.SignUp(ctx, SignUpInput{Name: "Jane", Email: "jane@example.com", Password: "secret1", ConfirmPassword: "secret1"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !out.Reconciled {
		t.Error("expected reconciled")
	}
}

// TestFlow_SignUp_TimeoutStillQueued はタイムアウトで失敗した要求もキューに登録されることを検証する。
func TestFlow_SignUp_TimeoutStillQueued(t *testing.T) {
	queue := &mockQueue{}
	reconciler := ReconcilerFunc(func(ctx context.Context, req ReconcileRequest) error {
		<-ctx.Done()
		return ctx.Err()
	})
	flow := NewFlow(successIssuer(), reconciler, queue, nil, FlowConfig{ReconcileTimeout: 10 * time.Millisecond})

	out, err := flow.SignUp(context.Background(), SignUpInput{Name: "Jane", Email: "jane@example.com", Password: "secret1", ConfirmPassword: "secret1"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out.Reconciled {
		t.Error("Reconciled should be false")
	}
	if len(queue.enqueued) != 1 {
		t.Errorf("enqueued = %d, want 1", len(queue.enqueued))
	}
}

// TestFlow_SignUp_DisplayNameFailureIsNotFatal は表示名設定の失敗でもサインアップが完了することを検証する。
func TestFlow_SignUp_DisplayNameFailureIsNotFatal(t *testing.T) {
	issuer := successIssuer()
	issuer.updateDisplayNameFn = func(context.Context, string, string) error {
		return errors.New("TOKEN_EXPIRED")
	}
	var gotReq ReconcileRequest
	flow := NewFlow(issuer, ReconcilerFunc(func(ctx context.Context, req ReconcileRequest) error {
		gotReq = req
		return nil
	}), nil, nil, FlowConfig{})

	out, err := flow.SignUp(context.Background(), SignUpInput{Name: "Jane", Email: "jane@example.com", Password: "secret1", ConfirmPassword: "secret1"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if gotReq.DisplayName != "Jane" {
		t.Errorf("local record should still use the submitted name, got %q", gotReq.DisplayName)
	}
	if out.Identity.DisplayName != "" {
		t.Errorf("identity display name = %q, want unset", out.Identity.DisplayName)
	}
}

// TestFlow_SignUp_IssuerFailures はIdPの失敗がFlowErrorに変換されることを検証する。
func TestFlow_SignUp_IssuerFailures(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind FailureKind
		wantMsg  string
	}{
		{"登録済み", &IssuerError{Status: 400, Code: "EMAIL_EXISTS", Message: "EMAIL_EXISTS"}, FailureRejected, MsgEmailExists},
		{"不正なemail", &IssuerError{Status: 400, Code: "INVALID_EMAIL", Message: "INVALID_EMAIL"}, FailureRejected, MsgInvalidEmail},
		{"到達不能", ErrIssuerUnavailable, FailureUnavailable, MsgIssuerUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issuer := &mockIssuer{
				signUpFn: func(ctx context.Context, email, password string) (*Identity, error) {
					return nil, tt.err
				},
			}
			reconciler := ReconcilerFunc(func(ctx context.Context, req ReconcileRequest) error {
				t.Fatal("reconciler should not be called after auth failure")
				return nil
			})
			flow := NewFlow(issuer, reconciler, nil, nil, FlowConfig{})

			_, err := flow.SignUp(context.Background(), SignUpInput{Name: "Jane", Email: "jane@example.com", Password: "secret1", ConfirmPassword: "secret1"})
			var fe *FlowError
			if !errors.As(err, &fe) {
				t.Fatalf("expected FlowError, got %v", err)
			}
			if fe.Kind != tt.wantKind || fe.Message != tt.wantMsg {
				t.Errorf("got kind=%s msg=%q", fe.Kind, fe.Message)
			}
			if !errors.Is(err, tt.err) {
				t.Error("cause should be preserved")
			}
		})
	}
}

// TestFlow_SignIn_Reconciles はサインインでもリコンサイルして/homeへ遷移することを検証する。
func TestFlow_SignIn_Reconciles(t *testing.T) {
	var gotReq ReconcileRequest
	flow := NewFlow(successIssuer(), ReconcilerFunc(func(ctx context.Context, req ReconcileRequest) error {
		gotReq = req
		return nil
	}), nil, nil, FlowConfig{})

	out, err := flow.SignIn(context.Background(), SignInInput{Email: " jane@example.com ", Password: "secret1"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if gotReq != (ReconcileRequest{ExternalID: "uid-1", Email: "jane@example.com", DisplayName: "Jane"}) {
		t.Errorf("reconcile request = %+v", gotReq)
	}
	if out.RedirectTo != SignInDestination || !out.Reconciled {
		t.Errorf("outcome = %+v", out)
	}
}

// TestFlow_SignIn_FallbackDisplayName は表示名未設定のidentityでemailのローカル部を使うことを検証する。
func TestFlow_SignIn_FallbackDisplayName(t *testing.T) {
	issuer := &mockIssuer{
		signInFn: func(ctx context.Context, email, password string) (*Identity, error) {
			return signedUpIdentity(), nil
		},
	}
	var gotReq ReconcileRequest
	flow := NewFlow(issuer, ReconcilerFunc(func(ctx context.Context, req ReconcileRequest) error {
		gotReq = req
		return nil
	}), nil, nil, FlowConfig{})

	if _, err := flow.SignIn(context.Background(), SignInInput{Email: "jane@example.com", Password: "secret1"}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if gotReq.DisplayName != "jane" {
		t.Errorf("DisplayName = %q, want jane", gotReq.DisplayName)
	}
}

// TestFlow_SignIn_Failures はサインイン失敗の分類とメッセージを検証する。
func TestFlow_SignIn_Failures(t *testing.T) {
	tests := []struct {
		name     string
		in       SignInInput
		err      error
		wantKind FailureKind
		wantMsg  string
	}{
		{"入力不足", SignInInput{Email: "", Password: "x"}, nil, FailureLocal, MsgSignInInputMissing},
		{"資格情報誤り", SignInInput{Email: "a@b.com", Password: "x"}, &IssuerError{Status: 400, Code: "INVALID_LOGIN_CREDENTIALS"}, FailureRejected, MsgSignInFailed},
		{"未知のコード", SignInInput{Email: "a@b.com", Password: "x"}, &IssuerError{Status: 400, Code: "OPERATION_NOT_ALLOWED", Message: "OPERATION_NOT_ALLOWED : Password sign-in is disabled for this project."}, FailureRejected, "OPERATION_NOT_ALLOWED : Password sign-in is disabled for this project."},
		{"到達不能", SignInInput{Email: "a@b.com", Password: "x"}, ErrIssuerUnavailable, FailureUnavailable, MsgIssuerUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issuer := &mockIssuer{
				signInFn: func(ctx context.Context, email, password string) (*Identity, error) {
					if tt.err == nil {
						t.Fatal("issuer should not be called")
					}
					return nil, tt.err
				},
			}
			flow := NewFlow(issuer, ReconcilerFunc(func(ctx context.Context, req ReconcileRequest) error { return nil }), nil, nil, FlowConfig{})

			_, err := flow.SignIn(context.Background(), tt.in)
			var fe *FlowError
			if !errors.As(err, &fe) {
				t.Fatalf("expected FlowError, got %v", err)
			}
			if fe.Kind != tt.wantKind || fe.Message != tt.wantMsg {
				t.Errorf("got kind=%s msg=%q", fe.Kind, fe.Message)
			}
		})
	}
}
