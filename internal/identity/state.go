package identity

import "fmt"

// State はサインアップ・サインインフローの状態。
type State string

const (
	StateIdle                     State = "idle"
	StateSubmitting               State = "submitting"
	StateAuthSucceeded            State = "auth_succeeded"
	StateAuthFailed               State = "auth_failed"
	StateReconciling              State = "reconciling"
	StateReconcileSucceeded       State = "reconcile_succeeded"
	StateReconcileFailed          State = "reconcile_failed"
	StateNavigatedToAuthenticated State = "navigated_to_authenticated_area"
)

// transitions は許可される状態遷移。
// リコンサイルの成否に関わらず認証済みエリアへ遷移する。
var transitions = map[State][]State{
	StateIdle:               {StateSubmitting},
	StateSubmitting:         {StateAuthSucceeded, StateAuthFailed},
	StateAuthFailed:         {StateIdle},
	StateAuthSucceeded:      {StateReconciling},
	StateReconciling:        {StateReconcileSucceeded, StateReconcileFailed},
	StateReconcileSucceeded: {StateNavigatedToAuthenticated},
	StateReconcileFailed:    {StateNavigatedToAuthenticated},
}

// Machine は1回のフロー実行の状態を保持する。ゴルーチン間で共有しない。
type Machine struct {
	state   State
	history []State
}

// NewMachine はIdle状態のMachineを生成する。
func NewMachine() *Machine {
	return &Machine{state: StateIdle, history: []State{StateIdle}}
}

// State は現在の状態を返す。
func (m *Machine) State() State {
	return m.state
}

// History はIdleから現在までに通過した状態を返す。
func (m *Machine) History() []State {
	return append([]State(nil), m.history...)
}

// Transition は状態を遷移させる。許可されていない遷移はエラーを返し、状態を変更しない。
func (m *Machine) Transition(to State) error {
	for _, allowed := range transitions[m.state] {
		if allowed == to {
			m.state = to
			m.history = append(m.history, to)
			return nil
		}
	}
	return fmt.Errorf("invalid transition %s -> %s", m.state, to)
}

// must は内部で保証している遷移に使う。失敗はプログラムの誤り。
func (m *Machine) must(to State) {
	if err := m.Transition(to); err != nil {
		panic(err)
	}
}
