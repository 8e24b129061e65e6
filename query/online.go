package query

// OnlineManager tracks connectivity. It starts online; hosts wire a
// real signal with SetEventListener, for example a netlink watcher or a
// connection-pool health callback. Online-mode fetches pause while
// offline and resume on the transition back.
type OnlineManager struct {
	core flagManager
}

func NewOnlineManager() *OnlineManager {
	m := &OnlineManager{}
	m.core.value = true
	return m
}

// IsOnline returns the current connectivity state.
func (m *OnlineManager) IsOnline() bool { return m.core.get() }

// SetOnline records a connectivity transition and notifies subscribers
// on change.
func (m *OnlineManager) SetOnline(online bool) { m.core.set(online) }

// Subscribe registers fn for connectivity transitions.
func (m *OnlineManager) Subscribe(fn func(online bool)) func() {
	return m.core.subscribe(fn)
}

// SetEventListener replaces the connectivity signal source; see
// FocusManager.SetEventListener.
func (m *OnlineManager) SetEventListener(setup func(setOnline func(bool)) (teardown func())) {
	m.core.setEventListener(setup)
}

// Stop tears down the event source.
func (m *OnlineManager) Stop() { m.core.stop() }
