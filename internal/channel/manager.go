package channel

// Well-known channel names between the UI process and the backend.
const (
	UICommand       = "UI_COMMAND_PORT"
	BackendResponse = "BACKEND_RESPONSE_PORT"
	BackendData     = "BACKEND_DATA_PORT"
)

// Manager owns the three channels connecting UI and backend.
type Manager struct {
	reg      Registry
	Command  *Channel
	Response *Channel
	Data     *Channel
}

// NewManager creates the command, response and data channels.
func NewManager() *Manager {
	m := &Manager{}
	m.Command = m.reg.NewChannel(UICommand)
	m.Response = m.reg.NewChannel(BackendResponse)
	m.Data = m.reg.NewChannel(BackendData)
	return m
}

// ByName looks up a managed channel.
func (m *Manager) ByName(name string) (*Channel, bool) {
	switch name {
	case UICommand:
		return m.Command, true
	case BackendResponse:
		return m.Response, true
	case BackendData:
		return m.Data, true
	}
	return nil, false
}

// Stats reports every managed channel.
func (m *Manager) Stats() []Stats {
	return []Stats{m.Command.Stats(), m.Response.Stats(), m.Data.Stats()}
}

// FlushAll empties every lane on every channel.
func (m *Manager) FlushAll() {
	m.Command.Flush()
	m.Response.Flush()
	m.Data.Flush()
}

// Close rejects further sends on all channels.
func (m *Manager) Close() {
	m.Command.Close()
	m.Response.Close()
	m.Data.Close()
}
