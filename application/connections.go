package application

// Connection is the live, in-memory view of one connection (spec.md §3).
type Connection struct {
	Name           string
	Tracker        string
	IsServer       bool
	ConnectAddress string
	ConnectPort    uint32
	ListenAddress  string
	ListenPort     uint32
	Encrypted      bool
	Fixed          bool
	Peers          []string
	SessionIDs     []string
	Imported       bool
}

// ConnectionsList is the C2 port (spec.md §4.2).
type ConnectionsList interface {
	Load() error
	Save() error

	Get(tracker string) (serverConnections, clientConnections []Connection)
	GetImported(tracker string) []Connection
	GetAll() []Connection

	Update(tracker, name string, isServer bool, record Connection)
	Delete(tracker, name string, isServer bool)
}
