package binaryd

// Control bytes intercepted by the framing layer; they never reach handlers.
const (
	// SwitchToRepl flips a remote-server connection into the replication
	// sub-protocol; its payload is re-enqueued as MsgGetChangesets.
	SwitchToRepl byte = 0xFE
	// FileFollows announces a framed file stream; the next byte names the
	// message type under which the received file path is re-enqueued.
	FileFollows byte = 0xFD
)

// Remote protocol message types.
const (
	MsgUpdate byte = iota
	MsgQuery
	MsgTerm
	MsgDocument
	MsgCommit
	MsgRemoteMax
)

// Remote protocol reply types.
const (
	ReplyUpdate byte = iota
	ReplyResult
	ReplyTerm
	ReplyDocument
	ReplyDone
	ReplyException
)

// Replication message types.
const (
	MsgGetChangesets byte = iota
	MsgReplMax
)

// Replication reply types.
const (
	ReplyWelcome byte = iota
	ReplyChangeset
	ReplyFile
	ReplyFail
	ReplyEnd
)

// State is the sub-protocol a connection's runner dispatches under.
type State int

const (
	StateInitRemote State = iota
	StateRemoteServer
	StateReplicationServer
	StateReplicationClient
)

func (s State) String() string {
	switch s {
	case StateInitRemote:
		return "init_remote"
	case StateRemoteServer:
		return "remote_server"
	case StateReplicationServer:
		return "replication_server"
	case StateReplicationClient:
		return "replication_client"
	default:
		return "invalid"
	}
}
