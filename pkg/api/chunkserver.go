package api

// --- raft transport ---

// RaftStepRequest carries one marshalled raftpb.Message for a copyset.
type RaftStepRequest struct {
	GroupID uint64 `json:"groupId"`
	From    string `json:"from"`
	Message []byte `json:"message"`
}

type RaftStepResponse struct{}

// --- cli ---

type GetLeaderRequest struct {
	LogicPoolID uint32 `json:"logicPoolId"`
	CopysetID   uint32 `json:"copysetId"`
}

type GetLeaderResponse struct {
	Leader string `json:"leader"`
}

type ChangePeersRequest struct {
	LogicPoolID uint32   `json:"logicPoolId"`
	CopysetID   uint32   `json:"copysetId"`
	NewPeers    []string `json:"newPeers"`
}

type ChangePeersResponse struct {
	OldPeers []string `json:"oldPeers"`
	NewPeers []string `json:"newPeers"`
}

type TransferLeaderRequest struct {
	LogicPoolID uint32 `json:"logicPoolId"`
	CopysetID   uint32 `json:"copysetId"`
	Peer        string `json:"peer"`
}

type TransferLeaderResponse struct{}

// --- file service ---

// GetFileRequest reads Count bytes at Offset from a file under the
// chunkserver data directory. Path is relative to that directory.
type GetFileRequest struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Count  int64  `json:"count"`
}

type GetFileResponse struct {
	Data []byte `json:"data"`
	EOF  bool   `json:"eof"`
}

// --- copyset service ---

type CopysetOpStatus int

const (
	CopysetOpStatusSuccess CopysetOpStatus = iota
	CopysetOpStatusExist
	CopysetOpStatusNotExist
	CopysetOpStatusFailureUnknown
	CopysetOpStatusLoadUnfinished
)

func (s CopysetOpStatus) String() string {
	switch s {
	case CopysetOpStatusSuccess:
		return "SUCCESS"
	case CopysetOpStatusExist:
		return "EXIST"
	case CopysetOpStatusNotExist:
		return "COPYSET_NOTEXIST"
	case CopysetOpStatusLoadUnfinished:
		return "LOAD_UNFINISHED"
	default:
		return "FAILURE_UNKNOWN"
	}
}

type Copyset struct {
	LogicPoolID uint32   `json:"logicPoolId"`
	CopysetID   uint32   `json:"copysetId"`
	Peers       []string `json:"peers"`
}

type CopysetRequest struct {
	LogicPoolID uint32   `json:"logicPoolId"`
	CopysetID   uint32   `json:"copysetId"`
	Peers       []string `json:"peers"`
}

type CopysetResponse struct {
	Status CopysetOpStatus `json:"status"`
	Leader string          `json:"leader,omitempty"`
}

type CopysetRequest2 struct {
	Copysets []Copyset `json:"copysets"`
}

type CopysetResponse2 struct {
	Status CopysetOpStatus `json:"status"`
}

type CopysetStatusRequest struct {
	LogicPoolID uint32 `json:"logicPoolId"`
	CopysetID   uint32 `json:"copysetId"`
}

type CopysetStatusResponse struct {
	Status            CopysetOpStatus `json:"status"`
	State             string          `json:"state"`
	Leader            string          `json:"leader"`
	Peers             []string        `json:"peers"`
	Epoch             uint64          `json:"epoch"`
	Term              uint64          `json:"term"`
	FirstIndex        uint64          `json:"firstIndex"`
	LastIndex         uint64          `json:"lastIndex"`
	CommittedIndex    uint64          `json:"committedIndex"`
	KnownAppliedIndex uint64          `json:"knownAppliedIndex"`
}

// --- chunkserver status ---

type ChunkServerStatusRequest struct{}

type ChunkServerStatusResponse struct {
	CopysetLoadFin bool `json:"copysetLoadFin"`
}

// --- heartbeat (orchestrator side) ---

type ConfigChangeType int

const (
	ConfigChangeNone ConfigChangeType = iota
	ConfigChangeTransferLeader
	ConfigChangeAddPeer
	ConfigChangeRemovePeer
	ConfigChangeChangePeer
)

func (t ConfigChangeType) String() string {
	switch t {
	case ConfigChangeTransferLeader:
		return "TRANSFER_LEADER"
	case ConfigChangeAddPeer:
		return "ADD_PEER"
	case ConfigChangeRemovePeer:
		return "REMOVE_PEER"
	case ConfigChangeChangePeer:
		return "CHANGE_PEER"
	default:
		return "NONE"
	}
}

// CopySetConf is a membership instruction issued by the orchestrator.
type CopySetConf struct {
	LogicPoolID      uint32           `json:"logicPoolId"`
	CopysetID        uint32           `json:"copysetId"`
	Epoch            uint64           `json:"epoch"`
	Peers            []string         `json:"peers"`
	Type             ConfigChangeType `json:"type"`
	ConfigChangeItem string           `json:"configChangeItem,omitempty"`
	OldPeer          string           `json:"oldPeer,omitempty"`
}

type CopysetInfo struct {
	LogicPoolID  uint32   `json:"logicPoolId"`
	CopysetID    uint32   `json:"copysetId"`
	Epoch        uint64   `json:"epoch"`
	Peers        []string `json:"peers"`
	Leader       string   `json:"leader"`
	AppliedIndex uint64   `json:"appliedIndex"`
}

type HeartbeatRequest struct {
	RequestID     string        `json:"requestId"`
	ChunkServerID uint32        `json:"chunkServerId"`
	Token         string        `json:"token"`
	IP            string        `json:"ip"`
	Port          int           `json:"port"`
	StartTime     int64         `json:"startTime"`
	Copysets      []CopysetInfo `json:"copysets"`
}

type HeartbeatResponse struct {
	NeedUpdateCopysets []CopySetConf `json:"needUpdateCopysets"`
}
