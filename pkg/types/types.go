// Package types defines the core data structures shared across agentd:
// the agent configuration, the process-queue and chain record shapes,
// and the capability-flagged materialized view configuration.
package types

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ID is the 128-bit opaque identifier type used for transactions,
// artifacts, blocks, and entities. Identifiers are compared bytewise.
type ID = uuid.UUID

// Nil is the all-zero identifier used as a sentinel: it marks a
// transaction node as still in the process queue (BlockID == Nil) and
// anchors the process queue's doubly linked sentinel record.
var Nil = uuid.Nil

// TxnState is the lifecycle state of a process-queue transaction.
type TxnState uint32

const (
	TxnUnknown   TxnState = 0
	TxnSubmitted TxnState = 1
	TxnAttested  TxnState = 2
	TxnCanonized TxnState = 3
	TxnInvalid   TxnState = 0xFFFFFFFF
)

func (s TxnState) String() string {
	switch s {
	case TxnUnknown:
		return "UNKNOWN"
	case TxnSubmitted:
		return "SUBMITTED"
	case TxnAttested:
		return "ATTESTED"
	case TxnCanonized:
		return "CANONIZED"
	case TxnInvalid:
		return "INVALID"
	default:
		return "UNKNOWN"
	}
}

// TransactionNode is one record in the process queue's doubly linked
// list, or (once BlockID is non-zero) a canonized transaction's
// archived record.
type TransactionNode struct {
	TxnID      ID
	PrevID     ID
	NextID     ID
	ArtifactID ID
	BlockID    ID
	State      TxnState
	Cert       []byte
}

// InQueue reports whether the node is still a pending, uncanonized
// member of the process queue.
func (t *TransactionNode) InQueue() bool {
	return t.BlockID == Nil
}

// ArtifactRecord tracks the first and most recent transaction to
// touch a given artifact, along with the height range over which that
// artifact has been modified.
type ArtifactRecord struct {
	ArtifactID   ID
	TxnFirst     ID
	TxnLatest    ID
	HeightFirst  uint64
	HeightLatest uint64
	StateLatest  TxnState
}

// BlockNode is one record in the doubly linked block chain.
type BlockNode struct {
	BlockID    ID
	PrevID     ID
	NextID     ID
	FirstTxnID ID
	Height     uint64
	Cert       []byte
}

// CanonizedIndexEntry locates a canonized transaction within its
// block's certificate.
type CanonizedIndexEntry struct {
	BlockID  ID
	Position uint32
}

// GlobalSettingKey enumerates the well-known global setting keys.
type GlobalSettingKey uint64

const (
	SettingSchemaVersion      GlobalSettingKey = 1
	SettingLatestBlockID      GlobalSettingKey = 2
	SettingBlockHeightCounter GlobalSettingKey = 3
)

// CRUD bit flags carried by materialized view field specifications.
const (
	ViewCreate = 1 << 0
	ViewUpdate = 1 << 1
	ViewAppend = 1 << 2
	ViewDelete = 1 << 3
)

// MaterializedViewField is a single field entry inside a materialized
// view's transaction/artifact specification.
type MaterializedViewField struct {
	Name  string
	Flags uint32
}

// MaterializedViewTransaction nests a set of field specs under a
// transaction type.
type MaterializedViewTransaction struct {
	TransactionType string
	Fields          []MaterializedViewField
}

// MaterializedViewArtifact nests a set of transaction specs under an
// artifact type.
type MaterializedViewArtifact struct {
	ArtifactType string
	Transactions []MaterializedViewTransaction
}

// MaterializedView is carried on AgentConfig.Views but, per the Open
// Questions decision recorded in SPEC_FULL.md, has no consumer in the
// data service: it is pass-through configuration. pkg/config's record
// stream neither encodes nor decodes it.
type MaterializedView struct {
	Name      string
	Artifacts []MaterializedViewArtifact
}

// ListenAddress is one (IPv4, port) pair the listener binds.
type ListenAddress struct {
	Address string
	Port    uint64
}

// AgentConfig is the immutable, once-per-process-start configuration
// consumed from the out-of-scope readconfig collaborator. The block
// period is expressed in milliseconds (Open Question #1: the config
// struct and every caller agree on milliseconds, never seconds).
type AgentConfig struct {
	LogDir               string
	LogLevel             int64
	BlockMaxMilliseconds int64
	BlockMaxTransactions int64
	SecretPath           string
	RootBlockPath        string
	DatastorePath        string
	ListenAddresses      []ListenAddress
	ChrootDir            string
	User                 string
	Group                string
	Views                []MaterializedView
}

// MaxBlockMaxMilliseconds is the upper bound on BlockMaxMilliseconds
// (12 hours), per spec section 3.
const MaxBlockMaxMilliseconds = 43_200_000

// MaxBlockMaxTransactions is the upper bound on BlockMaxTransactions,
// per spec section 3.
const MaxBlockMaxTransactions = 100_000

var (
	errInvalidBlockMaxMilliseconds = errors.New("types: block_max_milliseconds out of range")
	errInvalidBlockMaxTransactions = errors.New("types: block_max_transactions out of range")
	errInvalidLogLevel             = errors.New("types: log_level must be between 0 and 9")
)

// Validate checks the bounds spec section 3 places on AgentConfig.
func (c *AgentConfig) Validate() error {
	if c.BlockMaxMilliseconds <= 0 || c.BlockMaxMilliseconds > MaxBlockMaxMilliseconds {
		return errInvalidBlockMaxMilliseconds
	}
	if c.BlockMaxTransactions <= 0 || c.BlockMaxTransactions > MaxBlockMaxTransactions {
		return errInvalidBlockMaxTransactions
	}
	if c.LogLevel < 0 || c.LogLevel > 9 {
		return errInvalidLogLevel
	}
	return nil
}

// ChildContextIndex identifies a data-service child context by its
// small integer slot.
type ChildContextIndex uint32

// Timestamped is embedded by records that track creation time outside
// of the persisted wire format (used for in-memory bookkeeping such as
// child-context expiry, never serialized to the store).
type Timestamped struct {
	CreatedAt time.Time
}
