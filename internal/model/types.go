package model

// User is an identity record. The user id doubles as the default namespace
// for every resource the user owns.
type User struct {
	ID              string
	ExternalLoginID *string
	Username        string
	Email           *string
	PasswordHash    *string
	CreatedAt       int64
}

type Session struct {
	ID                string
	Tag               *string
	Namespace         string
	MachineID         *string
	Seq               int64
	Metadata          string
	MetadataVersion   int
	AgentState        *string
	AgentStateVersion int
	Todos             *string
	TodosUpdatedAt    int64
	Active            bool
	ActiveAt          int64
	CreatedAt         int64
	UpdatedAt         int64
}

type SessionMessage struct {
	ID        string
	SessionID string
	Seq       int64
	LocalID   *string
	Content   string
	CreatedAt int64
}

type Machine struct {
	ID                 string
	Namespace          string
	Seq                int64
	Metadata           string
	MetadataVersion    int
	DaemonState        *string
	DaemonStateVersion int
	Active             bool
	ActiveAt           int64
	CreatedAt          int64
	UpdatedAt          int64
}

// CliToken carries only the keyed hash of the issued credential. The
// plaintext is returned once at generation time and never persisted.
type CliToken struct {
	ID         string
	UserID     string
	TokenHash  string
	Label      *string
	CreatedAt  int64
	LastUsedAt int64
}
