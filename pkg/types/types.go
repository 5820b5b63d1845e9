// Package types defines the core data structures shared across lockbase:
// users, application tenants, sessions, databases, and the transaction log
// entries that make up a database's append-only history. None of these
// types carry plaintext user data — bodies and metadata the client encrypts
// are opaque []byte blobs as far as the server is concerned.
package types

import "time"

// RemClass is the "remember me" class attached to a Session.
type RemClass string

const (
	RemClassNone    RemClass = "none"
	RemClassSession RemClass = "session"
	RemClassLocal   RemClass = "local"
)

// Application is a developer's namespace, identified by an opaque id.
// Users are unique per application (case-folded username).
type Application struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// User holds identity plus opaque key material. The server never sees a
// plaintext key or plaintext seed; PublicKey and the three salts are
// black-box values handed back verbatim on request.
type User struct {
	ID        string
	AppID     string
	Username  string // stored as given; uniqueness is per AppID, compared case-folded
	Email     string
	Profile   map[string]string

	PublicKey []byte

	EncryptionSalt []byte
	DHSalt         []byte
	HMACSalt       []byte

	EncryptedSeedBackup []byte
	PasswordToken       []byte

	CreatedAt time.Time
	UpdatedAt time.Time

	// TombstonedAt marks the soft-delete point; the user record stays in
	// place until it is hard-deleted. Lookups by id or username do not
	// filter on it.
	TombstonedAt *time.Time
}

// PasswordSalts is the subset of User returned by GetPasswordSalts and the
// REST get-password-salts boundary.
type PasswordSalts struct {
	EncryptionSalt []byte
	DHSalt         []byte
	HMACSalt       []byte
}

func (u *User) Salts() PasswordSalts {
	return PasswordSalts{
		EncryptionSalt: u.EncryptionSalt,
		DHSalt:         u.DHSalt,
		HMACSalt:       u.HMACSalt,
	}
}

// Session is a server-issued handle binding a user to a single signed-in
// context. Only one session may be attached to a live connection at a time
// per user; UpdateUser/DeleteUser invalidate any other live session.
type Session struct {
	ID            string
	UserID        string
	AppID         string
	RememberMe    RemClass
	CreatedAt     time.Time
	InvalidatedAt *time.Time
}

func (s *Session) Valid() bool {
	return s.InvalidatedAt == nil
}

// Database is a per-user named container. NameHash is an opaque digest of
// the client-chosen name; the server never learns the plaintext name.
// NewDatabaseParams is opaque encrypted metadata supplied on first open.
type Database struct {
	ID                string
	OwnerUserID       string
	NameHash          []byte
	NewDatabaseParams []byte

	BundleSeqNo  uint64 // 0 means no bundle has been published yet
	BundleBlob   []byte

	CreatedAt time.Time
}

func (d *Database) HasBundle() bool {
	return d.BundleSeqNo > 0
}

// Command is the kind of mutation a Transaction record carries.
type Command string

const (
	CommandInsert Command = "Insert"
	CommandUpdate Command = "Update"
	CommandDelete Command = "Delete"
)

// MaxRecordBytes is the per-record size ceiling, including framing
// overhead.
const MaxRecordBytes = 400 * 1024

// Transaction is a single log record within one database.
type Transaction struct {
	DBID          string    `json:"dbId"`
	SeqNo         uint64    `json:"seqNo"`
	Command       Command   `json:"command"`
	ItemKey       []byte    `json:"itemKey"`
	EncryptedItem []byte    `json:"encryptedItem"`
	CreatedBy     string    `json:"createdBy"` // connection id of the writer, for diagnostics only
	CreatedAt     time.Time `json:"createdAt"`
}

// BatchTransaction is a set of single-item commands appended atomically;
// on success every entry receives a contiguous SeqNo starting at the
// allocated range's first value.
type BatchTransaction struct {
	DBID  string      `json:"dbId"`
	Items []BatchItem `json:"items"`
}

type BatchItem struct {
	Command       Command `json:"command"`
	ItemKey       []byte  `json:"itemKey"`
	EncryptedItem []byte  `json:"encryptedItem"`
}
