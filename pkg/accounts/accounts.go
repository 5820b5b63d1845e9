// Package accounts is lockbase's persisted-layout layer: users, sessions,
// and per-owner databases, all stored through the generic
// pkg/storage.Store the same way the transaction log is — there is no
// separate database engine here, just more partitions in the same KV
// store. pkg/router's REST boundary and pkg/connection's action dispatch
// both sit on top of this package; neither touches storage.Store directly
// for account data.
package accounts

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/lockbase/pkg/apperrors"
	"github.com/cuemby/lockbase/pkg/storage"
	"github.com/cuemby/lockbase/pkg/types"
)

const (
	partitionUsers       = "users"
	partitionUsersByName = "users_by_name"    // sort = appId + "\x00" + usernameLower -> userId
	partitionSessions    = "sessions"
	partitionDatabases   = "databases"        // sort = dbId -> Database
	partitionDBByOwner   = "databases_by_owner" // sort = ownerUserId + "\x00" + nameHash -> dbId
)

// Store is the accounts persistence layer over a generic storage.Store.
type Store struct {
	store storage.Store
}

func New(store storage.Store) *Store {
	return &Store{store: store}
}

func usernameKey(appID, username string) []byte {
	return []byte(appID + "\x00" + strings.ToLower(username))
}

func dbOwnerKey(ownerUserID string, nameHash []byte) []byte {
	return append([]byte(ownerUserID+"\x00"), nameHash...)
}

// CreateUser inserts a new user, enforcing per-app username uniqueness via
// a conditional insert on the username index.
func (s *Store) CreateUser(u *types.User) (*types.User, error) {
	u.ID = uuid.NewString()
	u.CreatedAt = time.Now()
	u.UpdatedAt = u.CreatedAt

	if err := s.store.Put(partitionUsersByName, usernameKey(u.AppID, u.Username), []byte(u.ID), true); err != nil {
		if err == storage.ErrConflict {
			return nil, apperrors.Fail(apperrors.StatusConflict)
		}
		return nil, apperrors.Fail(apperrors.StatusServiceUnavailable)
	}

	data, err := json.Marshal(u)
	if err != nil {
		return nil, apperrors.Fail(apperrors.StatusInternal)
	}
	if err := s.store.Put(partitionUsers, []byte(u.ID), data, true); err != nil {
		return nil, apperrors.Fail(apperrors.StatusServiceUnavailable)
	}
	return u, nil
}

// GetUser looks up a user by id.
func (s *Store) GetUser(userID string) (*types.User, error) {
	data, err := s.store.Get(partitionUsers, []byte(userID))
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, apperrors.Fail(apperrors.StatusNotFound)
		}
		return nil, apperrors.Fail(apperrors.StatusServiceUnavailable)
	}
	var u types.User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, apperrors.Fail(apperrors.StatusInternal)
	}
	return &u, nil
}

// GetUserByUsername resolves a user within an application by username.
func (s *Store) GetUserByUsername(appID, username string) (*types.User, error) {
	idBytes, err := s.store.Get(partitionUsersByName, usernameKey(appID, username))
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, apperrors.Fail(apperrors.StatusNotFound)
		}
		return nil, apperrors.Fail(apperrors.StatusServiceUnavailable)
	}
	return s.GetUser(string(idBytes))
}

// UpdateUser persists changes to an existing user (UpdateUser action:
// username, email, profile, or password-rotation fields).
func (s *Store) UpdateUser(u *types.User) error {
	u.UpdatedAt = time.Now()
	data, err := json.Marshal(u)
	if err != nil {
		return apperrors.Fail(apperrors.StatusInternal)
	}
	if err := s.store.Put(partitionUsers, []byte(u.ID), data, false); err != nil {
		return apperrors.Fail(apperrors.StatusServiceUnavailable)
	}
	return nil
}

// TombstoneUser soft-deletes a user by setting TombstonedAt: the record
// and its databases stay in place, and GetUser/GetUserByUsername still
// return it. pkg/connection's DeleteUser handler calls this immediately;
// its connection-close hook calls HardDeleteUser once every connection
// belonging to the user has closed.
func (s *Store) TombstoneUser(userID string) error {
	u, err := s.GetUser(userID)
	if err != nil {
		return err
	}
	now := time.Now()
	u.TombstonedAt = &now
	return s.UpdateUser(u)
}

// HardDeleteUser removes a user record, its username index entry, and
// every database it owns. Call only after TombstoneUser, once the user's
// connections have all closed.
func (s *Store) HardDeleteUser(userID string) error {
	u, err := s.GetUser(userID)
	if err != nil {
		return err
	}
	if err := s.DeleteUserDatabases(userID); err != nil {
		return err
	}
	_ = s.store.Delete(partitionUsersByName, usernameKey(u.AppID, u.Username))
	return s.store.Delete(partitionUsers, []byte(userID))
}

// CreateSession issues a new session for userID.
func (s *Store) CreateSession(userID, appID string, rem types.RemClass) (*types.Session, error) {
	sess := &types.Session{
		ID:         uuid.NewString(),
		UserID:     userID,
		AppID:      appID,
		RememberMe: rem,
		CreatedAt:  time.Now(),
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, apperrors.Fail(apperrors.StatusInternal)
	}
	if err := s.store.Put(partitionSessions, []byte(sess.ID), data, true); err != nil {
		return nil, apperrors.Fail(apperrors.StatusServiceUnavailable)
	}
	return sess, nil
}

// GetSession looks up a session by id.
func (s *Store) GetSession(sessionID string) (*types.Session, error) {
	data, err := s.store.Get(partitionSessions, []byte(sessionID))
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, apperrors.Fail(apperrors.StatusUnauthorized)
		}
		return nil, apperrors.Fail(apperrors.StatusServiceUnavailable)
	}
	var sess types.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, apperrors.Fail(apperrors.StatusInternal)
	}
	return &sess, nil
}

// InvalidateSession marks a session invalid; it remains on record for
// audit but Valid() now returns false.
func (s *Store) InvalidateSession(sessionID string) error {
	sess, err := s.GetSession(sessionID)
	if err != nil {
		return err
	}
	now := time.Now()
	sess.InvalidatedAt = &now
	data, err := json.Marshal(sess)
	if err != nil {
		return apperrors.Fail(apperrors.StatusInternal)
	}
	return s.store.Put(partitionSessions, []byte(sess.ID), data, false)
}

// InvalidateOtherSessions invalidates every live session for userID except
// keepSessionID, used when UpdateUser/DeleteUser must revoke any other
// signed-in session (wired to the SessionRevoked push in pkg/connection).
func (s *Store) InvalidateOtherSessions(userID, keepSessionID string) ([]string, error) {
	items, err := s.store.Range(partitionSessions, nil, nil)
	if err != nil {
		return nil, apperrors.Fail(apperrors.StatusServiceUnavailable)
	}
	var revoked []string
	for _, item := range items {
		var sess types.Session
		if err := json.Unmarshal(item.Value, &sess); err != nil {
			continue
		}
		if sess.UserID != userID || sess.ID == keepSessionID || !sess.Valid() {
			continue
		}
		now := time.Now()
		sess.InvalidatedAt = &now
		data, err := json.Marshal(sess)
		if err != nil {
			continue
		}
		if err := s.store.Put(partitionSessions, []byte(sess.ID), data, false); err == nil {
			revoked = append(revoked, sess.ID)
		}
	}
	return revoked, nil
}

// GetOrCreateDatabase resolves the database a client names via an opaque
// nameHash, creating it (lazily, per spec's data model glossary) on first
// reference.
func (s *Store) GetOrCreateDatabase(ownerUserID string, nameHash, newDatabaseParams []byte) (*types.Database, error) {
	key := dbOwnerKey(ownerUserID, nameHash)
	if idBytes, err := s.store.Get(partitionDBByOwner, key); err == nil {
		return s.GetDatabase(string(idBytes))
	} else if err != storage.ErrNotFound {
		return nil, apperrors.Fail(apperrors.StatusServiceUnavailable)
	}

	db := &types.Database{
		ID:                uuid.NewString(),
		OwnerUserID:       ownerUserID,
		NameHash:          nameHash,
		NewDatabaseParams: newDatabaseParams,
		CreatedAt:         time.Now(),
	}
	if err := s.store.Put(partitionDBByOwner, key, []byte(db.ID), true); err != nil {
		if err == storage.ErrConflict {
			// Lost a creation race; the winner's database is authoritative.
			idBytes, getErr := s.store.Get(partitionDBByOwner, key)
			if getErr != nil {
				return nil, apperrors.Fail(apperrors.StatusServiceUnavailable)
			}
			return s.GetDatabase(string(idBytes))
		}
		return nil, apperrors.Fail(apperrors.StatusServiceUnavailable)
	}

	data, err := json.Marshal(db)
	if err != nil {
		return nil, apperrors.Fail(apperrors.StatusInternal)
	}
	if err := s.store.Put(partitionDatabases, []byte(db.ID), data, true); err != nil {
		return nil, apperrors.Fail(apperrors.StatusServiceUnavailable)
	}
	return db, nil
}

// GetDatabase looks up a database by id.
func (s *Store) GetDatabase(dbID string) (*types.Database, error) {
	data, err := s.store.Get(partitionDatabases, []byte(dbID))
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, apperrors.Fail(apperrors.StatusNotFound)
		}
		return nil, apperrors.Fail(apperrors.StatusServiceUnavailable)
	}
	var db types.Database
	if err := json.Unmarshal(data, &db); err != nil {
		return nil, apperrors.Fail(apperrors.StatusInternal)
	}
	return &db, nil
}

// SaveDatabaseBundleMeta persists a database's bundle pointer after
// pkg/txlog accepts a new bundle, keeping the logical record in sync with
// the log engine's own bundle storage.
func (s *Store) SaveDatabaseBundleMeta(dbID string, bundleSeqNo uint64, bundleBlob []byte) error {
	db, err := s.GetDatabase(dbID)
	if err != nil {
		return err
	}
	db.BundleSeqNo = bundleSeqNo
	db.BundleBlob = bundleBlob
	data, err := json.Marshal(db)
	if err != nil {
		return apperrors.Fail(apperrors.StatusInternal)
	}
	return s.store.Put(partitionDatabases, []byte(db.ID), data, false)
}

// ListUserDatabases returns every database owned by ownerUserID.
func (s *Store) ListUserDatabases(ownerUserID string) ([]*types.Database, error) {
	items, err := s.store.Range(partitionDBByOwner, []byte(ownerUserID+"\x00"), []byte(ownerUserID+"\x01"))
	if err != nil {
		return nil, apperrors.Fail(apperrors.StatusServiceUnavailable)
	}
	out := make([]*types.Database, 0, len(items))
	for _, item := range items {
		db, err := s.GetDatabase(string(item.Value))
		if err != nil {
			continue
		}
		out = append(out, db)
	}
	return out, nil
}

// DeleteUserDatabases removes every database record ownerUserID owns and
// its owner index entry. The transaction log records and bundle stored in
// each database's own partition are not removed.
func (s *Store) DeleteUserDatabases(ownerUserID string) error {
	dbs, err := s.ListUserDatabases(ownerUserID)
	if err != nil {
		return err
	}
	for _, db := range dbs {
		_ = s.store.Delete(partitionDBByOwner, dbOwnerKey(ownerUserID, db.NameHash))
		_ = s.store.Delete(partitionDatabases, []byte(db.ID))
	}
	return nil
}
