// Package store implements the durable credential store: a single JSON
// document mapping username to account record, rewritten atomically (temp
// file + rename) on every mutation. All operations serialize through one
// mutex; there is deliberately no finer-grained locking since every mutation
// is a full read-modify-write of the backing file.
package store

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// SchemaVersion is the current on-disk schema version. Version 0 (a bare
// username→record map with sha256 password hashes, as written by early
// deployments) is migrated transparently on open.
const SchemaVersion = 1

var (
	// ErrInvalidInput indicates a missing username or password.
	ErrInvalidInput = errors.New("username and password required")
	// ErrUserExists indicates the username is already registered.
	ErrUserExists = errors.New("user already exists")
	// ErrNoSuchUser indicates the username is not registered.
	ErrNoSuchUser = errors.New("user does not exist")
	// ErrBadPassword indicates a password mismatch on login.
	ErrBadPassword = errors.New("incorrect password")
	// ErrInvalidCode indicates a recovery code not in the account's set.
	ErrInvalidCode = errors.New("invalid recovery code")
	// ErrNoSuchTarget indicates the contact target is not registered.
	ErrNoSuchTarget = errors.New("target user does not exist")
	// ErrContactExists indicates the target is already a contact.
	ErrContactExists = errors.New("already in contacts")
	// ErrNoSuchContact indicates the target is not in the contact list.
	ErrNoSuchContact = errors.New("contact not found")
)

// Account is one stored user record. Contacts is a directed relation: the
// owner lists the target, with no mutual-acceptance handshake.
type Account struct {
	UUID          string          `json:"uuid"`
	PasswordHash  string          `json:"password_hash"`
	RecoveryCodes []string        `json:"recovery_codes"`
	Contacts      map[string]bool `json:"contacts"`
}

type storeFile struct {
	SchemaVersion int                 `json:"schema_version"`
	Users         map[string]*Account `json:"users"`
}

// legacyAccount is the schema-version-0 record shape.
type legacyAccount struct {
	UUID          string          `json:"uuid"`
	Password      string          `json:"password"`
	RecoveryCodes []string        `json:"recovery_codes"`
	Contacts      map[string]bool `json:"contacts"`
}

// Store is the credential store. Safe for concurrent use.
type Store struct {
	path string
	mu   sync.Mutex
}

// Open creates a store backed by the file at path. The file does not need to
// exist yet; a legacy (version 0) file is migrated and written back in the
// current schema.
func Open(path string) (*Store, error) {
	s := &Store{path: path}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, migrated, err := s.load()
	if err != nil {
		return nil, err
	}
	if migrated {
		if err := s.save(f); err != nil {
			return nil, fmt.Errorf("failed to write migrated user store: %w", err)
		}
	}
	return s, nil
}

// Register creates a new account and returns its freshly generated recovery
// codes. The codes are returned exactly once; only their membership is kept.
func (s *Store) Register(username, password string) ([]string, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, _, err := s.load()
	if err != nil {
		return nil, err
	}
	if _, ok := f.Users[username]; ok {
		return nil, ErrUserExists
	}

	hash, err := hashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	codes, err := GenerateRecoveryCodes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate recovery codes: %w", err)
	}

	f.Users[username] = &Account{
		UUID:          uuid.NewString(),
		PasswordHash:  hash,
		RecoveryCodes: codes,
		Contacts:      make(map[string]bool),
	}

	if err := s.save(f); err != nil {
		return nil, err
	}
	return codes, nil
}

// Login verifies the password for an existing account. It never mutates
// state: there is no rate limiting or lockout (matching the system this
// replaces; a known hardening opportunity).
func (s *Store) Login(username, password string) error {
	username = strings.TrimSpace(username)

	s.mu.Lock()
	defer s.mu.Unlock()

	f, _, err := s.load()
	if err != nil {
		return err
	}
	acct, ok := f.Users[username]
	if !ok {
		return ErrNoSuchUser
	}
	if !verifyPassword(acct.PasswordHash, password) {
		return ErrBadPassword
	}
	return nil
}

// ResetPassword replaces the account password, authorized by a recovery
// code. Codes are one-shot: a successfully used code is removed from the
// account's set and cannot authorize a second reset.
func (s *Store) ResetPassword(username, code, newPassword string) error {
	username = strings.TrimSpace(username)
	code = strings.TrimSpace(code)

	s.mu.Lock()
	defer s.mu.Unlock()

	f, _, err := s.load()
	if err != nil {
		return err
	}
	acct, ok := f.Users[username]
	if !ok {
		return ErrNoSuchUser
	}
	idx := codeIndex(acct.RecoveryCodes, code)
	if idx < 0 {
		return ErrInvalidCode
	}
	if newPassword == "" {
		return ErrInvalidInput
	}

	hash, err := hashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	acct.PasswordHash = hash
	acct.RecoveryCodes = append(acct.RecoveryCodes[:idx], acct.RecoveryCodes[idx+1:]...)

	return s.save(f)
}

// DeleteAccount removes the account entirely, authorized by a recovery code.
// Other accounts' contact lists are not cascaded; a stale reference simply
// resolves to offline at query time.
func (s *Store) DeleteAccount(username, code string) error {
	username = strings.TrimSpace(username)
	code = strings.TrimSpace(code)

	s.mu.Lock()
	defer s.mu.Unlock()

	f, _, err := s.load()
	if err != nil {
		return err
	}
	acct, ok := f.Users[username]
	if !ok {
		return ErrNoSuchUser
	}
	if codeIndex(acct.RecoveryCodes, code) < 0 {
		return ErrInvalidCode
	}

	delete(f.Users, username)
	return s.save(f)
}

// AddContact adds target to owner's contact list. Self-contact is rejected
// by the caller before any resolution, not here.
func (s *Store) AddContact(owner, target string) error {
	owner = strings.TrimSpace(owner)
	target = strings.TrimSpace(target)

	s.mu.Lock()
	defer s.mu.Unlock()

	f, _, err := s.load()
	if err != nil {
		return err
	}
	acct, ok := f.Users[owner]
	if !ok {
		return ErrNoSuchUser
	}
	if _, ok := f.Users[target]; !ok {
		return ErrNoSuchTarget
	}
	if acct.Contacts == nil {
		acct.Contacts = make(map[string]bool)
	}
	if acct.Contacts[target] {
		return ErrContactExists
	}

	acct.Contacts[target] = true
	return s.save(f)
}

// RemoveContact removes target from owner's contact list.
func (s *Store) RemoveContact(owner, target string) error {
	owner = strings.TrimSpace(owner)
	target = strings.TrimSpace(target)

	s.mu.Lock()
	defer s.mu.Unlock()

	f, _, err := s.load()
	if err != nil {
		return err
	}
	acct, ok := f.Users[owner]
	if !ok {
		return ErrNoSuchUser
	}
	if !acct.Contacts[target] {
		return ErrNoSuchContact
	}

	delete(acct.Contacts, target)
	return s.save(f)
}

// ListContacts returns owner's contacts in lexicographic order.
func (s *Store) ListContacts(owner string) ([]string, error) {
	owner = strings.TrimSpace(owner)

	s.mu.Lock()
	defer s.mu.Unlock()

	f, _, err := s.load()
	if err != nil {
		return nil, err
	}
	acct, ok := f.Users[owner]
	if !ok {
		return nil, ErrNoSuchUser
	}

	contacts := make([]string, 0, len(acct.Contacts))
	for name := range acct.Contacts {
		contacts = append(contacts, name)
	}
	sort.Strings(contacts)
	return contacts, nil
}

// Usernames returns all registered usernames in lexicographic order.
func (s *Store) Usernames() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, _, err := s.load()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(f.Users))
	for name := range f.Users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Count returns the number of registered accounts.
func (s *Store) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, _, err := s.load()
	if err != nil {
		return 0, err
	}
	return len(f.Users), nil
}

// load reads and parses the backing file. The second return value reports
// whether a legacy file was migrated in memory and needs writing back.
// Callers must hold s.mu.
func (s *Store) load() (*storeFile, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &storeFile{SchemaVersion: SchemaVersion, Users: make(map[string]*Account)}, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read user store: %w", err)
	}
	if len(data) == 0 {
		return &storeFile{SchemaVersion: SchemaVersion, Users: make(map[string]*Account)}, false, nil
	}

	var f storeFile
	if err := json.Unmarshal(data, &f); err == nil && f.SchemaVersion >= 1 && f.Users != nil {
		return &f, false, nil
	}

	// Version 0: a bare username → record map
	var legacy map[string]*legacyAccount
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, false, fmt.Errorf("corrupt user store %s: %w", s.path, err)
	}

	migrated := &storeFile{
		SchemaVersion: SchemaVersion,
		Users:         make(map[string]*Account, len(legacy)),
	}
	for name, old := range legacy {
		contacts := old.Contacts
		if contacts == nil {
			contacts = make(map[string]bool)
		}
		migrated.Users[name] = &Account{
			UUID:          old.UUID,
			PasswordHash:  old.Password,
			RecoveryCodes: old.RecoveryCodes,
			Contacts:      contacts,
		}
	}
	return migrated, true, nil
}

// save atomically replaces the backing file: write to a temp file in the
// same directory, then rename over the original. A crash mid-write leaves
// the previous version intact.
// Callers must hold s.mu.
func (s *Store) save(f *storeFile) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode user store: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".users-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write user store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write user store: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to set user store permissions: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace user store: %w", err)
	}
	return nil
}

func codeIndex(codes []string, code string) int {
	if code == "" {
		return -1
	}
	for i, c := range codes {
		if c == code {
			return i
		}
	}
	return -1
}

// bcryptCost is a variable so tests can drop to bcrypt.MinCost.
var bcryptCost = bcrypt.DefaultCost

// hashPassword hashes with bcrypt. Earlier deployments stored unsalted
// sha256 hex digests; verifyPassword still accepts those so migrated
// accounts keep working, but every new hash written is bcrypt.
func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func verifyPassword(hash, password string) bool {
	if strings.HasPrefix(hash, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
	}
	sum := sha256.Sum256([]byte(password))
	digest := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(hash), []byte(digest)) == 1
}
