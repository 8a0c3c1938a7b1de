package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MegaGrindStone/cognitutor/internal/models"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/bcrypt"
)

// BoltDB keeps the learner accounts of the local sign-in simulation in a BoltDB file. Accounts are keyed by
// normalized email and stored as JSON with a bcrypt password hash.
type BoltDB struct {
	db *bolt.DB
}

// Account errors, shared with the handlers through the models package.
var (
	ErrAccountExists      = models.ErrAccountExists
	ErrAccountNotFound    = models.ErrAccountNotFound
	ErrInvalidCredentials = models.ErrInvalidCredentials
)

var accountsBucket = []byte("accounts")

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(accountsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create buckets: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func accountKey(email string) []byte {
	return []byte(strings.ToLower(strings.TrimSpace(email)))
}

// AddAccount registers a learner. The password is stored as a bcrypt hash.
func (b BoltDB) AddAccount(_ context.Context, name, email, password string) (models.Account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.Account{}, fmt.Errorf("failed to hash password: %w", err)
	}
	acc := models.Account{
		Email:        string(accountKey(email)),
		Name:         strings.TrimSpace(name),
		PasswordHash: hash,
	}

	err = b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(accountsBucket)
		if bk.Get(accountKey(email)) != nil {
			return ErrAccountExists
		}
		return putAccount(bk, acc)
	})
	if err != nil {
		return models.Account{}, err
	}
	return acc, nil
}

// Account returns the account registered with email.
func (b BoltDB) Account(_ context.Context, email string) (models.Account, error) {
	var acc models.Account
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		acc, err = getAccount(tx.Bucket(accountsBucket), email)
		return err
	})
	return acc, err
}

// Authenticate checks the password of an account and returns it.
func (b BoltDB) Authenticate(ctx context.Context, email, password string) (models.Account, error) {
	acc, err := b.Account(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return models.Account{}, ErrInvalidCredentials
		}
		return models.Account{}, err
	}
	if err := bcrypt.CompareHashAndPassword(acc.PasswordHash, []byte(password)); err != nil {
		return models.Account{}, ErrInvalidCredentials
	}
	return acc, nil
}

// ResetPassword replaces the password of an existing account and returns the updated account.
func (b BoltDB) ResetPassword(_ context.Context, email, password string) (models.Account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.Account{}, fmt.Errorf("failed to hash password: %w", err)
	}

	var acc models.Account
	err = b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(accountsBucket)
		var err error
		acc, err = getAccount(bk, email)
		if err != nil {
			return err
		}
		acc.PasswordHash = hash
		return putAccount(bk, acc)
	})
	return acc, err
}

// SetDarkMode stores the theme preference of an account. Unknown accounts are silently ignored.
func (b BoltDB) SetDarkMode(_ context.Context, email string, dark bool) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(accountsBucket)
		acc, err := getAccount(bk, email)
		if errors.Is(err, ErrAccountNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		acc.DarkMode = dark
		return putAccount(bk, acc)
	})
}

func getAccount(bk *bolt.Bucket, email string) (models.Account, error) {
	v := bk.Get(accountKey(email))
	if v == nil {
		return models.Account{}, ErrAccountNotFound
	}
	var acc models.Account
	if err := json.Unmarshal(v, &acc); err != nil {
		return models.Account{}, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	return acc, nil
}

func putAccount(bk *bolt.Bucket, acc models.Account) error {
	v, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	return bk.Put(accountKey(acc.Email), v)
}
