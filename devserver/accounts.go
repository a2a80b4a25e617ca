package devserver

import (
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/jrsteele09/go-edu-client/users"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrAccountExists   = errors.New("account already exists")
	ErrAccountNotFound = errors.New("account not found")
)

type account struct {
	user         users.User
	passwordHash string
}

// accountRepo is an in-memory account store keyed by lower-cased email.
type accountRepo struct {
	accounts map[string]*account
	byID     map[users.ID]*account
	nextID   int
	lock     sync.RWMutex
}

func newAccountRepo() *accountRepo {
	return &accountRepo{
		accounts: make(map[string]*account),
		byID:     make(map[users.ID]*account),
		nextID:   1,
	}
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	return string(bytes), err
}

func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

func (ar *accountRepo) create(u users.User, password string) (*users.User, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	ar.lock.Lock()
	defer ar.lock.Unlock()

	key := strings.ToLower(u.Email)
	if _, ok := ar.accounts[key]; ok {
		return nil, ErrAccountExists
	}
	u.ID = users.ID(strconv.Itoa(ar.nextID))
	ar.nextID++
	if u.Role == "" {
		u.Role = users.RoleStudent
	}
	a := &account{user: u, passwordHash: hash}
	ar.accounts[key] = a
	ar.byID[u.ID] = a
	return &a.user, nil
}

// authenticate accepts either the email or the username as identifier.
func (ar *accountRepo) authenticate(identifier, password string) (*users.User, bool) {
	ar.lock.RLock()
	defer ar.lock.RUnlock()

	a, ok := ar.accounts[strings.ToLower(identifier)]
	if !ok {
		for _, candidate := range ar.accounts {
			if candidate.user.Username != "" && candidate.user.Username == identifier {
				a, ok = candidate, true
				break
			}
		}
	}
	if !ok || !CheckPasswordHash(password, a.passwordHash) {
		return nil, false
	}
	u := a.user
	return &u, true
}

func (ar *accountRepo) get(id users.ID) (*users.User, error) {
	ar.lock.RLock()
	defer ar.lock.RUnlock()
	a, ok := ar.byID[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	u := a.user
	return &u, nil
}
