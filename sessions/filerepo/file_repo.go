package filerepo

import (
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	errs "github.com/jrsteele09/go-edu-client/internal/errors"
	"github.com/jrsteele09/go-edu-client/sessions"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const (
	saltLength = 16
	keyLength  = chacha20poly1305.KeySize

	// scrypt cost parameters (N, r, p)
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

var _ sessions.Repo = (*FileRepo)(nil)

// envelope is the on-disk form of an encrypted token file.
type envelope struct {
	Salt  []byte `json:"salt"`
	Nonce []byte `json:"nonce"`
	Data  []byte `json:"data"`
}

// FileRepo persists session entries as a JSON object in a single file. Each
// entry is independent: updating one key rewrites only that key's value.
// With a passphrase the file is sealed with XChaCha20-Poly1305 under a key
// derived by scrypt.
type FileRepo struct {
	path       string
	passphrase []byte
	lock       sync.Mutex

	salt []byte
	key  []byte
}

type Option func(*FileRepo)

// WithPassphrase enables at-rest encryption of the token file.
func WithPassphrase(passphrase string) Option {
	return func(f *FileRepo) {
		if passphrase != "" {
			f.passphrase = []byte(passphrase)
		}
	}
}

func New(path string, options ...Option) *FileRepo {
	f := &FileRepo{path: path}
	for _, opt := range options {
		opt(f)
	}
	return f
}

func (f *FileRepo) Get(key sessions.Key) (string, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	values, err := f.load()
	if err != nil {
		return "", err
	}
	v, ok := values[key]
	if !ok {
		return "", sessions.ErrNotFound
	}
	return v, nil
}

func (f *FileRepo) Upsert(key sessions.Key, value string) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	values, err := f.loadForWrite()
	if err != nil {
		return err
	}
	values[key] = value
	return f.save(values)
}

func (f *FileRepo) Delete(key sessions.Key) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	values, err := f.loadForWrite()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return f.save(values)
}

// loadForWrite is load, except a corrupt file is replaced rather than blocking writes.
func (f *FileRepo) loadForWrite() (map[sessions.Key]string, error) {
	values, err := f.load()
	if errors.Is(err, errs.ErrCorruptStore) {
		log.Warn().Err(err).Str("path", f.path).Msg("Discarding unreadable token file")
		return make(map[sessions.Key]string), nil
	}
	return values, err
}

func (f *FileRepo) load() (map[sessions.Key]string, error) {
	values := make(map[sessions.Key]string)

	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return values, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "[FileRepo load] read token file")
	}
	if len(raw) == 0 {
		return values, nil
	}

	if f.passphrase != nil {
		raw, err = f.open(raw)
		if err != nil {
			return nil, errs.Wrapf(errs.ErrCorruptStore, "[FileRepo load] %v", err)
		}
	}

	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, errs.Wrapf(errs.ErrCorruptStore, "[FileRepo load] %v", err)
	}
	return values, nil
}

func (f *FileRepo) save(values map[sessions.Key]string) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return errors.Wrap(err, "[FileRepo save] marshal")
	}

	if f.passphrase != nil {
		data, err = f.seal(data)
		if err != nil {
			return err
		}
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "[FileRepo save] create directory")
	}

	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return errors.Wrap(err, "[FileRepo save] create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "[FileRepo save] write temp file")
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return errors.Wrap(err, "[FileRepo save] chmod temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "[FileRepo save] close temp file")
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return errors.Wrap(err, "[FileRepo save] rename temp file")
	}
	return nil
}

// deriveKey returns the key for salt, reusing the cached key when the salt is unchanged.
func (f *FileRepo) deriveKey(salt []byte) ([]byte, error) {
	if f.key != nil && string(f.salt) == string(salt) {
		return f.key, nil
	}
	key, err := scrypt.Key(f.passphrase, salt, scryptN, scryptR, scryptP, keyLength)
	if err != nil {
		return nil, errors.Wrap(err, "[FileRepo] derive key")
	}
	f.salt, f.key = salt, key
	return key, nil
}

func (f *FileRepo) open(raw []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if len(env.Salt) != saltLength || len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, errors.New("malformed envelope")
	}
	key, err := f.deriveKey(env.Salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, env.Nonce, env.Data, nil)
}

func (f *FileRepo) seal(plain []byte) ([]byte, error) {
	salt := f.salt
	if salt == nil {
		salt = make([]byte, saltLength)
		if _, err := rand.Read(salt); err != nil {
			return nil, errors.Wrap(err, "[FileRepo seal] generate salt")
		}
	}
	key, err := f.deriveKey(salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "[FileRepo seal] cipher")
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "[FileRepo seal] generate nonce")
	}
	return json.Marshal(envelope{
		Salt:  salt,
		Nonce: nonce,
		Data:  aead.Seal(nil, nonce, plain, nil),
	})
}
