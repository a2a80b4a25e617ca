package sessionrepofake

import (
	"sync"

	"github.com/jrsteele09/go-edu-client/sessions"
)

var _ sessions.Repo = (*FakeSessionRepo)(nil)

// FakeSessionRepo is an in-memory sessions.Repo. Failing can be set to make
// every operation return the given error, simulating blocked storage.
type FakeSessionRepo struct {
	values  map[sessions.Key]string
	lock    sync.RWMutex
	Failing error
}

func NewFakeSessionRepo() *FakeSessionRepo {
	return &FakeSessionRepo{
		values: make(map[sessions.Key]string),
	}
}

func (sr *FakeSessionRepo) Get(key sessions.Key) (string, error) {
	sr.lock.RLock()
	defer sr.lock.RUnlock()
	if sr.Failing != nil {
		return "", sr.Failing
	}
	v, ok := sr.values[key]
	if !ok {
		return "", sessions.ErrNotFound
	}
	return v, nil
}

func (sr *FakeSessionRepo) Upsert(key sessions.Key, value string) error {
	sr.lock.Lock()
	defer sr.lock.Unlock()
	if sr.Failing != nil {
		return sr.Failing
	}
	sr.values[key] = value
	return nil
}

func (sr *FakeSessionRepo) Delete(key sessions.Key) error {
	sr.lock.Lock()
	defer sr.lock.Unlock()
	if sr.Failing != nil {
		return sr.Failing
	}
	delete(sr.values, key)
	return nil
}

// Len reports how many keys are currently stored.
func (sr *FakeSessionRepo) Len() int {
	sr.lock.RLock()
	defer sr.lock.RUnlock()
	return len(sr.values)
}
