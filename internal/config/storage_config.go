package config

type StorageConfig interface {
	GetTokenFile() string
	GetTokenPassphrase() string
}

type Storage struct{}

var _ StorageConfig = Storage{}

func (Storage) GetTokenFile() string {
	return GetEnv("TOKEN_FILE", ".edu-session.json")
}

// GetTokenPassphrase returns the passphrase used to encrypt the token file.
// Empty means tokens are stored in plain JSON.
func (Storage) GetTokenPassphrase() string {
	return GetEnv("TOKEN_PASSPHRASE", "")
}
