package courier

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/meow-io/go-courier/config"
	"golang.org/x/crypto/argon2"
)

const saltSize = 16

// NewKey derives a database key from password using a salt kept next to the database under
// the configured root. The salt is created on first use.
func NewKey(c *config.Config, password string) ([]byte, error) {
	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	return newKey(password, c.RootDir, "salt")
}

func newKey(password, root, saltName string) ([]byte, error) {
	saltPath := filepath.Join(root, saltName)
	salt, err := os.ReadFile(saltPath) // #nosec G304
	switch {
	case errors.Is(err, os.ErrNotExist):
		salt = make([]byte, saltSize)
		if _, err := crypto_rand.Read(salt); err != nil {
			return nil, err
		}
		if err := os.WriteFile(saltPath, salt, 0o400); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	case len(salt) != saltSize:
		return nil, fmt.Errorf("courier: expected %d bytes of salt in %s, got %d", saltSize, saltPath, len(salt))
	}
	return argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32), nil
}
