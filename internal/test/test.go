package test

import (
	crypto_rand "crypto/rand"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/internal/db"
)

var Key = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}

func newID() [8]byte {
	var id [8]byte
	if _, err := io.ReadFull(crypto_rand.Reader, id[:]); err != nil {
		panic("short read from random source")
	}
	return id
}

func DeleteAll(glob string) {
	files, err := filepath.Glob(glob)
	if err != nil {
		panic(err)
	}
	for _, f := range files {
		fileInfo, err := os.Stat(f)
		if err != nil {
			panic(err)
		}

		if fileInfo.IsDir() {
			DeleteAll(path.Join(f, "*"))
		} else if err := os.Remove(f); err != nil {
			panic(err)
		}
	}
}

// DBCleanup wraps m.Run in TestMain and removes any test databases afterwards.
func DBCleanup(run func() int) int {
	c := run()
	DeleteAll("*-journal")
	DeleteAll("*-wal")
	DeleteAll("*-shm")
	DeleteAll("test-*")
	return c
}

func NewTestConfig() *config.Config {
	return config.NewConfig(config.WithoutLogFile(), config.WithLoggingPrefix("test"))
}

func NewTestDatabase(c *config.Config) *db.Database {
	id := newID()
	d, err := db.NewDatabase(c, fmt.Sprintf("test-%x", id[:]))
	if err != nil {
		panic(err)
	}
	if err := d.Initialize(Key); err != nil {
		panic(err)
	}
	if err := d.Open(Key); err != nil {
		panic(err)
	}
	return d
}
