package storage

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// ConnStringFromEnv assembles a postgres connection string from the
// environment: DATABASE_URL wins, otherwise the individual DB_* vars.
func ConnStringFromEnv() (string, error) {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url, nil
	}
	username := os.Getenv("DB_USERNAME")
	password := os.Getenv("DB_PASSWORD")
	host := os.Getenv("DB_HOST")
	port := os.Getenv("DB_PORT")
	name := os.Getenv("DB_NAME")
	if username == "" || password == "" || host == "" || port == "" || name == "" {
		return "", errors.New("DATABASE_URL or all of DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME must be set")
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		username, password, host, port, name), nil
}

func InitStore(dbConnStr string) (*PostgresStore, error) {
	if dbConnStr == "" {
		var err error
		dbConnStr, err = ConnStringFromEnv()
		if err != nil {
			return nil, err
		}
	}
	store, err := NewPostgresStore(dbConnStr)
	if err != nil {
		return nil, err
	}
	return store, nil
}
