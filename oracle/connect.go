package oracle

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"

	_ "github.com/sijms/go-ora/v2"
)

// Config tells the reader how to connect to the source database.
type Config struct {
	Host        string
	Port        int
	ServiceName string
	User        string
	Password    string
}

// ToURI converts the Config to a DSN string for the go-ora driver.
func (c *Config) ToURI() string {
	var host = c.Host
	if c.Port != 0 {
		host = fmt.Sprintf("%s:%d", c.Host, c.Port)
	}
	var uri = url.URL{
		Scheme: "oracle",
		Host:   host,
		User:   url.UserPassword(c.User, c.Password),
	}
	if c.ServiceName != "" {
		uri.Path = "/" + c.ServiceName
	}
	return uri.String()
}

// Connect opens a connection to the source database and verifies it with a
// ping plus a no-op query.
func Connect(ctx context.Context, cfg *Config, opts Options) (*Reader, error) {
	log.WithFields(log.Fields{
		"host":    cfg.Host,
		"user":    cfg.User,
		"service": cfg.ServiceName,
	}).Info("connecting to database")

	var db, err = sqlx.Open("oracle", cfg.ToURI())
	if err != nil {
		return nil, fmt.Errorf("error opening database connection: %w", err)
	} else if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error pinging database: %w", err)
	} else if _, err := db.ExecContext(ctx, "SELECT 1 FROM dual"); err != nil {
		db.Close()
		return nil, fmt.Errorf("error executing no-op query: %w", err)
	}
	return NewReader(db, opts), nil
}
