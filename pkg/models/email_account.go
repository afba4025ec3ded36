package models

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// MailAccountConfig represents a user's mail-retrieval settings as stored by the application
type MailAccountConfig struct {
	UserID    string    `db:"user_id"`
	Host      string    `db:"host"`
	Port      int       `db:"port"`
	Username  string    `db:"username"`
	Password  string    `db:"password"` // Encrypted when ENCRYPTION_KEY is set
	UseTLS    bool      `db:"use_tls"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"` // Bumped whenever credentials change
}

// Eligible reports whether every credential field is present and the port is usable
func (c *MailAccountConfig) Eligible() bool {
	if c == nil {
		return false
	}
	return strings.TrimSpace(c.UserID) != "" &&
		strings.TrimSpace(c.Host) != "" &&
		strings.TrimSpace(c.Username) != "" &&
		c.Password != "" &&
		c.Port > 0 && c.Port <= 65535
}

// Address returns host:port suitable for dialing
func (c *MailAccountConfig) Address() string {
	return net.JoinHostPort(strings.TrimSpace(c.Host), strconv.Itoa(c.Port))
}
