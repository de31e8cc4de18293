package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/go-ini/ini"
	"github.com/go-sql-driver/mysql"
)

// credentials are read from the [client] section of a my.cnf style file.
// Unset values leave the DSN untouched.
type credentials struct {
	host, user string
	password   *string
	port       int
}

func loadCredentials(path string) (*credentials, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials file %s: %w", path, err)
	}
	creds := &credentials{}
	if !file.HasSection("client") {
		return creds, nil
	}
	client := file.Section("client")
	creds.host = client.Key("host").String()
	creds.user = client.Key("user").String()
	if client.HasKey("password") {
		password := client.Key("password").String()
		creds.password = &password
	}
	if client.HasKey("port") {
		port, err := client.Key("port").Int()
		if err != nil {
			return nil, fmt.Errorf("invalid port in credentials file %s: %w", path, err)
		}
		creds.port = port
	}
	return creds, nil
}

func (c *credentials) apply(driver, dsn string) (string, error) {
	switch driver {
	case DriverMySQL:
		return c.applyMySQL(dsn)
	case DriverPostgres:
		return c.applyPostgres(dsn)
	default:
		return "", fmt.Errorf("unsupported driver %q", driver)
	}
}

func (c *credentials) applyMySQL(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	if c.user != "" {
		cfg.User = c.user
	}
	if c.password != nil {
		cfg.Passwd = *c.password
	}
	cfg.Addr = c.addr(cfg.Addr, "3306")
	return cfg.FormatDSN(), nil
}

func (c *credentials) applyPostgres(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("credentials files require a postgres:// URL dsn, got %q", u.Scheme)
	}
	user := u.User.Username()
	password, hasPassword := u.User.Password()
	if c.user != "" {
		user = c.user
	}
	if c.password != nil {
		password, hasPassword = *c.password, true
	}
	if hasPassword {
		u.User = url.UserPassword(user, password)
	} else if user != "" {
		u.User = url.User(user)
	}
	u.Host = c.addr(u.Host, "5432")
	return u.String(), nil
}

// addr merges host and port overrides into an existing host:port.
func (c *credentials) addr(current, defaultPort string) string {
	host, port, err := net.SplitHostPort(current)
	if err != nil {
		host, port = current, defaultPort
	}
	if c.host != "" {
		host = c.host
	}
	if c.port != 0 {
		port = strconv.Itoa(c.port)
	}
	if host == "" {
		return current
	}
	return net.JoinHostPort(host, port)
}
