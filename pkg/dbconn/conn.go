package dbconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/block/shardmeta/pkg/utils"
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

const (
	customTLSConfigName   = "custom"
	requiredTLSConfigName = "required"
	verifyCATLSConfigName = "verify_ca"
	verifyIDTLSConfigName = "verify_identity"
	maxConnLifetime       = time.Minute * 3
)

// NewCustomTLSConfig creates a TLS config based on SSL mode and certificate data
func NewCustomTLSConfig(certData []byte, sslMode string) *tls.Config {
	caCertPool := x509.NewCertPool()
	caCertPool.AppendCertsFromPEM(certData)

	switch sslMode {
	case "DISABLED":
		return nil
	case "PREFERRED":
		// Encryption only - no certificate verification at all
		return &tls.Config{
			InsecureSkipVerify: true,
		}
	case "REQUIRED":
		return &tls.Config{
			RootCAs:            caCertPool,
			InsecureSkipVerify: true,
		}
	case "VERIFY_CA":
		// Verify certificate against CA, but allow hostname mismatches
		return &tls.Config{
			RootCAs:            caCertPool,
			InsecureSkipVerify: true, // Skip all default verification
			VerifyPeerCertificate: func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
				if len(rawCerts) == 0 {
					return errors.New("no certificates provided")
				}
				var certs []*x509.Certificate
				for _, rawCert := range rawCerts {
					cert, err := x509.ParseCertificate(rawCert)
					if err != nil {
						return fmt.Errorf("failed to parse certificate: %w", err)
					}
					certs = append(certs, cert)
				}
				intermediates := x509.NewCertPool()
				for _, cert := range certs[1:] {
					intermediates.AddCert(cert)
				}
				// Don't set DNSName to skip hostname verification
				opts := x509.VerifyOptions{
					Roots:         caCertPool,
					Intermediates: intermediates,
				}
				if _, err := certs[0].Verify(opts); err != nil {
					return fmt.Errorf("certificate verification failed: %w", err)
				}
				return nil
			},
		}
	case "VERIFY_IDENTITY":
		return &tls.Config{
			RootCAs:            caCertPool,
			InsecureSkipVerify: false,
		}
	default:
		return &tls.Config{
			InsecureSkipVerify: true,
		}
	}
}

// getTLSConfigName returns the appropriate TLS config name for the mode
func getTLSConfigName(mode string) string {
	switch mode {
	case "DISABLED":
		return ""
	case "PREFERRED":
		return customTLSConfigName
	case "REQUIRED":
		return requiredTLSConfigName
	case "VERIFY_CA":
		return verifyCATLSConfigName
	case "VERIFY_IDENTITY":
		return verifyIDTLSConfigName
	default:
		return customTLSConfigName
	}
}

// mysqlTLSParam returns the value of the tls= DSN parameter for the
// configured mode, registering a custom TLS config when a CA is given.
func mysqlTLSParam(config *DBConfig) (string, error) {
	mode := strings.ToUpper(config.TLSMode)
	if config.TLSCertificatePath == "" {
		switch mode {
		case "DISABLED":
			return "", nil
		case "", "PREFERRED":
			return "preferred", nil
		case "REQUIRED":
			return "skip-verify", nil
		case "VERIFY_IDENTITY":
			return "true", nil
		case "VERIFY_CA":
			return "", errors.New("TLS mode VERIFY_CA requires a CA certificate")
		default:
			return "preferred", nil
		}
	}
	if mode == "DISABLED" {
		return "", nil
	}
	certData, err := os.ReadFile(config.TLSCertificatePath)
	if err != nil {
		return "", err
	}
	name := getTLSConfigName(mode)
	err = mysql.RegisterTLSConfig(name, NewCustomTLSConfig(certData, mode))
	if err != nil && !strings.Contains(err.Error(), "already registered") {
		return "", err
	}
	return name, nil
}

// newMySQLDSN returns a new DSN to be used to connect to MySQL.
// It accepts a DSN as input and appends the session settings
// every metadata connection should use.
func newMySQLDSN(dsn string, config *DBConfig) (string, error) {
	if _, err := mysql.ParseDSN(dsn); err != nil {
		return "", err
	}
	var ops []string
	tlsParam, err := mysqlTLSParam(config)
	if err != nil {
		return "", err
	}
	if tlsParam != "" {
		ops = append(ops, fmt.Sprintf("%s=%s", "tls", url.QueryEscape(tlsParam)))
	}
	ops = append(ops, fmt.Sprintf("%s=%s", "lock_wait_timeout", url.QueryEscape(strconv.Itoa(config.LockWaitTimeout))))
	ops = append(ops, fmt.Sprintf("%s=%s", "transaction_isolation", url.QueryEscape(`"read-committed"`)))
	// Table names are text, not bytes.
	ops = append(ops, fmt.Sprintf("%s=%s", "charset", "utf8mb4"))
	ops = append(ops, fmt.Sprintf("%s=%s", "collation", "utf8mb4_bin"))
	ops = append(ops, fmt.Sprintf("%s=%t", "interpolateParams", config.InterpolateParams))
	ops = append(ops, fmt.Sprintf("%s=%s", "allowNativePasswords", "true"))

	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s%s", dsn, separator, strings.Join(ops, "&")), nil
}

// postgresSSLMode maps the MySQL style TLS modes onto libpq sslmode values.
// PREFERRED leaves the driver default in place.
func postgresSSLMode(mode string) string {
	switch strings.ToUpper(mode) {
	case "DISABLED":
		return "disable"
	case "REQUIRED":
		return "require"
	case "VERIFY_CA":
		return "verify-ca"
	case "VERIFY_IDENTITY":
		return "verify-full"
	default:
		return ""
	}
}

// newPostgresDSN applies the TLS settings to a postgres URL or key=value
// DSN, unless the DSN already chooses an sslmode.
func newPostgresDSN(dsn string, config *DBConfig) (string, error) {
	params := map[string]string{}
	if mode := postgresSSLMode(config.TLSMode); mode != "" {
		params["sslmode"] = mode
	}
	if config.TLSCertificatePath != "" && strings.ToUpper(config.TLSMode) != "DISABLED" {
		params["sslrootcert"] = config.TLSCertificatePath
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", err
		}
		q := u.Query()
		if q.Get("sslmode") == "" {
			for k, v := range params {
				q.Set(k, v)
			}
		}
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
	if strings.Contains(dsn, "sslmode=") {
		return dsn, nil
	}
	for _, k := range []string{"sslmode", "sslrootcert"} {
		if v, ok := params[k]; ok {
			dsn = strings.TrimSpace(dsn + " " + k + "=" + v)
		}
	}
	return dsn, nil
}

// parseCatalog extracts the database the DSN connects to, which
// is the catalog used to scope introspection queries.
func parseCatalog(dialect Dialect, dsn string) (string, error) {
	switch dialect {
	case DialectMySQL:
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", err
		}
		return cfg.DBName, nil
	case DialectPostgres:
		conninfo := dsn
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			var err error
			if conninfo, err = pq.ParseURL(dsn); err != nil {
				return "", err
			}
		}
		for _, field := range strings.Fields(conninfo) {
			if v, ok := strings.CutPrefix(field, "dbname="); ok {
				return strings.Trim(v, "'"), nil
			}
		}
		return "", nil
	default:
		return "", fmt.Errorf("unsupported dialect %q", dialect)
	}
}

// New is similar to sql.Open except we take the inputDSN and
// append additional options to it to standardize the connection.
// It will also ping the connection to ensure it is valid.
func New(ctx context.Context, dialect Dialect, inputDSN string, config *DBConfig) (*sql.DB, error) {
	var (
		dsn, driverName string
		err             error
	)
	switch dialect {
	case DialectMySQL:
		driverName = "mysql"
		dsn, err = newMySQLDSN(inputDSN, config)
	case DialectPostgres:
		driverName = "postgres"
		dsn, err = newPostgresDSN(inputDSN, config)
	default:
		err = fmt.Errorf("unsupported dialect %q", dialect)
	}
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		utils.ErrInErr(db.Close())
		return nil, err
	}
	db.SetMaxOpenConns(config.MaxConnectionsPerSource)
	db.SetMaxIdleConns(config.MaxConnectionsPerSource)
	db.SetConnMaxLifetime(maxConnLifetime)
	return db, nil
}
