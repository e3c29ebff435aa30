package db

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/arwahdevops/dbcreds/internal/connstr"
	"github.com/arwahdevops/dbcreds/internal/logger"
)

// BuildDSN builds the driver DSN for target on the endpoint described by spec,
// authenticating as username/password.
func BuildDSN(spec *connstr.Spec, target, username, password string) (string, error) {
	sslmode := strings.ToLower(spec.SSLMode)

	switch spec.Dialect {
	case "mysql":
		cfg := mysqldriver.NewConfig()
		cfg.User = username
		cfg.Passwd = password
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(spec.Host, strconv.Itoa(spec.Port))
		cfg.DBName = target
		cfg.ParseTime = true
		cfg.Loc = time.Local
		cfg.Timeout = 10 * time.Second
		cfg.ReadTimeout = 60 * time.Second
		cfg.WriteTimeout = 60 * time.Second
		cfg.Params = map[string]string{"charset": "utf8mb4"}
		cfg.TLSConfig = mysqlTLS(sslmode)
		for k, v := range spec.Options {
			cfg.Params[k] = v
		}
		return cfg.FormatDSN(), nil
	case "postgres":
		pairs := []string{
			"host=" + quoteConnValue(spec.Host),
			"port=" + strconv.Itoa(spec.Port),
			"user=" + quoteConnValue(username),
			"password=" + quoteConnValue(password),
			"dbname=" + quoteConnValue(target),
			"sslmode=" + quoteConnValue(sslmode),
			"connect_timeout=10",
		}
		for k, v := range spec.Options {
			pairs = append(pairs, k+"="+quoteConnValue(v))
		}
		return strings.Join(pairs, " "), nil
	case "sqlite":
		// Credentials do not apply to sqlite files.
		return fmt.Sprintf("file:%s?cache=shared&_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000", target), nil
	default:
		return "", fmt.Errorf("cannot build DSN: unsupported dialect %q", spec.Dialect)
	}
}

// mysqlTLS maps a postgres-style sslmode onto the mysql driver's tls parameter.
func mysqlTLS(sslmode string) string {
	switch sslmode {
	case "", "disable":
		return "false"
	case "skip-verify", "preferred", "allow", "prefer":
		return "skip-verify"
	case "verify-ca", "verify-full":
		logger.Log.Warn("MySQL sslmode verify-ca/verify-full needs a registered TLS config for proper verification; using tls=true", zap.String("sslmode", sslmode))
		return "true"
	default:
		return "true"
	}
}

// quoteConnValue quotes a libpq key/value connection string value when needed.
func quoteConnValue(v string) string {
	if v != "" && !strings.ContainsAny(v, " '\\\t\n") {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
