package modules

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// Registers the postgres driver.
	_ "github.com/lib/pq"
	"gopkg.in/yaml.v3"
)

// postgresPingParams are the parameters of the postgres_ping module.
type postgresPingParams struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Timeout  int    `yaml:"timeout"`
}

// postgresPingModule verifies that a postgres server accepts
// connections. The check runs from the control machine, so it exercises
// the same path a client would, firewall included.
type postgresPingModule struct {
	params postgresPingParams
}

func newPostgresPing(node *yaml.Node) (Module, error) {
	var p postgresPingParams
	if err := decodeParams(node, &p); err != nil {
		return nil, err
	}
	if p.User == "" {
		return nil, fmt.Errorf("user is required")
	}
	if p.Port == 0 {
		p.Port = 5432
	}
	if p.DBName == "" {
		p.DBName = "postgres"
	}
	if p.SSLMode == "" {
		p.SSLMode = "disable"
	}
	if p.Timeout == 0 {
		p.Timeout = 10
	}
	return &postgresPingModule{params: p}, nil
}

func (m *postgresPingModule) Name() string { return "postgres_ping" }

// dsn renders the lib/pq connection string. The host defaults to the
// step's target address.
func (m *postgresPingModule) dsn(hostAddress string) string {
	host := m.params.Host
	if host == "" {
		host = hostAddress
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s connect_timeout=%d",
		host, m.params.Port, m.params.User, m.params.DBName, m.params.SSLMode, m.params.Timeout)
	if m.params.Password != "" {
		dsn += " password=" + m.params.Password
	}
	return dsn
}

func (m *postgresPingModule) Apply(ctx context.Context, req *Request) (*Result, error) {
	if req.CheckMode {
		return unchanged("would ping postgres"), nil
	}

	db, err := sql.Open("postgres", m.dsn(req.HostAddress))
	if err != nil {
		return nil, fmt.Errorf("open connection: %w", err)
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, time.Duration(m.params.Timeout)*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("postgres unreachable: %w", err)
	}

	var version string
	if err := db.QueryRowContext(pingCtx, "SELECT version()").Scan(&version); err != nil {
		return nil, fmt.Errorf("query version: %w", err)
	}
	return &Result{
		Msg:  "postgres is accepting connections",
		Data: map[string]any{"server_version": version},
	}, nil
}
