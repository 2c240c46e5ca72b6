package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveEnv(t *testing.T) {
	t.Setenv("X_A", "va")
	in := []byte("a: ${X_A:da}\nb: ${X_B:db}")
	out := resolveEnv(in)
	assert.Contains(t, string(out), "a: va")
	assert.Contains(t, string(out), "b: db")
}

func TestLoadConfig(t *testing.T) {
	tmp := t.TempDir()
	old, _ := os.Getwd()
	t.Cleanup(func() { _ = os.Chdir(old) })
	_ = os.Chdir(tmp)

	t.Setenv("IMGATE_TEST_PORT", "9300")
	yaml := `
server:
  host: 127.0.0.1
  port: ${IMGATE_TEST_PORT:8080}
  worker_threads: 2
  idle_timeout: 30s
database:
  type: sqlite
  dbname: ${IMGATE_TEST_DB:./data/test.db}
presence:
  type: redis
  redis:
    addr: localhost:6379
    topic: imgate:presence
pid: ${X_PID:/tmp/imgate.pid}
`
	file := filepath.Join(tmp, "imgate.yaml")
	require.NoError(t, os.WriteFile(file, []byte(yaml), 0o644))

	cfg, path, err := LoadConfig("imgate.yaml")
	require.NoError(t, err)
	realFile, _ := filepath.EvalSymlinks(file)
	realPath, _ := filepath.EvalSymlinks(path)
	assert.Equal(t, realFile, realPath)

	assert.Equal(t, "127.0.0.1:9300", cfg.Server.Addr())
	assert.Equal(t, 2, cfg.Server.WorkerThreads)
	assert.Equal(t, 30*time.Second, cfg.Server.IdleTimeout)
	assert.Equal(t, "./data/test.db", cfg.Database.DBName)
	assert.Equal(t, "redis", cfg.Presence.Type)
	assert.Equal(t, "/tmp/imgate.pid", cfg.PID)

	// defaults
	assert.Equal(t, 1024, cfg.Server.Backlog)
	assert.Equal(t, 10000, cfg.Server.MaxConnections)
	assert.Equal(t, 4096, cfg.Server.ReadBufferSize)
	assert.Equal(t, "imgate", cfg.Metrics.Namespace)
	assert.Equal(t, 8081, cfg.Admin.Port)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestParse_Validation(t *testing.T) {
	_, err := Parse([]byte("database:\n  type: oracle\n"))
	assert.ErrorContains(t, err, "unsupported database type")

	_, err = Parse([]byte("presence:\n  type: etcd\n"))
	assert.ErrorContains(t, err, "unsupported presence type")

	_, err = Parse([]byte("server:\n  port: 70000\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("server: [\n"))
	assert.Error(t, err)
}

func TestDatabaseConfig_GetDSN(t *testing.T) {
	pg := DatabaseConfig{Type: "postgres", User: "u", Password: "p", Host: "h", Port: 5432, DBName: "d"}
	assert.Equal(t, "postgres://u:p@h:5432/d?sslmode=disable", pg.GetDSN())

	my := DatabaseConfig{Type: "mysql", User: "u", Password: "p", Host: "h", Port: 3306, DBName: "d"}
	assert.Equal(t, "u:p@tcp(h:3306)/d?charset=utf8mb4&parseTime=True&loc=Local", my.GetDSN())

	lite := DatabaseConfig{Type: "sqlite", DBName: "/tmp/x.db"}
	assert.Equal(t, "/tmp/x.db", lite.GetDSN())

	assert.Empty(t, (&DatabaseConfig{Type: "oracle"}).GetDSN())
}
