package cnst

const (
	AppName     = "imgate"
	CommandName = "imgate"
	// ConfigYaml is the default configuration file name
	ConfigYaml = "imgate.yaml"
)

// presence backends
const (
	PresenceTypeMemory = "memory"
	PresenceTypeRedis  = "redis"
)

// database dialects
const (
	DBTypeSQLite   = "sqlite"
	DBTypeMySQL    = "mysql"
	DBTypePostgres = "postgres"
)
