package config

import "fmt"

// DatabaseConfig represents the user store connection
type DatabaseConfig struct {
	Type     string `yaml:"type"`     // sqlite, mysql, postgres
	Host     string `yaml:"host"`     // localhost
	Port     int    `yaml:"port"`     // 3306 (for mysql), 5432 (for postgres)
	User     string `yaml:"user"`     // root (for mysql), postgres (for postgres)
	Password string `yaml:"password"` // password
	DBName   string `yaml:"dbname"`   // database name, or file path for sqlite
	SSLMode  string `yaml:"sslmode"`  // disable (for postgres)
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	switch c.Type {
	case "postgres":
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			c.User, c.Password, c.Host, c.Port, c.DBName, sslMode)
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			c.User, c.Password, c.Host, c.Port, c.DBName)
	case "sqlite":
		return c.DBName
	default:
		return ""
	}
}
