package config

// StoragePoolConfig holds pool-sizing defaults used when DatabaseConfig's
// fields are left at zero.
type StoragePoolConfig struct {
	DBMaxOpenConns    int `env:"QUEUE_DB_MAX_OPEN_CONNS" default:"25"`
	DBMaxIdleConns    int `env:"QUEUE_DB_MAX_IDLE_CONNS" default:"5"`
	DBConnMaxLifetime int `env:"QUEUE_DB_CONN_MAX_LIFETIME" default:"300"`
	DBConnMaxIdleTime int `env:"QUEUE_DB_CONN_MAX_IDLE_TIME" default:"60"`
}
