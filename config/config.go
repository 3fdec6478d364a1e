package config

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Config struct {
	Port               string
	Environment        string
	DBDriver           string // postgres or sqlite
	DBHost             string
	DBPort             string
	DBUser             string
	DBPassword         string
	DBName             string
	SQLitePath         string
	JWTSecret          string
	ExecutorKeyHash    string // bcrypt hash of the executor callback key
	ExecutorURL        string // remote executor base URL; empty selects the simulated executor
	MongoURI           string
	MetricsThrottleMS  int
	StopGraceTimeoutMS int
}

var AppConfig *Config
var DB *gorm.DB

// LoadConfig loads environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		Port:               getEnv("PORT", "8080"),
		Environment:        getEnv("ENVIRONMENT", "development"),
		DBDriver:           getEnv("DB_DRIVER", "sqlite"),
		DBHost:             getEnv("DB_HOST", "localhost"),
		DBPort:             getEnv("DB_PORT", "5432"),
		DBUser:             getEnv("DB_USER", "postgres"),
		DBPassword:         getEnv("DB_PASSWORD", ""),
		DBName:             getEnv("DB_NAME", "qtrain_db"),
		SQLitePath:         getEnv("SQLITE_PATH", "data/qtrain.db"),
		JWTSecret:          getEnv("JWT_SECRET", "your-secret-key"),
		ExecutorKeyHash:    getEnv("EXECUTOR_KEY_HASH", ""),
		ExecutorURL:        getEnv("EXECUTOR_URL", ""),
		MongoURI:           getEnv("MONGODB_URI", ""),
		MetricsThrottleMS:  getEnvInt("METRICS_THROTTLE_MS", 250),
		StopGraceTimeoutMS: getEnvInt("STOP_GRACE_TIMEOUT_MS", 10000),
	}

	AppConfig = config
	return config, nil
}

// InitDB initializes database connection
func InitDB() (*gorm.DB, error) {
	var logLevel logger.LogLevel
	if AppConfig.Environment == "production" {
		logLevel = logger.Error
	} else {
		logLevel = logger.Info
	}
	gormCfg := &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	}

	var db *gorm.DB
	var err error

	switch AppConfig.DBDriver {
	case "postgres":
		log.Printf("Connecting to database: host=%s port=%s user=%s dbname=%s",
			maskHost(AppConfig.DBHost),
			AppConfig.DBPort,
			AppConfig.DBUser,
			AppConfig.DBName,
		)

		dsn := fmt.Sprintf(
			"host=%s user=%s password=%s dbname=%s port=%s sslmode=require TimeZone=UTC",
			AppConfig.DBHost,
			AppConfig.DBUser,
			AppConfig.DBPassword,
			AppConfig.DBName,
			AppConfig.DBPort,
		)
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		log.Printf("Using sqlite database at %s", AppConfig.SQLitePath)
		db, err = gorm.Open(sqlite.Open(AppConfig.SQLitePath), gormCfg)
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER %q", AppConfig.DBDriver)
	}

	if err != nil {
		log.Printf("Database connection error: %v", err)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection with ping
	sqlDB, err := db.DB()
	if err != nil {
		log.Printf("Failed to get underlying database: %v", err)
		return nil, fmt.Errorf("failed to get database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		log.Printf("Database ping failed: %v", err)
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	log.Printf("Database connection verified successfully")
	DB = db
	return db, nil
}

// maskHost masks host for logging, preserving domain structure
func maskHost(host string) string {
	if len(host) <= 3 {
		return "***"
	}
	if len(host) <= 15 {
		return host[:3] + "***"
	}
	return host[:8] + "***" + host[len(host)-10:]
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Warning: invalid value for %s: %q, using default %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}
