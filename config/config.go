package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	Redis          RedisConfig
	ICE            ICEConfig
	Log            LogConfig
	Peer           PeerConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// ICEConfig describes the STUN/TURN servers handed out by the ICE config endpoint.
type ICEConfig struct {
	Mode              string
	STUNURLs          []string
	TURNURLs          []string
	TURNUsername      string
	TURNPassword      string
	CandidatePoolSize int
}

type LogConfig struct {
	Level  string
	Format string
}

// PeerConfig is only read by the headless peer binary.
type PeerConfig struct {
	ServerURL   string
	RoomID      string
	UserID      string
	PartnerID   string
	IsHost      bool
	StateDBPath string
	AutoAnswer  bool
	CallType    string
	MediaURL    string
	RingTimeout time.Duration
	// LeaveOnExit treats shutdown as leaving the room and clears saved state.
	LeaveOnExit bool
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first without overriding variables already set.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.WithError(err).Warn("failed to load .env")
	}

	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := splitAndClean(originsStr)

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		ICE: ICEConfig{
			Mode:              strings.ToLower(getEnv("ICE_MODE", "stun-turn")),
			STUNURLs:          splitAndClean(getEnv("STUN_URLS", "stun:stun.l.google.com:19302")),
			TURNURLs:          splitAndClean(os.Getenv("TURN_URLS")),
			TURNUsername:      os.Getenv("TURN_USERNAME"),
			TURNPassword:      os.Getenv("TURN_PASSWORD"),
			CandidatePoolSize: getEnvInt("ICE_CANDIDATE_POOL_SIZE", 10),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		Peer: PeerConfig{
			ServerURL:   getEnv("SERVER_URL", "http://localhost:8080"),
			RoomID:      os.Getenv("ROOM_ID"),
			UserID:      os.Getenv("USER_ID"),
			PartnerID:   os.Getenv("PARTNER_ID"),
			IsHost:      getEnvBool("IS_HOST", false),
			StateDBPath: getEnv("STATE_DB_PATH", "watchparty-state.db"),
			AutoAnswer:  getEnvBool("AUTO_ANSWER", true),
			CallType:    getEnv("CALL_TYPE", "video"),
			MediaURL:    os.Getenv("MEDIA_URL"),
			RingTimeout: getEnvDuration("RING_TIMEOUT", 30*time.Second),
			LeaveOnExit: getEnvBool("LEAVE_ON_EXIT", false),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvBool(key string, defaultValue bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil || v <= 0 {
		return defaultValue
	}
	return v
}

func splitAndClean(csv string) []string {
	var out []string
	for _, p := range strings.Split(csv, ",") {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
