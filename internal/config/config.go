package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	ERPBaseURL            string
	ERPAPIKey             string
	ERPAPISecret          string
	DefaultBranch         string
	DefaultPriceList      string
	TaxRatePercent        float64
	PaymentTimeoutSeconds int
	AuthSecret            string
	AccessTokenTTLMinutes int
	SupervisorPIN         string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	paymentTimeout, err := strconv.Atoi(getEnv("PAYMENT_TIMEOUT_SECONDS", "300"))
	if err != nil || paymentTimeout < 1 {
		paymentTimeout = 300
	}
	taxRate, err := strconv.ParseFloat(getEnv("TAX_RATE_PERCENT", "0"), 64)
	if err != nil || taxRate < 0 {
		taxRate = 0
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		ERPBaseURL:            strings.TrimRight(os.Getenv("ERP_BASE_URL"), "/"),
		ERPAPIKey:             strings.TrimSpace(os.Getenv("ERP_API_KEY")),
		ERPAPISecret:          strings.TrimSpace(os.Getenv("ERP_API_SECRET")),
		DefaultBranch:         getEnv("DEFAULT_BRANCH", "Main Branch"),
		DefaultPriceList:      getEnv("DEFAULT_PRICE_LIST", "Standard Selling"),
		TaxRatePercent:        taxRate,
		PaymentTimeoutSeconds: paymentTimeout,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		SupervisorPIN:         strings.TrimSpace(os.Getenv("SUPERVISOR_PIN")),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
