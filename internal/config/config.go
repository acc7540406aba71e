package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// Serving modes for cmd/server.
const (
	ServeModeHTTP       = "http"
	ServeModeSelfSigned = "self-signed"
	ServeModeAutocert   = "autocert"
)

type Config struct {
	HTTPPort  string `json:"http_port"`
	HTTPSPort string `json:"https_port"`
	Domain    string `json:"domain"`
	ServeMode string `json:"serve_mode"`

	DBPath string `json:"db_path"`

	TURNPort     int    `json:"turn_port"`
	TURNRealm    string `json:"turn_realm"`
	TURNPublicIP string `json:"turn_public_ip"`

	LiveKitURL    string `json:"livekit_url"`
	LiveKitKey    string `json:"livekit_key"`
	LiveKitSecret string `json:"livekit_secret"`

	RingTimeout     time.Duration `json:"-"`
	ProbeInterval   time.Duration `json:"-"`
	ProbeGrace      time.Duration `json:"-"`
	GuestSessionTTL time.Duration `json:"-"`

	LogLevel string `json:"log_level"`

	// Loaded from env or keys/, never from config.json.
	JWTSecret string     `json:"-"`
	VAPIDKeys *VAPIDKeys `json:"-"`
}

type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

// Load reads config.json next to the executable when present, fills the
// gaps from environment variables and defaults, and loads the secrets.
func Load() *Config {
	cfg := &Config{}
	if data, err := os.ReadFile(configFilePath()); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			fmt.Printf("Warning: ignoring malformed config.json: %v\n", err)
			cfg = &Config{}
		}
	}

	applyDefault(&cfg.HTTPPort, getEnv("HTTP_PORT", "8080"))
	applyDefault(&cfg.HTTPSPort, getEnv("HTTPS_PORT", "8443"))
	applyDefault(&cfg.Domain, getEnv("DOMAIN", "localhost"))
	applyDefault(&cfg.ServeMode, getEnv("SERVE_MODE", ServeModeHTTP))
	applyDefault(&cfg.DBPath, getEnv("DB_PATH", "duocall.db"))
	if cfg.TURNPort == 0 {
		cfg.TURNPort = getEnvInt("TURN_PORT", 3478)
	}
	applyDefault(&cfg.TURNRealm, getEnv("TURN_REALM", "duocall"))
	applyDefault(&cfg.TURNPublicIP, os.Getenv("TURN_PUBLIC_IP"))
	applyDefault(&cfg.LiveKitURL, os.Getenv("LIVEKIT_URL"))
	applyDefault(&cfg.LiveKitKey, os.Getenv("LIVEKIT_KEY"))
	applyDefault(&cfg.LiveKitSecret, os.Getenv("LIVEKIT_SECRET"))
	applyDefault(&cfg.LogLevel, getEnv("LOG_LEVEL", "info"))

	cfg.RingTimeout = getEnvDuration("RING_TIMEOUT", 45*time.Second)
	cfg.ProbeInterval = getEnvDuration("PROBE_INTERVAL", 30*time.Second)
	cfg.ProbeGrace = getEnvDuration("PROBE_GRACE", 60*time.Second)
	cfg.GuestSessionTTL = getEnvDuration("GUEST_SESSION_TTL", 2*time.Hour)

	cfg.JWTSecret = loadOrGenerateJWTSecret()
	cfg.VAPIDKeys = loadOrGenerateVAPIDKeys()

	return cfg
}

// Save writes the non-secret fields back to config.json.
func Save(cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configFilePath(), data, 0600); err != nil {
		return fmt.Errorf("failed to write config.json: %w", err)
	}
	return nil
}

func applyDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func configFilePath() string {
	return filepath.Join(executableDir(), "config.json")
}

func keysDirectory() string {
	return filepath.Join(executableDir(), "keys")
}

func executableDir() string {
	execPath, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(execPath)
}

func loadOrGenerateJWTSecret() string {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		return secret
	}

	keysDir := keysDirectory()
	secretFile := filepath.Join(keysDir, "jwt-secret.key")

	if secretData, err := os.ReadFile(secretFile); err == nil {
		if secret := strings.TrimSpace(string(secretData)); secret != "" {
			return secret
		}
	}

	secret := generateRandomSecret()
	if err := os.MkdirAll(keysDir, 0700); err == nil {
		if err := os.WriteFile(secretFile, []byte(secret), 0600); err != nil {
			fmt.Printf("Warning: failed to save JWT secret: %v\n", err)
			fmt.Println("The secret will be regenerated on the next restart unless JWT_SECRET is set")
		}
	}
	return secret
}

func generateRandomSecret() string {
	bytes := make([]byte, 32)
	rand.Read(bytes)
	return base64.URLEncoding.EncodeToString(bytes)
}

func loadOrGenerateVAPIDKeys() *VAPIDKeys {
	subject := getEnv("VAPID_SUBJECT", "mailto:admin@duocall.app")

	publicKey := os.Getenv("VAPID_PUBLIC_KEY")
	privateKey := os.Getenv("VAPID_PRIVATE_KEY")
	if publicKey != "" && privateKey != "" {
		return &VAPIDKeys{PublicKey: publicKey, PrivateKey: privateKey, Subject: subject}
	}

	keysDir := keysDirectory()
	publicKeyFile := filepath.Join(keysDir, "vapid-public.key")
	privateKeyFile := filepath.Join(keysDir, "vapid-private.key")

	if publicKeyData, err := os.ReadFile(publicKeyFile); err == nil {
		if privateKeyData, err := os.ReadFile(privateKeyFile); err == nil {
			return &VAPIDKeys{
				PublicKey:  strings.TrimSpace(string(publicKeyData)),
				PrivateKey: strings.TrimSpace(string(privateKeyData)),
				Subject:    subject,
			}
		}
	}

	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		panic("failed to generate VAPID keys: " + err.Error())
	}

	if err := os.MkdirAll(keysDir, 0700); err == nil {
		if err := os.WriteFile(publicKeyFile, []byte(publicKey), 0600); err != nil {
			fmt.Printf("Warning: failed to save VAPID public key: %v\n", err)
		}
		if err := os.WriteFile(privateKeyFile, []byte(privateKey), 0600); err != nil {
			fmt.Printf("Warning: failed to save VAPID private key: %v\n", err)
		}
	}

	return &VAPIDKeys{PublicKey: publicKey, PrivateKey: privateKey, Subject: subject}
}
