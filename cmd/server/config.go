package main

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/mackdin/authcore/internal/email"
	"github.com/mackdin/authcore/internal/krypto"
)

// config is the configuration for the server command. All values come
// from the environment, secrets are decoded into krypto types so they
// can't accidentally end up in logs.
type config struct {
	// BaseURL is the frontend base used to build the links in emails.
	BaseURL string `env:"BASE_URL, required"`

	// WorkerTimeout bounds the background goroutines of the auth service.
	WorkerTimeout time.Duration `env:"WORKER_TIMEOUT, default=10s"`

	HTTP   httpConfig  `env:", prefix=HTTP_"`
	Store  storeConfig `env:", prefix=STORE_"`
	Tokens tokenConfig `env:", prefix=TOKEN_"`
	Email  emailConfig `env:", prefix=EMAIL_"`
}

// httpConfig is the configuration for the HTTP server.
type httpConfig struct {
	Addr            string        `env:"ADDR, default=:8888"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT, default=5s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT, default=10s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT, default=120s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT, default=15s"`
}

// storeConfig is the configuration for the credential store.
type storeConfig struct {
	DBFile string `env:"DB_FILE, required"`

	// EncryptionKeys decrypt the email column, comma separated with the
	// newest key last. Old keys stay listed so existing rows remain
	// readable after a rotation.
	EncryptionKeys []krypto.Key `env:"ENCRYPTION_KEYS, required"`

	// BlindIndexKey keys the email blind index. Unlike the encryption
	// keys it cannot be rotated without rebuilding the index.
	BlindIndexKey krypto.Key `env:"BLIND_INDEX_KEY, required"`

	// PruneInterval is how often expired token consumption markers are
	// garbage collected.
	PruneInterval time.Duration `env:"PRUNE_INTERVAL, default=1h"`
}

// tokenConfig is the configuration for the token codec.
type tokenConfig struct {
	SigningKey krypto.Key `env:"SIGNING_KEY, required"`

	VerifyTTL  time.Duration `env:"VERIFY_TTL, default=24h"`
	ResetTTL   time.Duration `env:"RESET_TTL, default=1h"`
	AccessTTL  time.Duration `env:"ACCESS_TTL, default=15m"`
	RefreshTTL time.Duration `env:"REFRESH_TTL, default=720h"`
}

// emailConfig is the configuration for outgoing email.
type emailConfig struct {
	From email.Address `env:"FROM, default=no-reply@example.com"`

	// Sender selects the delivery mechanism: "log" writes emails to the
	// log, "postmark" delivers them via the Postmark API.
	Sender string `env:"SENDER, default=log"`

	PostmarkAPIURL        string        `env:"POSTMARK_API_URL, default=https://api.postmarkapp.com/email"`
	PostmarkServerToken   krypto.Secret `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkMessageStream string        `env:"POSTMARK_MESSAGE_STREAM, default=outbound"`
}

// configFromEnv returns a config with values from the environment.
func configFromEnv(ctx context.Context, lookuper envconfig.Lookuper) (config, error) {
	var c config

	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &c,
		Lookuper: lookuper,
	})

	return c, err
}
