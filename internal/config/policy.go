package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Policy holds the tunables that operators may change without a restart.
type Policy struct {
	IdempotencyTTL  time.Duration `mapstructure:"idempotencyTTL"`
	WebhookLockTTL  time.Duration `mapstructure:"webhookLockTTL"`
	TxMaxAttempts   int           `mapstructure:"txMaxAttempts"`
	ManualRefundsOn bool          `mapstructure:"manualRefundsEnabled"`
}

func DefaultPolicy(cfg Config) Policy {
	return Policy{
		IdempotencyTTL:  cfg.Idempotency.TTL,
		WebhookLockTTL:  cfg.WebhookLock.TTL,
		TxMaxAttempts:   cfg.DBTxMaxAttempts,
		ManualRefundsOn: true,
	}
}

type PolicyHolder struct {
	current atomic.Value // holds Policy
}

// StaticPolicy returns a holder that never reloads.
func StaticPolicy(p Policy) *PolicyHolder {
	holder := &PolicyHolder{}
	holder.current.Store(p)
	return holder
}

func NewPolicyHolder(cfg Config, log *zap.Logger) (*PolicyHolder, error) {
	log = log.Named("config.policy")
	defaults := DefaultPolicy(cfg)

	v := viper.New()
	v.SetConfigType("yml")
	if path := strings.TrimSpace(cfg.PolicyFile); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("commerce")
		v.AddConfigPath("/etc/commerce")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("COMMERCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("policy.idempotencyTTL", defaults.IdempotencyTTL)
	v.SetDefault("policy.webhookLockTTL", defaults.WebhookLockTTL)
	v.SetDefault("policy.txMaxAttempts", defaults.TxMaxAttempts)
	v.SetDefault("policy.manualRefundsEnabled", defaults.ManualRefundsOn)

	watch := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		watch = false
	}

	var policy Policy
	if err := v.UnmarshalKey("policy", &policy); err != nil {
		return nil, err
	}
	if err := validatePolicy(policy); err != nil {
		return nil, err
	}

	holder := StaticPolicy(policy)
	if !watch {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated Policy
		if err := v.UnmarshalKey("policy", &updated); err != nil {
			log.Warn("policy reload failed", zap.String("file", e.Name), zap.Error(err))
			return
		}
		if err := validatePolicy(updated); err != nil {
			log.Warn("invalid policy ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("policy reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *PolicyHolder) Get() Policy {
	return h.current.Load().(Policy)
}

func validatePolicy(p Policy) error {
	if p.IdempotencyTTL <= 0 {
		return errors.New("policy.idempotencyTTL must be positive")
	}
	if p.WebhookLockTTL <= 0 {
		return errors.New("policy.webhookLockTTL must be positive")
	}
	if p.TxMaxAttempts < 1 {
		return errors.New("policy.txMaxAttempts must be at least 1")
	}
	return nil
}
