package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Tuning carries the operational knobs of the orchestration core. It is
// loaded from payments.yml and exposed as an immutable snapshot; callers
// must not hold on to a snapshot across requests.
type Tuning struct {
	PushExpiry        time.Duration `mapstructure:"pushExpiry"`
	MaxVerifyRetries  int           `mapstructure:"maxVerifyRetries"`
	StaleAfter        time.Duration `mapstructure:"staleAfter"`
	ReconcileInterval time.Duration `mapstructure:"reconcileInterval"`
	ReconcileBatch    int           `mapstructure:"reconcileBatch"`
	ProviderTimeout   time.Duration `mapstructure:"providerTimeout"`
	TokenTTLSlack     time.Duration `mapstructure:"tokenTTLSlack"`
}

func DefaultTuning() Tuning {
	return Tuning{
		PushExpiry:        15 * time.Minute,
		MaxVerifyRetries:  3,
		StaleAfter:        3 * time.Minute,
		ReconcileInterval: 2 * time.Minute,
		ReconcileBatch:    50,
		ProviderTimeout:   10 * time.Second,
		TokenTTLSlack:     30 * time.Second,
	}
}

type TuningHolder struct {
	current atomic.Value // holds Tuning
}

func NewTuningHolder() (*TuningHolder, error) {
	v := viper.New()

	v.SetConfigName("payments")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/sokopay/config")
	v.AddConfigPath("/etc/sokopay")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SOKOPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultTuning()
	v.SetDefault("payments.pushExpiry", defaults.PushExpiry)
	v.SetDefault("payments.maxVerifyRetries", defaults.MaxVerifyRetries)
	v.SetDefault("payments.staleAfter", defaults.StaleAfter)
	v.SetDefault("payments.reconcileInterval", defaults.ReconcileInterval)
	v.SetDefault("payments.reconcileBatch", defaults.ReconcileBatch)
	v.SetDefault("payments.providerTimeout", defaults.ProviderTimeout)
	v.SetDefault("payments.tokenTTLSlack", defaults.TokenTTLSlack)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Tuning
	if err := v.UnmarshalKey("payments", &cfg); err != nil {
		return nil, err
	}
	if err := validateTuning(cfg); err != nil {
		return nil, err
	}

	holder := &TuningHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated Tuning
		if err := v.UnmarshalKey("payments", &updated); err != nil {
			log.Printf("[payments-config] reload failed: %v", err)
			return
		}
		if err := validateTuning(updated); err != nil {
			log.Printf("[payments-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[payments-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *TuningHolder) Get() Tuning {
	return h.current.Load().(Tuning)
}

// NewStaticTuningHolder returns a holder pinned to the given snapshot.
// Used by tests and by callers that manage reloads themselves.
func NewStaticTuningHolder(t Tuning) *TuningHolder {
	holder := &TuningHolder{}
	holder.current.Store(t)
	return holder
}

func validateTuning(cfg Tuning) error {
	if cfg.PushExpiry <= 0 {
		return errors.New("payments.pushExpiry must be positive")
	}
	if cfg.MaxVerifyRetries < 0 {
		return errors.New("payments.maxVerifyRetries cannot be negative")
	}
	if cfg.StaleAfter <= 0 {
		return errors.New("payments.staleAfter must be positive")
	}
	if cfg.ReconcileInterval <= 0 {
		return errors.New("payments.reconcileInterval must be positive")
	}
	if cfg.ReconcileBatch <= 0 {
		return errors.New("payments.reconcileBatch must be positive")
	}
	return nil
}
