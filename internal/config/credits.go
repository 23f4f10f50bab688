package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// CreditPolicy is the hot-reloadable part of the credit engine configuration.
type CreditPolicy struct {
	// AllowBalanceFallback enables the entity -> tenant balance fallback chain.
	// Callers must still opt in per request.
	AllowBalanceFallback bool                   `mapstructure:"allowBalanceFallback"`
	PurchaseExpiryDays   int                    `mapstructure:"purchaseExpiryDays"`
	Plans                map[string]PlanCredits `mapstructure:"plans"`
}

// PlanCredits describes the credits granted when a plan is activated or renewed.
type PlanCredits struct {
	Credits           int64  `mapstructure:"credits"`
	CreditType        string `mapstructure:"creditType"`
	ExpiryDays        int    `mapstructure:"expiryDays"`
	TargetApplication string `mapstructure:"targetApplication"`
}

func DefaultCreditPolicy() CreditPolicy {
	return CreditPolicy{
		AllowBalanceFallback: false,
		PurchaseExpiryDays:   365,
		Plans: map[string]PlanCredits{
			"free":    {Credits: 100, CreditType: "free", ExpiryDays: 30},
			"starter": {Credits: 1000, CreditType: "free", ExpiryDays: 30},
			"growth":  {Credits: 10000, CreditType: "free", ExpiryDays: 30},
		},
	}
}

// Plan returns the plan definition for code, matched case-insensitively.
func (p CreditPolicy) Plan(code string) (PlanCredits, bool) {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return PlanCredits{}, false
	}
	for key, plan := range p.Plans {
		if strings.ToLower(key) == code {
			return plan, true
		}
	}
	return PlanCredits{}, false
}

type CreditPolicyHolder struct {
	current atomic.Value // holds CreditPolicy
}

// NewStaticCreditPolicyHolder wraps a fixed policy without file watching.
func NewStaticCreditPolicyHolder(policy CreditPolicy) *CreditPolicyHolder {
	holder := &CreditPolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func NewCreditPolicyHolder(cfg Config) (*CreditPolicyHolder, error) {
	v := viper.New()

	if cfg.Credit.PolicyPath != "" {
		v.SetConfigFile(cfg.Credit.PolicyPath)
	} else {
		v.SetConfigName("credits")
		v.SetConfigType("yml")
		v.AddConfigPath("/var/lib/bizsuite/config")
		v.AddConfigPath("/etc/bizsuite")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("BIZSUITE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultCreditPolicy()
	v.SetDefault("credits.allowBalanceFallback", defaults.AllowBalanceFallback)
	v.SetDefault("credits.purchaseExpiryDays", defaults.PurchaseExpiryDays)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	policy, err := decodeCreditPolicy(v)
	if err != nil {
		return nil, err
	}
	if len(policy.Plans) == 0 {
		policy.Plans = defaults.Plans
	}

	holder := NewStaticCreditPolicyHolder(policy)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeCreditPolicy(v)
		if err != nil {
			log.Printf("[credit-policy] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[credit-policy] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *CreditPolicyHolder) Get() CreditPolicy {
	if h == nil {
		return DefaultCreditPolicy()
	}
	policy, ok := h.current.Load().(CreditPolicy)
	if !ok {
		return DefaultCreditPolicy()
	}
	return policy
}

func decodeCreditPolicy(v *viper.Viper) (CreditPolicy, error) {
	var policy CreditPolicy
	if err := v.UnmarshalKey("credits", &policy); err != nil {
		return CreditPolicy{}, err
	}
	if err := validateCreditPolicy(policy); err != nil {
		return CreditPolicy{}, err
	}
	return policy, nil
}

func validateCreditPolicy(policy CreditPolicy) error {
	if policy.PurchaseExpiryDays < 0 {
		return errors.New("credits.purchaseExpiryDays cannot be negative")
	}
	for code, plan := range policy.Plans {
		if plan.Credits <= 0 {
			return fmt.Errorf("credits.plans.%s.credits must be positive", code)
		}
		switch strings.ToLower(strings.TrimSpace(plan.CreditType)) {
		case "", "free", "paid":
		default:
			return fmt.Errorf("credits.plans.%s.creditType %q is invalid", code, plan.CreditType)
		}
		if plan.ExpiryDays < 0 {
			return fmt.Errorf("credits.plans.%s.expiryDays cannot be negative", code)
		}
	}
	return nil
}
