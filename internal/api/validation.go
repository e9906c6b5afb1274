package api

import (
	"fmt"
	"strings"

	"github.com/djlord-it/easy-trigger/internal/domain"
)

func validateType(typ domain.EventType) error {
	for _, known := range domain.EventTypes {
		if typ == known {
			return nil
		}
	}
	return fmt.Errorf("unknown trigger type %q", typ)
}

func validateTarget(t domain.Target, requireHandler bool) error {
	if strings.TrimSpace(t.Cwd) == "" {
		return fmt.Errorf("target.cwd is required")
	}
	if requireHandler && strings.TrimSpace(t.Handler) == "" {
		return fmt.Errorf("target.handler is required")
	}
	if t.Context.Timeout < 0 {
		return fmt.Errorf("target.context.timeout must not be negative")
	}
	for i, env := range t.Context.Env {
		if env.Key == "" {
			return fmt.Errorf("target.context.env[%d].key is required", i)
		}
	}
	return nil
}

func validateSubscribe(req SubscribeRequest) error {
	if req.Type == "" {
		return fmt.Errorf("type is required")
	}
	if err := validateType(req.Type); err != nil {
		return err
	}
	return validateTarget(req.Target, true)
}

func validateUnsubscribe(req UnsubscribeRequest) error {
	if req.Type != "" {
		if err := validateType(req.Type); err != nil {
			return err
		}
	}
	return validateTarget(req.Target, false)
}
