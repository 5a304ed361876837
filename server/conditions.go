package server

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/alechenninger/kestrel/schema"
)

// BuiltinConditions returns the conditions compiled into the server binary.
// Deployments with custom conditions pass their own registry to Run.
func BuiltinConditions() map[schema.ConditionName]*schema.Condition {
	conditions := []*schema.Condition{
		{
			// Grants that expire: the tuple binds expires_at, the query
			// supplies current_time.
			Name:         "not_expired",
			RequiredKeys: []string{"current_time", "expires_at"},
			Eval: func(params map[string]any) (bool, error) {
				current, err := timeParam(params, "current_time")
				if err != nil {
					return false, err
				}
				expires, err := timeParam(params, "expires_at")
				if err != nil {
					return false, err
				}
				return current.Before(expires), nil
			},
		},
		{
			// Network-scoped grants: the tuple binds allowed_cidr, the
			// query supplies the caller's ip.
			Name:         "ip_in_range",
			RequiredKeys: []string{"ip", "allowed_cidr"},
			Eval: func(params map[string]any) (bool, error) {
				ip, err := stringParam(params, "ip")
				if err != nil {
					return false, err
				}
				cidr, err := stringParam(params, "allowed_cidr")
				if err != nil {
					return false, err
				}
				addr, err := netip.ParseAddr(ip)
				if err != nil {
					return false, fmt.Errorf("condition ip_in_range: %w", err)
				}
				prefix, err := netip.ParsePrefix(cidr)
				if err != nil {
					return false, fmt.Errorf("condition ip_in_range: %w", err)
				}
				return prefix.Contains(addr), nil
			},
		},
	}

	registry := make(map[schema.ConditionName]*schema.Condition, len(conditions))
	for _, c := range conditions {
		registry[c.Name] = c
	}
	return registry
}

func stringParam(params map[string]any, key string) (string, error) {
	s, ok := params[key].(string)
	if !ok {
		return "", fmt.Errorf("condition parameter %q must be a string", key)
	}
	return s, nil
}

func timeParam(params map[string]any, key string) (time.Time, error) {
	s, err := stringParam(params, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("condition parameter %q: %w", key, err)
	}
	return t, nil
}
