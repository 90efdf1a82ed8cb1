// Package security raises alerts when audited failures from one client
// cross a threshold within a window.
package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var alertCounterScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// AlertResult contains alert evaluation output.
type AlertResult struct {
	Triggered bool
	Count     int64
	Threshold int64
	Window    time.Duration
}

// Rule is a threshold over one event and outcome.
type Rule struct {
	Threshold int64
	Window    time.Duration
}

// DefaultRules cover the API's audited events. The "*" event matches any
// event with that outcome.
var DefaultRules = map[string]Rule{
	"*|rate_limited":           {Threshold: 20, Window: time.Minute},
	"api.token.verify|fail":    {Threshold: 25, Window: 5 * time.Minute},
	"api.authorize|fail":       {Threshold: 25, Window: 5 * time.Minute},
	"api.auth.callback|fail":   {Threshold: 10, Window: 5 * time.Minute},
	"api.webhook.stripe|fail":  {Threshold: 5, Window: 5 * time.Minute},
	"api.file.delete|fail":     {Threshold: 15, Window: 5 * time.Minute},
	"api.billing.session|fail": {Threshold: 10, Window: 5 * time.Minute},
}

// AuditAlerter aggregates security events in Redis fixed windows.
type AuditAlerter struct {
	client redis.Cmdable
	prefix string
	rules  map[string]Rule
	now    func() time.Time
}

// NewAuditAlerter returns nil without a client; a nil alerter never triggers.
func NewAuditAlerter(client redis.Cmdable, prefix string, rules map[string]Rule) *AuditAlerter {
	if client == nil {
		return nil
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "quill:api:alerts"
	}
	if rules == nil {
		rules = DefaultRules
	}
	return &AuditAlerter{client: client, prefix: prefix, rules: rules, now: time.Now}
}

// Observe records a security event and reports whether its threshold is reached.
func (a *AuditAlerter) Observe(ctx context.Context, event, outcome, ip string) (AlertResult, error) {
	result := AlertResult{}
	if a == nil {
		return result, nil
	}
	rule, ok := a.rule(event, outcome)
	if !ok {
		return result, nil
	}
	windowMs := rule.Window.Milliseconds()
	if windowMs <= 0 || rule.Threshold <= 0 {
		return result, nil
	}
	slot := a.now().UTC().UnixMilli() / windowMs
	key := fmt.Sprintf("%s:%s:%s:%s:%d", a.prefix, sanitizeSegment(event), sanitizeSegment(outcome), sanitizeSegment(ip), slot)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := alertCounterScript.Run(ctx, a.client, []string{key}, windowMs).Int64()
	if err != nil {
		return result, err
	}
	result.Count = count
	result.Threshold = rule.Threshold
	result.Window = rule.Window
	result.Triggered = count >= rule.Threshold
	return result, nil
}

func (a *AuditAlerter) rule(event, outcome string) (Rule, bool) {
	event, outcome = strings.TrimSpace(event), strings.TrimSpace(outcome)
	if r, ok := a.rules[event+"|"+outcome]; ok {
		return r, true
	}
	r, ok := a.rules["*|"+outcome]
	return r, ok
}

func sanitizeSegment(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}
	return strings.NewReplacer(":", "_", "|", "_", " ", "_").Replace(in)
}
