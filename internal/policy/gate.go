package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/agent-relay/relay/internal/metrics"
)

// workspaceTTL bounds how long a cloud-fetched workspace policy is trusted
// before a refetch; stale entries keep serving when the refetch fails.
const workspaceTTL = 5 * time.Minute

// auditLimit caps the audit ring; on overflow the oldest half is dropped.
const auditLimit = 1000

// WorkspaceFetcher pulls the workspace policy set from the cloud bridge.
type WorkspaceFetcher interface {
	FetchWorkspacePolicies(ctx context.Context) ([]Policy, error)
}

// AuditEntry records one gate decision.
type AuditEntry struct {
	Time     time.Time `json:"time"`
	Action   string    `json:"action"`
	Agent    string    `json:"agent"`
	Target   string    `json:"target,omitempty"`
	Decision Decision  `json:"decision"`
}

// GateOptions configure a Gate.
type GateOptions struct {
	// RepoConfigPath points at the repo-level agent-relay.yaml; empty
	// disables the layer.
	RepoConfigPath string
	// LocalPolicyDir holds user-level YAML/JSON policy files, merged in
	// filename order; empty disables the layer.
	LocalPolicyDir string
	// StrictMode replaces the permissive default with the read-only one.
	StrictMode bool
}

// Gate resolves an agent's effective policy across the layered sources and
// answers the three decisions: spawn, message, tool use.
type Gate struct {
	logger  *slog.Logger
	opts    GateOptions
	fetcher WorkspaceFetcher

	wsCache *expirable.LRU[string, []Policy]

	mu        sync.RWMutex
	repo      []Policy
	repoOpts  repoSettings
	local     []Policy
	lastGood  []Policy // stale workspace policies kept for fetch failures
	audit     []AuditEntry
	spawns    map[string]int // spawner -> live spawn count
	rateMarks map[string][]time.Time
}

func NewGate(logger *slog.Logger, opts GateOptions, fetcher WorkspaceFetcher) *Gate {
	g := &Gate{
		logger:    logger,
		opts:      opts,
		fetcher:   fetcher,
		wsCache:   expirable.NewLRU[string, []Policy](4, nil, workspaceTTL),
		spawns:    make(map[string]int),
		rateMarks: make(map[string][]time.Time),
	}
	g.reloadFiles()
	return g
}

// CanSpawn decides whether spawner may start target with the given CLI.
func (g *Gate) CanSpawn(ctx context.Context, spawner, target, cli string) Decision {
	d := g.decide(ctx, spawner, func(p *Policy, src Source) Decision {
		if p.CanSpawn != nil && !*p.CanSpawn {
			return deny(src, p.Name, fmt.Sprintf("%s may not spawn agents", spawner))
		}
		if p.MaxSpawns > 0 {
			g.mu.RLock()
			live := g.spawns[spawner]
			g.mu.RUnlock()
			if live >= p.MaxSpawns {
				return deny(src, p.Name, fmt.Sprintf("%s reached its spawn limit of %d", spawner, p.MaxSpawns))
			}
		}
		return allow(src, p.Name)
	})
	if d.Allowed {
		// The target must also consent to being spawned.
		tp, src, ok := g.effectivePolicy(ctx, target)
		if !ok && g.strictMode() {
			p := strictDefault
			tp, src, ok = &p, SourceDefault, true
		}
		if ok && tp.CanBeSpawned != nil && !*tp.CanBeSpawned {
			d = deny(src, tp.Name, fmt.Sprintf("%s may not be spawned", target))
		}
	}
	g.record("spawn", spawner, target+"/"+cli, d)
	return d
}

// RecordSpawn and RecordStop maintain the live spawn counts behind
// MaxSpawns enforcement.
func (g *Gate) RecordSpawn(spawner string) {
	g.mu.Lock()
	g.spawns[spawner]++
	g.mu.Unlock()
}

func (g *Gate) RecordStop(spawner string) {
	g.mu.Lock()
	if g.spawns[spawner] > 0 {
		g.spawns[spawner]--
	}
	g.mu.Unlock()
}

// CanMessage decides whether sender may message recipient.
func (g *Gate) CanMessage(ctx context.Context, sender, recipient string) Decision {
	d := g.decide(ctx, sender, func(p *Policy, src Source) Decision {
		if len(p.CanMessage) > 0 && !matchAny(p.CanMessage, recipient) {
			return deny(src, p.Name, fmt.Sprintf("%s may not message %s", sender, recipient))
		}
		if p.RateLimit > 0 && !g.withinRate(sender, p.RateLimit) {
			return deny(src, p.Name, fmt.Sprintf("%s exceeded %d messages per minute", sender, p.RateLimit))
		}
		return allow(src, p.Name)
	})
	g.record("message", sender, recipient, d)
	return d
}

// CanUseTool decides whether agent may invoke tool.
func (g *Gate) CanUseTool(ctx context.Context, agent, tool string) Decision {
	d := g.decide(ctx, agent, func(p *Policy, src Source) Decision {
		if len(p.AllowedTools) > 0 && !matchAny(p.AllowedTools, tool) {
			return deny(src, p.Name, fmt.Sprintf("tool %s is not in %s's allowed set", tool, agent))
		}
		return allow(src, p.Name)
	})
	g.record("tool", agent, tool, d)
	return d
}

func allow(src Source, matched string) Decision {
	return Decision{Allowed: true, Reason: "allowed", Source: src, MatchedPolicy: matched}
}

func deny(src Source, matched, reason string) Decision {
	return Decision{Allowed: false, Reason: reason, Source: src, MatchedPolicy: matched}
}

// decide resolves the agent's effective policy and applies check to it.
func (g *Gate) decide(ctx context.Context, agent string, check func(*Policy, Source) Decision) Decision {
	if p, src, ok := g.effectivePolicy(ctx, agent); ok {
		return check(p, src)
	}
	if g.strictMode() {
		p := strictDefault
		return check(&p, SourceDefault)
	}
	return Decision{Allowed: true, Reason: "no policy configured", Source: SourceDefault}
}

// effectivePolicy walks the layers: repo file, local files, workspace.
func (g *Gate) effectivePolicy(ctx context.Context, agent string) (*Policy, Source, bool) {
	g.mu.RLock()
	repo, local := g.repo, g.local
	g.mu.RUnlock()

	if p, ok := findPolicy(repo, agent); ok {
		return p, SourceRepo, true
	}
	if p, ok := findPolicy(local, agent); ok {
		return p, SourceLocal, true
	}
	if ws := g.workspacePolicies(ctx); ws != nil {
		if p, ok := findPolicy(ws, agent); ok {
			return p, SourceWorkspace, true
		}
	}
	return nil, SourceDefault, false
}

// workspacePolicies serves the cloud policy set from the TTL cache,
// refetching on miss and falling back to the last good copy on error.
func (g *Gate) workspacePolicies(ctx context.Context) []Policy {
	if g.fetcher == nil {
		return nil
	}
	if cached, ok := g.wsCache.Get("workspace"); ok {
		return cached
	}
	fetched, err := g.fetcher.FetchWorkspacePolicies(ctx)
	if err != nil {
		g.logger.Warn("workspace policy fetch failed, serving stale", "error", err)
		g.mu.RLock()
		defer g.mu.RUnlock()
		return g.lastGood
	}
	g.wsCache.Add("workspace", fetched)
	g.mu.Lock()
	g.lastGood = fetched
	g.mu.Unlock()
	return fetched
}

func (g *Gate) strictMode() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.opts.StrictMode || g.repoOpts.RequireExplicitAgents
}

// withinRate applies a one-minute sliding window per sender.
func (g *Gate) withinRate(sender string, limit int) bool {
	now := time.Now()
	cutoff := now.Add(-time.Minute)
	g.mu.Lock()
	defer g.mu.Unlock()
	marks := g.rateMarks[sender]
	kept := marks[:0]
	for _, m := range marks {
		if m.After(cutoff) {
			kept = append(kept, m)
		}
	}
	if len(kept) >= limit {
		g.rateMarks[sender] = kept
		return false
	}
	g.rateMarks[sender] = append(kept, now)
	return true
}

// record appends to the audit ring, halving it on overflow.
func (g *Gate) record(action, agent, target string, d Decision) {
	metrics.PolicyDecisions.WithLabelValues(action, strconv.FormatBool(d.Allowed)).Inc()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.audit = append(g.audit, AuditEntry{
		Time: time.Now(), Action: action, Agent: agent, Target: target, Decision: d,
	})
	if len(g.audit) > auditLimit {
		g.audit = append([]AuditEntry(nil), g.audit[len(g.audit)/2:]...)
	}
}

// AuditLog returns a copy of the audit ring, oldest first.
func (g *Gate) AuditLog() []AuditEntry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]AuditEntry, len(g.audit))
	copy(out, g.audit)
	return out
}
