package policy

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/vllm-project/llm-router/internal/redis"
	"github.com/vllm-project/llm-router/internal/registry"
)

// sessionTableCapacity bounds the in-process LRU so a long-running router
// with churning session keys doesn't grow memory unbounded (spec.md §3
// SessionTable).
const sessionTableCapacity = 100_000

// sessionRedisTTL bounds how long a write-through binding survives in
// Redis after the in-process entry would have been evicted anyway.
const sessionRedisTTL = time.Hour

// ringReplicas is the number of virtual nodes per backend on the
// consistent-hash ring; more replicas spread load more evenly across
// backends at the cost of a larger ring to search (spec.md §4.4).
const ringReplicas = 100

// Session routes by a sticky consistent-hash assignment keyed on
// req.SessionKey, backed by a bounded in-process LRU and an optional Redis
// write-through so a second replica (or a restart) can recover affinity
// instead of starting cold (spec.md §3, §9; SPEC_FULL §11). Requests with
// no session key fall back to fallback.Choose.
type Session struct {
	table    *lru.Cache[string, string]
	redis    *redis.Client
	logger   *zap.Logger
	fallback Policy
}

// NewSession builds a session-affinity policy. redisClient may be nil, in
// which case affinity is in-process only.
func NewSession(redisClient *redis.Client, logger *zap.Logger, fallback Policy) (*Session, error) {
	table, err := lru.New[string, string](sessionTableCapacity)
	if err != nil {
		return nil, err
	}
	if fallback == nil {
		fallback = NewRoundRobin()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{table: table, redis: redisClient, logger: logger, fallback: fallback}, nil
}

func (s *Session) Name() string { return "session" }

// Choose returns the endpoint bound to req.SessionKey if one is cached and
// still present among candidates, otherwise assigns one by consistent hash
// and remembers the assignment for subsequent requests with the same key.
func (s *Session) Choose(candidates []registry.Endpoint, req Request) (registry.Endpoint, error) {
	if len(candidates) == 0 {
		return registry.Endpoint{}, ErrNoCandidate
	}
	if req.SessionKey == "" {
		return s.fallback.Choose(candidates, req)
	}

	if url, ok := s.table.Get(req.SessionKey); ok {
		if ep, found := lookupURL(candidates, url); found {
			return ep, nil
		}
		// Bound backend left the candidate set; fall through to reassign.
	} else if s.redis != nil {
		if cached, err := s.redis.Get(context.Background(), sessionRedisKey(req.SessionKey)); err == nil {
			if ep, found := lookupURL(candidates, cached); found {
				s.table.Add(req.SessionKey, cached)
				return ep, nil
			}
		} else if !errors.Is(err, redis.ErrNotFound) {
			s.logger.Warn("session redis lookup failed", zap.Error(err))
		}
	}

	chosen := pickByConsistentHash(candidates, req.SessionKey)
	s.table.Add(req.SessionKey, chosen.URL)
	if s.redis != nil {
		if err := s.redis.SetWithTTL(context.Background(), sessionRedisKey(req.SessionKey), chosen.URL, sessionRedisTTL); err != nil {
			s.logger.Warn("session redis write-through failed", zap.Error(err))
		}
	}
	return chosen, nil
}

func sessionRedisKey(sessionKey string) string {
	return "llm-router:session:" + sessionKey
}

func lookupURL(candidates []registry.Endpoint, url string) (registry.Endpoint, bool) {
	for _, ep := range candidates {
		if ep.URL == url {
			return ep, true
		}
	}
	return registry.Endpoint{}, false
}

type ringPoint struct {
	hash uint32
	url  string
}

// pickByConsistentHash builds a ring over candidates (ringReplicas virtual
// nodes each) and returns the candidate owning the first point clockwise
// from hash(key). Rebuilding per call keeps membership changes (the
// dominant cost in spec.md §4.4's minimal-disruption requirement) correct
// without maintaining a separate incrementally-updated ring structure; the
// candidate lists here are small enough (tens to low hundreds of backends)
// that this is cheap relative to the network round trip it precedes.
func pickByConsistentHash(candidates []registry.Endpoint, key string) registry.Endpoint {
	ring := make([]ringPoint, 0, len(candidates)*ringReplicas)
	for _, ep := range candidates {
		for i := 0; i < ringReplicas; i++ {
			ring = append(ring, ringPoint{hash: hashString(ep.URL, i), url: ep.URL})
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].hash < ring[j].hash })

	target := hashString(key, -1)
	idx := sort.Search(len(ring), func(i int) bool { return ring[i].hash >= target })
	if idx == len(ring) {
		idx = 0
	}
	owner := ring[idx].url
	ep, _ := lookupURL(candidates, owner)
	return ep
}

func hashString(s string, replica int) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	if replica >= 0 {
		h.Write([]byte{byte(replica), byte(replica >> 8)})
	}
	return h.Sum32()
}
