package detector

import (
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/tradewell/abuseguard/domain/entity"
)

// Pattern checks inspect at most this much of any single value, keeping the
// per-request cost flat regardless of payload size.
const maxInspectLen = 512

var (
	sqlInjectionPattern    = regexp.MustCompile(`(?i)(\bunion\b[\s/*]+\bselect\b|\bselect\b.+\bfrom\b|\bdrop\s+table\b|\binsert\s+into\b|'\s*or\s+'?1'?\s*=\s*'?1|--\s|;\s*shutdown)`)
	pathTraversalPattern   = regexp.MustCompile(`(\.\./|\.\.\\|%2e%2e%2f|%2e%2e/|\.\.%2f)`)
	scriptInjectionPattern = regexp.MustCompile(`(?i)(<script\b|javascript:|\bonerror\s*=|\bonload\s*=|<iframe\b|eval\s*\()`)
)

// Detector flags requests whose shape indicates abuse, independent of
// request frequency: injection patterns in parameters, duplicate-parameter
// flooding, and header fingerprints reused across many distinct source IPs
// in a short window. Classification is advisory; callers decide whether a
// severe tag escalates to a block.
type Detector struct {
	logger *zap.Logger

	maxDuplicateParams int

	// Fingerprint fan-out tracking, bounded by an LRU so a high-cardinality
	// attack cannot grow it without bound.
	fingerprints      *lru.Cache[uint64, *fingerprintEntry]
	fingerprintWindow time.Duration
	fingerprintMaxIPs int
	mu                sync.Mutex

	now func() time.Time
}

type fingerprintEntry struct {
	ips         map[string]struct{}
	windowStart time.Time
}

// Options configures the detector
type Options struct {
	MaxDuplicateParams  int
	FingerprintCacheLen int
	FingerprintWindow   time.Duration
	FingerprintMaxIPs   int
}

// New creates a suspicious request detector
func New(opts Options, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxDuplicateParams <= 0 {
		opts.MaxDuplicateParams = 10
	}
	if opts.FingerprintCacheLen <= 0 {
		opts.FingerprintCacheLen = 4096
	}
	if opts.FingerprintWindow <= 0 {
		opts.FingerprintWindow = time.Minute
	}
	if opts.FingerprintMaxIPs <= 0 {
		opts.FingerprintMaxIPs = 20
	}

	// Only errors on non-positive size.
	fingerprints, err := lru.New[uint64, *fingerprintEntry](opts.FingerprintCacheLen)
	if err != nil {
		panic(err)
	}

	return &Detector{
		logger:             logger,
		maxDuplicateParams: opts.MaxDuplicateParams,
		fingerprints:       fingerprints,
		fingerprintWindow:  opts.FingerprintWindow,
		fingerprintMaxIPs:  opts.FingerprintMaxIPs,
		now:                time.Now,
	}
}

// Classify inspects a request's shape and returns advisory tags. It never
// errors and runs in O(1) amortized per request.
func (d *Detector) Classify(rc *entity.RequestContext) entity.Classification {
	if rc == nil {
		return entity.Classification{}
	}

	var tags []string

	if tag := d.matchPatterns(rc.Path); tag != "" {
		tags = appendUnique(tags, tag)
	}
	for name, values := range rc.Query {
		if len(values) > d.maxDuplicateParams {
			tags = appendUnique(tags, entity.TagParameterFlood)
		}
		if tag := d.matchPatterns(name); tag != "" {
			tags = appendUnique(tags, tag)
		}
		for _, v := range values {
			if tag := d.matchPatterns(v); tag != "" {
				tags = appendUnique(tags, tag)
			}
		}
	}

	if d.fingerprintReused(rc) {
		tags = appendUnique(tags, entity.TagFingerprintReuse)
	}

	if len(tags) == 0 {
		return entity.Classification{}
	}
	return entity.Classification{Suspicious: true, Tags: tags}
}

func (d *Detector) matchPatterns(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > maxInspectLen {
		value = value[:maxInspectLen]
	}

	switch {
	case sqlInjectionPattern.MatchString(value):
		return entity.TagSQLInjection
	case pathTraversalPattern.MatchString(value):
		return entity.TagPathTraversal
	case scriptInjectionPattern.MatchString(value):
		return entity.TagScriptInjection
	}
	return ""
}

// fingerprintReused tracks how many distinct source IPs present the same
// header fingerprint inside the window. Crossing the threshold suggests a
// botnet sharing one client implementation.
func (d *Detector) fingerprintReused(rc *entity.RequestContext) bool {
	if rc.IP == "" || rc.UserAgent == "" {
		return false
	}

	fp := fingerprint(rc)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.fingerprints.Get(fp)
	if !ok || e == nil || now.Sub(e.windowStart) >= d.fingerprintWindow {
		d.fingerprints.Add(fp, &fingerprintEntry{
			ips:         map[string]struct{}{rc.IP: {}},
			windowStart: now,
		})
		return false
	}

	if _, seen := e.ips[rc.IP]; !seen {
		// Cap the per-fingerprint IP set; past the threshold the exact
		// count no longer matters.
		if len(e.ips) <= d.fingerprintMaxIPs {
			e.ips[rc.IP] = struct{}{}
		}
	}

	return len(e.ips) >= d.fingerprintMaxIPs
}

// fingerprint hashes the stable client headers into a cache key. FNV keeps
// it allocation-free; this is a cache key, not a security digest.
func fingerprint(rc *entity.RequestContext) uint64 {
	h := fnv.New64a()
	h.Write([]byte(rc.UserAgent))
	for _, name := range []string{"Accept", "Accept-Language", "Accept-Encoding"} {
		h.Write([]byte{0})
		h.Write([]byte(rc.Headers[name]))
	}
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(len(rc.Headers))))
	return h.Sum64()
}

func appendUnique(tags []string, tag string) []string {
	for _, t := range tags {
		if t == tag {
			return tags
		}
	}
	return append(tags, tag)
}

// Describe returns a human-readable summary of a classification for logs.
func Describe(c entity.Classification) string {
	if !c.Suspicious {
		return "clean"
	}
	return strings.Join(c.Tags, ",")
}
