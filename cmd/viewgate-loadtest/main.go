// Command viewgate-loadtest opens many routers on one session store, drives random
// sign-ins, sign-outs, and account deletions from separate writer contexts, then checks
// that every router converges on the view the final store contents imply.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/okiedoc/viewgate"
	"github.com/okiedoc/viewgate/internal/sessioncheck"
	"github.com/okiedoc/viewgate/store"
	"github.com/redis/go-redis/v9"
)

func main() {
	var (
		routers     = flag.Int("routers", 200, "number of routers (tabs) following the store")
		users       = flag.Int("users", 8, "number of distinct user records")
		concurrency = flag.Int("concurrency", 16, "number of writer contexts")
		ops         = flag.Int("ops", 20000, "total writer operations")
		driver      = flag.String("store", "memory", "memory or redis")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		settle      = flag.Duration("settle", 10*time.Second, "maximum time to wait for convergence")
	)
	flag.Parse()

	if *routers <= 0 || *users <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "routers, users, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	backend, cleanup, err := openBackend(*driver, *redisAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer cleanup()

	gate, err := viewgate.New().WithMetricsEnabled(true).WithLatencyHistograms(true).Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build gate: %v\n", err)
		os.Exit(1)
	}
	defer gate.Close()

	ctx := context.Background()
	profile := viewgate.PatientProfile()

	opened := make([]*viewgate.Router, 0, *routers)
	for i := 0; i < *routers; i++ {
		r, err := gate.Open(ctx, profile.Name, backend.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "open router %d: %v\n", i, err)
			os.Exit(1)
		}
		opened = append(opened, r)
	}
	fmt.Printf("opened %d routers\n", len(opened))

	stats := runWriters(ctx, backend, profile, *users, *ops, *concurrency)

	start := time.Now()
	converged, mismatched := waitConverged(ctx, backend.Context(), profile, opened, *settle)
	fmt.Println("---- results ----")
	printStats("writes", stats)
	if converged {
		fmt.Printf("converged in %s\n", time.Since(start).Round(time.Millisecond))
	} else {
		fmt.Printf("NOT converged after %s: %d routers disagree with the store\n", *settle, mismatched)
	}
	printMetrics(gate.MetricsSnapshot())

	if !converged {
		os.Exit(1)
	}
}

func openBackend(driver, addr string) (store.Backend, func(), error) {
	switch driver {
	case store.DriverMemory:
		mem := store.NewMemory(store.WithMemorySubscriptionBuffer(256))
		fmt.Println("using in-process memory store")
		return mem, func() { _ = mem.Close() }, nil
	case store.DriverRedis:
	default:
		return nil, nil, fmt.Errorf("unknown store %q", driver)
	}

	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	stopEmbedded := func() {}
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to start miniredis: %w", err)
		}
		addr = mr.Addr()
		stopEmbedded = mr.Close
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		fmt.Printf("using redis at %s\n", addr)
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	backend := store.NewRedis(client, store.RedisOptions{Prefix: "okd-load", SubscriptionBuffer: 256})
	return backend, func() {
		_ = client.Close()
		stopEmbedded()
	}, nil
}

func runWriters(ctx context.Context, backend store.Backend, profile viewgate.RoleProfile, users, ops, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			st := backend.Context()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				email := fmt.Sprintf("user%d@load.test", r.Intn(users))
				t0 := time.Now()
				err := randomAction(ctx, st, profile, r, email)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

func randomAction(ctx context.Context, st store.Store, p viewgate.RoleProfile, r *rand.Rand, email string) error {
	switch r.Intn(4) {
	case 0: // register
		return st.Set(ctx, email, `{"email":"`+email+`"}`)
	case 1: // sign in
		if err := st.Set(ctx, p.CurrentUserKey, email); err != nil {
			return err
		}
		return st.Set(ctx, p.SessionFlagKey, "true")
	case 2: // sign out
		if err := st.Remove(ctx, p.CurrentUserKey); err != nil {
			return err
		}
		return st.Remove(ctx, p.SessionFlagKey)
	default: // delete account
		return st.Remove(ctx, email)
	}
}

// waitConverged polls until every router shows the view the store implies. Routers may
// still be cleaning up orphaned sessions, so the expected view is re-read on every poll.
func waitConverged(ctx context.Context, st store.Store, p viewgate.RoleProfile, routers []*viewgate.Router, limit time.Duration) (bool, int) {
	deadline := time.Now().Add(limit)
	mismatched := len(routers)
	for time.Now().Before(deadline) {
		want, err := expectedView(ctx, st, p)
		if err == nil {
			mismatched = 0
			for _, r := range routers {
				if r.View() != want {
					mismatched++
				}
			}
			if mismatched == 0 {
				return true, 0
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false, mismatched
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name, s.ops, s.failures, s.total.Round(time.Millisecond), s.opsPerS,
		s.p50.Round(time.Microsecond), s.p95.Round(time.Microsecond), s.p99.Round(time.Microsecond))
}

var bucketLabels = [...]string{"<=1ms", "<=2ms", "<=5ms", "<=10ms", "<=25ms", "<=50ms", "<=100ms", ">100ms"}

func printMetrics(s viewgate.MetricsSnapshot) {
	fmt.Printf("evaluations: initialize=%d storage_change=%d orphan_cleared=%d store_errors=%d\n",
		s.Counters[viewgate.MetricInitialize],
		s.Counters[viewgate.MetricStorageChange],
		s.Counters[viewgate.MetricOrphanSessionCleared],
		s.Counters[viewgate.MetricStoreError])

	buckets := s.Histograms[viewgate.MetricEvaluateLatency]
	var total uint64
	for _, c := range buckets {
		total += c
	}
	if total == 0 {
		return
	}
	fmt.Print("evaluation latency:")
	var running uint64
	for i, c := range buckets {
		running += c
		fmt.Printf(" %s=%.1f%%", bucketLabels[i], 100*float64(running)/float64(total))
	}
	fmt.Println()
}

// expectedView is the view every router must settle on for the store's current contents.
func expectedView(ctx context.Context, st store.Store, p viewgate.RoleProfile) (viewgate.View, error) {
	s, err := sessioncheck.Read(ctx, st, sessioncheck.Keys{
		Flag:        p.SessionFlagKey,
		CurrentUser: p.CurrentUserKey,
	}, viewgate.DefaultConfig().Router.SessionFlagTrueValue)
	if err != nil {
		return "", err
	}
	if s.Valid() {
		return viewgate.ViewDashboard, nil
	}
	return p.DefaultView, nil
}
