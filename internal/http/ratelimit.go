package httpapi

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Token-bucket limiter shared across instances through Redis. Applied to
// the public claim group, keyed by client IP and route. Fails open: a
// Redis error never blocks a legitimate request.
var limiterScript = redis.NewScript(`
	local key = KEYS[1]
	local now_ms = tonumber(ARGV[1])
	local capacity = tonumber(ARGV[2])
	local refill_interval_ms = tonumber(ARGV[3])
	local ttl_seconds = tonumber(ARGV[4])

	local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
	local tokens = tonumber(state[1])
	local last_refill = tonumber(state[2])

	if tokens == nil or last_refill == nil then
		tokens = capacity
		last_refill = now_ms
	end

	if refill_interval_ms > 0 then
		local elapsed = math.max(0, now_ms - last_refill)
		local intervals = math.floor(elapsed / refill_interval_ms)
		if intervals > 0 then
			tokens = math.min(capacity, tokens + intervals)
			last_refill = last_refill + (intervals * refill_interval_ms)
		end
	end

	local allowed = 0
	local retry_after_ms = 0
	if tokens > 0 then
		allowed = 1
		tokens = tokens - 1
	else
		retry_after_ms = math.max(0, refill_interval_ms - (now_ms - last_refill))
	end

	redis.call('HMSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
	redis.call('EXPIRE', key, ttl_seconds)

	return { allowed, tokens, retry_after_ms }
`)

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	if !s.cfg.RateLimitEnabled || s.rdb == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "rl:sub:" + remoteIP(r) + ":" + r.Method + " " + routeTemplate(r)
		args := []interface{}{
			time.Now().UnixMilli(),
			s.cfg.RateLimitCapacity,
			s.cfg.RateLimitRefill.Milliseconds(),
			int64(10 * time.Minute / time.Second),
		}
		vals, err := limiterScript.Run(r.Context(), s.rdb, []string{key}, args...).Result()
		if err != nil {
			s.logger.Warn("rate limiter unavailable", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		arr, ok := vals.([]interface{})
		if !ok || len(arr) != 3 {
			next.ServeHTTP(w, r)
			return
		}
		allowed := asInt64(arr[0]) == 1
		remaining := asInt64(arr[1])
		retryMs := asInt64(arr[2])

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.cfg.RateLimitCapacity))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		if !allowed {
			secs := int(math.Ceil(float64(retryMs) / 1000.0))
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeDetail(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
