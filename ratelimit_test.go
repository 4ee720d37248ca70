/*
 *    Copyright 2025 Jeff Galyan
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *        http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package waypoint_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	q "github.com/jrgalyan/waypoint"
)

// rateLimitServe builds a new RateLimit stage on every call, so tests that
// expect limiter state to carry over between calls set cfg.Store to one
// shared store.
func rateLimitServe(cfg q.RateLimitConfig, setup func(*http.Request)) *httptest.ResponseRecorder {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	h := q.RateLimit(cfg)(inner)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if setup != nil {
		setup(req)
	}
	h.ServeHTTP(rr, req)
	return rr
}

var _ = Describe("RateLimit stage", func() {
	It("allows requests within the rate limit", func() {
		cfg := q.RateLimitConfig{Rate: 100, Burst: 10}
		for i := 0; i < 10; i++ {
			rr := rateLimitServe(cfg, nil)
			Expect(rr.Code).To(Equal(http.StatusOK))
		}
	})

	It("returns 429 when burst is exceeded", func() {
		cfg := q.RateLimitConfig{Rate: 1, Burst: 2, Store: q.NewMemoryRateLimitStore(0, 0)}
		for i := 0; i < 2; i++ {
			rr := rateLimitServe(cfg, nil)
			Expect(rr.Code).To(Equal(http.StatusOK))
		}
		rr := rateLimitServe(cfg, nil)
		Expect(rr.Code).To(Equal(http.StatusTooManyRequests))
	})

	It("includes Retry-After header on 429", func() {
		cfg := q.RateLimitConfig{Rate: 1, Burst: 1, Store: q.NewMemoryRateLimitStore(0, 0)}
		rr := rateLimitServe(cfg, nil)
		Expect(rr.Code).To(Equal(http.StatusOK))

		rr = rateLimitServe(cfg, nil)
		Expect(rr.Code).To(Equal(http.StatusTooManyRequests))
		ra := rr.Header().Get("Retry-After")
		Expect(ra).NotTo(BeEmpty())
		seconds, err := strconv.Atoi(ra)
		Expect(err).NotTo(HaveOccurred())
		Expect(seconds).To(BeNumerically(">=", 1))
	})

	It("returns JSON error body on 429", func() {
		cfg := q.RateLimitConfig{Rate: 1, Burst: 1, Store: q.NewMemoryRateLimitStore(0, 0)}
		rr := rateLimitServe(cfg, nil)
		Expect(rr.Code).To(Equal(http.StatusOK))

		rr = rateLimitServe(cfg, nil)
		Expect(rr.Code).To(Equal(http.StatusTooManyRequests))
		var errResp map[string]string
		Expect(json.Unmarshal(rr.Body.Bytes(), &errResp)).To(Succeed())
		Expect(errResp["error"]).To(Equal("rate limit exceeded"))
	})

	It("tracks clients independently", func() {
		cfg := q.RateLimitConfig{Rate: 1, Burst: 1, Store: q.NewMemoryRateLimitStore(0, 0)}

		rr := rateLimitServe(cfg, func(r *http.Request) { r.RemoteAddr = "1.2.3.4:1234" })
		Expect(rr.Code).To(Equal(http.StatusOK))

		rr = rateLimitServe(cfg, func(r *http.Request) { r.RemoteAddr = "1.2.3.4:1234" })
		Expect(rr.Code).To(Equal(http.StatusTooManyRequests))

		rr = rateLimitServe(cfg, func(r *http.Request) { r.RemoteAddr = "5.6.7.8:5678" })
		Expect(rr.Code).To(Equal(http.StatusOK))
	})

	It("refills tokens over time", func() {
		cfg := q.RateLimitConfig{Rate: 100, Burst: 1, Store: q.NewMemoryRateLimitStore(0, 0)}
		rr := rateLimitServe(cfg, nil)
		Expect(rr.Code).To(Equal(http.StatusOK))

		rr = rateLimitServe(cfg, nil)
		Expect(rr.Code).To(Equal(http.StatusTooManyRequests))

		time.Sleep(50 * time.Millisecond)

		rr = rateLimitServe(cfg, nil)
		Expect(rr.Code).To(Equal(http.StatusOK))
	})

	It("uses X-Forwarded-For for client identification", func() {
		cfg := q.RateLimitConfig{Rate: 1, Burst: 1, Store: q.NewMemoryRateLimitStore(0, 0)}
		setup := func(r *http.Request) { r.Header.Set("X-Forwarded-For", "10.0.0.1, 172.16.0.1") }

		rr := rateLimitServe(cfg, setup)
		Expect(rr.Code).To(Equal(http.StatusOK))

		rr = rateLimitServe(cfg, setup)
		Expect(rr.Code).To(Equal(http.StatusTooManyRequests))
	})

	It("supports custom KeyFunc", func() {
		cfg := q.RateLimitConfig{
			Rate:  1,
			Burst: 1,
			Store: q.NewMemoryRateLimitStore(0, 0),
			KeyFunc: func(r *http.Request) string {
				return r.Header.Get("X-API-Key")
			},
		}

		rr := rateLimitServe(cfg, func(r *http.Request) { r.Header.Set("X-API-Key", "a") })
		Expect(rr.Code).To(Equal(http.StatusOK))

		rr = rateLimitServe(cfg, func(r *http.Request) { r.Header.Set("X-API-Key", "a") })
		Expect(rr.Code).To(Equal(http.StatusTooManyRequests))

		rr = rateLimitServe(cfg, func(r *http.Request) { r.Header.Set("X-API-Key", "b") })
		Expect(rr.Code).To(Equal(http.StatusOK))
	})
})
