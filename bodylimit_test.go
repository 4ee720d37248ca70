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
	"io"
	"net/http"
	"net/http/httptest"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	q "github.com/jrgalyan/waypoint"
)

// buildEchoServer registers a single aggregating resource at "/upload" that
// echoes the buffered body back, capped at limit bytes (spec §4.4's
// aggregation stage). limit <= 0 means unlimited.
func buildEchoServer(limit int64) *q.Server {
	b := q.NewBuilder().SetHTTPChunkLimit(limit)
	b.Registry().Resource("/upload").POST().Handle(func(req *q.Request, resp *q.Responder, _ q.BoundParams) {
		body, _ := io.ReadAll(req.Raw().Body)
		resp.SendString(http.StatusOK, string(body), nil)
	})
	return b.Build()
}

var _ = Describe("aggregation body-size limit", func() {
	It("allows a body of exactly the configured limit (spec §8 boundary)", func() {
		srv := buildEchoServer(5)
		rr := httptest.NewRecorder()
		srv.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("hello")))
		Expect(rr.Code).To(Equal(http.StatusOK))
	})

	It("fails with InternalServerError one byte over the limit (spec §8 boundary)", func() {
		srv := buildEchoServer(5)
		rr := httptest.NewRecorder()
		srv.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("hello!")))
		Expect(rr.Code).To(Equal(http.StatusInternalServerError))
	})

	It("does not enforce a limit when chunkMemoryLimit is non-positive", func() {
		srv := buildEchoServer(0)
		rr := httptest.NewRecorder()
		bigBody := strings.Repeat("x", 10_000)
		srv.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(bigBody)))
		Expect(rr.Code).To(Equal(http.StatusOK))
		Expect(rr.Body.Len()).To(Equal(10_000))
	})

	It("rejects a body well over the limit", func() {
		srv := buildEchoServer(10)
		rr := httptest.NewRecorder()
		body := strings.Repeat("x", 100)
		srv.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(body)))
		Expect(rr.Code).To(Equal(http.StatusInternalServerError))
	})
})
