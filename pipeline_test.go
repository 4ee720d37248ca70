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
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	q "github.com/jrgalyan/waypoint"
)

// recordingConsumer captures every callback it receives so tests can assert
// on call counts and ordering without racing the pipeline goroutine, since
// the pipeline delivers Chunk/Finished/HandleError strictly serialized.
type recordingConsumer struct {
	mu         sync.Mutex
	chunks     [][]byte
	finished   int
	errs       []error
	totalBytes int
}

func (c *recordingConsumer) Chunk(data []byte, _ *q.Responder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := append([]byte(nil), data...)
	c.chunks = append(c.chunks, cp)
	c.totalBytes += len(data)
}

func (c *recordingConsumer) Finished(resp *q.Responder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished++
	resp.SendStatus(http.StatusOK)
}

func (c *recordingConsumer) HandleError(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, cause)
}

func (c *recordingConsumer) snapshot() (chunks int, bytes int, finished int, errs []error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks), c.totalBytes, c.finished, append([]error(nil), c.errs...)
}

// erroringReader yields data for a while and then fails with a non-EOF
// error, standing in for a client that disconnects mid-upload (spec §8
// scenario 6).
type erroringReader struct {
	remaining []byte
	failWith  error
}

func (r *erroringReader) Read(p []byte) (int, error) {
	if len(r.remaining) == 0 {
		return 0, r.failWith
	}
	n := copy(p, r.remaining)
	r.remaining = r.remaining[n:]
	return n, nil
}

func buildStreamingServer(consumer *recordingConsumer) *q.Server {
	b := q.NewBuilder()
	b.Registry().Resource("/stream").POST().Stream(func(_ *q.Request, _ *q.Responder, _ q.BoundParams) q.BodyConsumer {
		return consumer
	})
	return b.Build()
}

var _ = Describe("streaming request pipeline", func() {
	It("delivers many chunks followed by exactly one Finished call (spec §8 scenario 5)", func() {
		consumer := &recordingConsumer{}
		srv := buildStreamingServer(consumer)

		body := strings.Repeat("a", 200*1024)
		rr := httptest.NewRecorder()
		srv.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/stream", strings.NewReader(body)))

		Expect(rr.Code).To(Equal(http.StatusOK))
		chunks, total, finished, errs := consumer.snapshot()
		Expect(chunks).To(BeNumerically(">", 1))
		Expect(total).To(Equal(len(body)))
		Expect(finished).To(Equal(1))
		Expect(errs).To(BeEmpty())
	})

	It("delivers zero Chunk calls and exactly one Finished for a zero-length body", func() {
		consumer := &recordingConsumer{}
		srv := buildStreamingServer(consumer)

		rr := httptest.NewRecorder()
		srv.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/stream", strings.NewReader("")))

		Expect(rr.Code).To(Equal(http.StatusOK))
		chunks, _, finished, errs := consumer.snapshot()
		Expect(chunks).To(Equal(0))
		Expect(finished).To(Equal(1))
		Expect(errs).To(BeEmpty())
	})

	It("delivers exactly one HandleError and no Finished on a mid-stream disconnect (spec §8 scenario 6)", func() {
		consumer := &recordingConsumer{}
		srv := buildStreamingServer(consumer)

		reader := &erroringReader{remaining: []byte("partial-body"), failWith: errors.New("connection reset")}
		rr := httptest.NewRecorder()
		srv.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/stream", reader))

		_, _, finished, errs := consumer.snapshot()
		Expect(finished).To(Equal(0))
		Expect(errs).To(HaveLen(1))

		var se *q.StatusError
		Expect(errors.As(errs[0], &se)).To(BeTrue())
		Expect(se.Kind).To(Equal(q.KindDisconnect))
	})

	It("drains the remaining body without further callbacks when the handler rejects immediately", func() {
		b := q.NewBuilder()
		b.Registry().Resource("/reject").POST().Stream(func(_ *q.Request, resp *q.Responder, _ q.BoundParams) q.BodyConsumer {
			resp.SendStatus(http.StatusServiceUnavailable)
			return nil
		})
		srv := b.Build()

		rr := httptest.NewRecorder()
		srv.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/reject", strings.NewReader("ignored")))
		Expect(rr.Code).To(Equal(http.StatusServiceUnavailable))
	})

	It("keeps an already-sent response when the handler panics afterwards", func() {
		b := q.NewBuilder()
		b.Registry().Resource("/boom").POST().Handle(func(_ *q.Request, resp *q.Responder, _ q.BoundParams) {
			resp.SendString(http.StatusOK, "first", nil)
			panic("second failure after response already sent")
		})
		srv := b.Build()

		rr := httptest.NewRecorder()
		srv.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/boom", strings.NewReader("")))
		Expect(rr.Code).To(Equal(http.StatusOK))
		Expect(rr.Body.String()).To(Equal("first"))
	})
})
