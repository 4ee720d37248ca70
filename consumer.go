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

package waypoint

// BodyConsumer is the sink for incoming chunks of a streamed request body.
// The pipeline controller guarantees: at most one active consumer per
// connection; Chunk is called zero or more times, strictly serialized (no
// two Chunk calls overlap); exactly one of Finished or HandleError is
// eventually called, and never both. HandleError must not write to resp —
// the connection may already be gone; Chunk and Finished may write a
// streaming or final response respectively.
type BodyConsumer interface {
	// Chunk delivers one arrived chunk of the request body, in on-wire order.
	Chunk(data []byte, resp *Responder)
	// Finished is called exactly once after the terminating chunk, and only
	// if HandleError was never called.
	Finished(resp *Responder)
	// HandleError is called exactly once if the parser fails or the client
	// disconnects prematurely. No further Chunk or Finished calls follow.
	HandleError(cause error)
}

// BodyProducer is the source of outgoing chunks for a streamed response.
// The Responder's send loop calls NextChunk repeatedly — only when the
// underlying transport is writable, which is the mechanism providing
// backpressure without an explicit flow-control API — until it returns an
// empty slice (EOF), then calls Finished. All three methods are serialized
// for a given producer; they are never called concurrently.
type BodyProducer interface {
	// NextChunk returns the next slice of bytes to write, or an empty slice
	// to signal end of stream.
	NextChunk() ([]byte, error)
	// Finished is called once NextChunk has signaled EOF and the final
	// chunk has been flushed.
	Finished()
	// HandleError is called if a write to the transport fails mid-stream.
	HandleError(cause error)
}

// BodyConsumerFunc-style helpers are intentionally not provided: a consumer
// spans three correlated callbacks and a struct implementation reads more
// clearly than three captured closures glued together.

// oneShotConsumer wraps a BodyConsumer with the one-shot terminal guard
// spec §4.4/§9 requires the pipeline controller to enforce, rather than
// leaving it to every consumer implementation.
type oneShotConsumer struct {
	inner      BodyConsumer
	terminated bool
}

func (o *oneShotConsumer) Chunk(data []byte, resp *Responder) {
	if o.terminated {
		return
	}
	o.inner.Chunk(data, resp)
}

func (o *oneShotConsumer) Finished(resp *Responder) {
	if o.terminated {
		return
	}
	o.terminated = true
	o.inner.Finished(resp)
}

func (o *oneShotConsumer) HandleError(cause error) {
	if o.terminated {
		return
	}
	o.terminated = true
	o.inner.HandleError(cause)
}
