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

import (
	"bytes"
	"io"
)

// defaultChunkMemoryLimit is used when a Builder leaves SetHttpChunkLimit
// unset (10 MiB).
const defaultChunkMemoryLimit int64 = 10 << 20

// aggregate reads body fully into memory, capped at limit bytes. A body of
// exactly limit bytes succeeds; one byte more fails with ErrOverLimit, per
// spec §8's boundary behavior. limit <= 0 means unlimited.
func aggregate(body io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(body)
	}
	var buf bytes.Buffer
	// Read one byte beyond the limit so an exactly-at-limit body doesn't
	// look like an over-limit one: a plain io.LimitReader(body, limit)
	// would silently truncate an over-limit body instead of signaling it.
	limited := io.LimitReader(body, limit+1)
	n, err := buf.ReadFrom(limited)
	if err != nil {
		return nil, err
	}
	if n > limit {
		return nil, ErrOverLimit(limit)
	}
	return buf.Bytes(), nil
}
