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
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"sort"
	"strconv"
)

// ParamSource is where a ParamSpec's raw value comes from.
type ParamSource int

const (
	SourcePath ParamSource = iota
	SourceQuery
	SourceHeader
)

// ParamKind is the coercion target for a bound parameter value.
type ParamKind int

const (
	// KindStringParam is a textual scalar.
	KindStringParam ParamKind = iota
	// KindIntParam is an integer scalar (int64).
	KindIntParam
	// KindStringList is an ordered collection of strings.
	KindStringList
	// KindIntList is an ordered collection of integers.
	KindIntList
	// KindSortedStrings is a sorted, deduplicated collection of strings.
	KindSortedStrings
	// KindSortedInts is a sorted, deduplicated collection of integers.
	KindSortedInts
	// KindRawList is an untyped list: the raw values, uncoerced.
	KindRawList
)

// ParamSpec declares one handler parameter: where it comes from, what name
// identifies it in that source, what Go-level shape it coerces to, and an
// optional default (always textual; wrapped in a singleton list for
// collection targets before coercion).
type ParamSpec struct {
	Source    ParamSource
	Name      string
	Kind      ParamKind
	Default   *string
	Sensitive bool
}

// Redact marks this parameter as sensitive. NewSanitizerFromParams uses the
// flag to build a resource's access-log redaction set straight from its own
// Param(...) declarations, instead of a hand-maintained list of names that
// can drift out of sync with the resource's actual parameters.
func (p ParamSpec) Redact() ParamSpec {
	p.Sensitive = true
	return p
}

// PathParam declares a required path-capture parameter. Path parameters
// never take a default: a missing capture is a registration bug, not a
// request-time condition (spec §4.2).
func PathParam(name string, kind ParamKind) ParamSpec {
	return ParamSpec{Source: SourcePath, Name: name, Kind: kind}
}

// QueryParam declares a query-string parameter with an optional default.
func QueryParam(name string, kind ParamKind, def *string) ParamSpec {
	return ParamSpec{Source: SourceQuery, Name: name, Kind: kind, Default: def}
}

// HeaderParam declares a header parameter with an optional default.
func HeaderParam(name string, kind ParamKind, def *string) ParamSpec {
	return ParamSpec{Source: SourceHeader, Name: name, Kind: kind, Default: def}
}

// BoundParams is the ordered argument vector produced by binding a
// request's path groups, query string, and headers against a resource's
// ParamSpec list. Index i of BoundParams corresponds to spec[i].
type BoundParams []any

// String returns the i'th bound value as a string. Panics if it is not one
// (a programming error: the caller must match ParamSpec.Kind).
func (b BoundParams) String(i int) string { return b[i].(string) }

// Int returns the i'th bound value as an int64.
func (b BoundParams) Int(i int) int64 { return b[i].(int64) }

// Strings returns the i'th bound value as an ordered []string.
func (b BoundParams) Strings(i int) []string { return b[i].([]string) }

// Ints returns the i'th bound value as an ordered []int64.
func (b BoundParams) Ints(i int) []int64 { return b[i].([]int64) }

// bindResource resolves every ParamSpec for a matched resource against the
// request's captured path groups, query string, and headers, returning an
// argument vector in spec order. The first failure is returned as a
// *StatusError (BadRequest for coercion failures, InternalServerError for a
// missing required path capture).
func bindResource(specs []ParamSpec, groups map[string]string, query url.Values, header map[string][]string) (BoundParams, error) {
	out := make(BoundParams, len(specs))
	for i, spec := range specs {
		v, err := bindOne(spec, groups, query, header)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func bindOne(spec ParamSpec, groups map[string]string, query url.Values, header map[string][]string) (any, error) {
	switch spec.Source {
	case SourcePath:
		raw, ok := groups[spec.Name]
		if !ok {
			return nil, ErrInternal(fmt.Sprintf("missing path capture %q: registration/route mismatch", spec.Name), nil)
		}
		decoded, err := url.PathUnescape(raw)
		if err != nil {
			return nil, ErrBadRequest(fmt.Sprintf("path capture %q is not valid percent-encoding", spec.Name), err)
		}
		return coerceScalar(spec, decoded)
	case SourceQuery:
		vals := query[spec.Name]
		return coerceWithDefault(spec, vals)
	case SourceHeader:
		vals := header[http.CanonicalHeaderKey(spec.Name)]
		if vals == nil {
			vals = header[spec.Name]
		}
		return coerceWithDefault(spec, vals)
	default:
		return nil, ErrInternal("unknown parameter source", nil)
	}
}

func coerceWithDefault(spec ParamSpec, vals []string) (any, error) {
	if len(vals) == 0 {
		return defaultValue(spec)
	}
	return coerceMulti(spec, vals)
}

// defaultValue implements the "absent" semantics of spec §4.2: an explicit
// default always wins; absent a default, scalars bind their neutral value
// (empty string / numeric zero) and collections bind empty.
func defaultValue(spec ParamSpec) (any, error) {
	if spec.Default != nil {
		return coerceMulti(spec, []string{*spec.Default})
	}
	switch spec.Kind {
	case KindStringParam:
		return "", nil
	case KindIntParam:
		return int64(0), nil
	case KindStringList, KindRawList:
		return []string{}, nil
	case KindIntList:
		return []int64{}, nil
	case KindSortedStrings:
		return []string{}, nil
	case KindSortedInts:
		return []int64{}, nil
	default:
		return nil, ErrInternal("unknown parameter kind", nil)
	}
}

func coerceScalar(spec ParamSpec, raw string) (any, error) {
	switch spec.Kind {
	case KindStringParam:
		return raw, nil
	case KindIntParam:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, ErrBadRequest(fmt.Sprintf("parameter %q is not an integer: %q", spec.Name, raw), err)
		}
		return n, nil
	default:
		return nil, ErrInternal(fmt.Sprintf("parameter %q: scalar coercion requested for a collection kind", spec.Name), nil)
	}
}

func coerceMulti(spec ParamSpec, raw []string) (any, error) {
	switch spec.Kind {
	case KindStringParam, KindIntParam:
		if len(raw) == 0 {
			return defaultValue(ParamSpec{Kind: spec.Kind})
		}
		return coerceScalar(spec, raw[0])
	case KindStringList, KindRawList:
		out := make([]string, len(raw))
		copy(out, raw)
		return out, nil
	case KindIntList:
		out := make([]int64, len(raw))
		for i, r := range raw {
			n, err := strconv.ParseInt(r, 10, 64)
			if err != nil {
				return nil, ErrBadRequest(fmt.Sprintf("parameter %q element %q is not an integer", spec.Name, r), err)
			}
			out[i] = n
		}
		return out, nil
	case KindSortedStrings:
		dedup := make(map[string]struct{}, len(raw))
		for _, r := range raw {
			dedup[r] = struct{}{}
		}
		out := make([]string, 0, len(dedup))
		for k := range dedup {
			out = append(out, k)
		}
		sort.Strings(out)
		return out, nil
	case KindSortedInts:
		dedup := make(map[int64]struct{}, len(raw))
		for _, r := range raw {
			n, err := strconv.ParseInt(r, 10, 64)
			if err != nil {
				return nil, ErrBadRequest(fmt.Sprintf("parameter %q element %q is not an integer", spec.Name, r), err)
			}
			dedup[n] = struct{}{}
		}
		out := make([]int64, 0, len(dedup))
		for k := range dedup {
			out = append(out, k)
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return out, nil
	default:
		return nil, ErrInternal("unknown parameter kind", nil)
	}
}

// BindQuery binds URL query parameters into a struct using `query` struct
// tags. The destination must be a pointer to a struct. This is a separate,
// reflection-based convenience for handlers that prefer a struct over
// BoundParams; it does not participate in resource registration.
func (r *Request) BindQuery(dst any) error {
	return bindValues(r.raw.URL.Query(), dst, "query")
}

// BindForm parses the request form and binds values into a struct using
// `form` struct tags. The destination must be a pointer to a struct.
func (r *Request) BindForm(dst any) error {
	if err := r.raw.ParseForm(); err != nil {
		return err
	}
	return bindValues(r.raw.Form, dst, "form")
}

func bindValues(vals url.Values, dst any, tagKey string) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return errors.New("waypoint: bind destination must be a non-nil pointer to a struct")
	}
	rv = rv.Elem()
	if rv.Kind() != reflect.Struct {
		return errors.New("waypoint: bind destination must be a pointer to a struct")
	}

	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		tag := field.Tag.Get(tagKey)
		if tag == "" || tag == "-" {
			continue
		}
		val := vals.Get(tag)
		if val == "" {
			continue
		}
		if err := setField(rv.Field(i), val); err != nil {
			return fmt.Errorf("waypoint: field %s: %w", field.Name, err)
		}
	}
	return nil
}

func setField(fv reflect.Value, val string) error {
	if !fv.CanSet() {
		return nil
	}
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(val)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return err
		}
		fv.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	}
	return nil
}
