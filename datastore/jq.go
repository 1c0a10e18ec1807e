package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	"github.com/itchyny/gojq"
)

// jqCompiledQuery wraps a parsed gojq program. Execute collapses the
// iterator: zero results become nil, one result is returned bare, and
// multiple results come back as a slice.
type jqCompiledQuery struct {
	query    *gojq.Query
	original string
}

func (c *jqCompiledQuery) Execute(input any) (any, error) {
	iter := c.query.Run(input)

	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			return nil, err
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (c *jqCompiledQuery) String() string {
	return c.original
}

type jqQueryCache struct {
	cache map[string]*jqCompiledQuery
	mu    sync.RWMutex
}

func newJQQueryCache() *jqQueryCache {
	return &jqQueryCache{
		cache: make(map[string]*jqCompiledQuery),
	}
}

func (c *jqQueryCache) get(query string) (*jqCompiledQuery, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	compiled, exists := c.cache[query]
	return compiled, exists
}

func (c *jqQueryCache) set(query string, compiled *jqCompiledQuery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[query] = compiled
}

// JQResult pairs a key with the jq output computed from its value.
type JQResult struct {
	Key   ds.Key `json:"key"`
	Value any    `json:"value"`
}

// JQQueryOptions controls a streaming jq query. A nil options value
// means "all keys, 30 second timeout".
type JQQueryOptions struct {
	Prefix           ds.Key
	KeysOnly         bool
	Limit            int
	Timeout          time.Duration
	TreatAsString    bool // feed raw values to jq as strings instead of parsed JSON
	IgnoreParseError bool // skip values that fail to parse or evaluate
}

func (s *storage) compileJQ(jqQuery string) (*jqCompiledQuery, error) {
	if cached, exists := s.jqCache.get(jqQuery); exists {
		return cached, nil
	}
	parsed, err := gojq.Parse(jqQuery)
	if err != nil {
		return nil, fmt.Errorf("parsing jq query: %w", err)
	}
	compiled := &jqCompiledQuery{
		query:    parsed,
		original: jqQuery,
	}
	s.jqCache.set(jqQuery, compiled)
	return compiled, nil
}

// QueryJQSingle evaluates a jq expression against the value stored at
// key. Values that are not valid JSON are fed to jq as plain strings.
func (s *storage) QueryJQSingle(ctx context.Context, key ds.Key, jqQuery string) (any, error) {
	value, err := s.Datastore.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reading key %s: %w", key.String(), err)
	}

	compiled, err := s.compileJQ(jqQuery)
	if err != nil {
		return nil, err
	}

	var input any
	if err := json.Unmarshal(value, &input); err != nil {
		input = string(value)
	}

	return compiled.Execute(input)
}

// QueryJQ evaluates a jq expression against every value under the
// configured prefix and streams the results.
func (s *storage) QueryJQ(ctx context.Context, jqQuery string, opts *JQQueryOptions) (<-chan JQResult, <-chan error, error) {
	compiled, err := s.compileJQ(jqQuery)
	if err != nil {
		return nil, nil, err
	}
	return s.queryJQCompiled(ctx, compiled, opts)
}

func (s *storage) queryJQCompiled(ctx context.Context, compiled *jqCompiledQuery, opts *JQQueryOptions) (<-chan JQResult, <-chan error, error) {
	if opts == nil {
		opts = &JQQueryOptions{
			Prefix:  ds.NewKey("/"),
			Timeout: 30 * time.Second,
		}
	}

	queryCtx := ctx
	cancel := context.CancelFunc(func() {})
	if opts.Timeout > 0 {
		queryCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}

	resultChan := make(chan JQResult)
	errorChan := make(chan error, 1)

	go func() {
		defer close(resultChan)
		defer close(errorChan)
		defer cancel()

		q := query.Query{
			Prefix:   opts.Prefix.String(),
			KeysOnly: opts.KeysOnly,
		}
		result, err := s.Datastore.Query(queryCtx, q)
		if err != nil {
			errorChan <- fmt.Errorf("running base query: %w", err)
			return
		}
		defer result.Close()

		count := 0
		for {
			select {
			case <-queryCtx.Done():
				errorChan <- queryCtx.Err()
				return
			case res, ok := <-result.Next():
				if !ok {
					return
				}
				if res.Error != nil {
					errorChan <- res.Error
					return
				}
				if opts.Limit > 0 && count >= opts.Limit {
					return
				}

				key := ds.NewKey(res.Key)

				if opts.KeysOnly {
					select {
					case resultChan <- JQResult{Key: key}:
						count++
					case <-queryCtx.Done():
						return
					}
					continue
				}

				var input any
				if opts.TreatAsString {
					input = string(res.Value)
				} else if err := json.Unmarshal(res.Value, &input); err != nil {
					if !opts.IgnoreParseError {
						errorChan <- fmt.Errorf("parsing JSON for key %s: %w", key.String(), err)
						return
					}
					input = string(res.Value)
				}

				out, err := compiled.Execute(input)
				if err != nil {
					if opts.IgnoreParseError {
						continue
					}
					errorChan <- fmt.Errorf("evaluating jq for key %s: %w", key.String(), err)
					return
				}

				select {
				case resultChan <- JQResult{Key: key, Value: out}:
					count++
				case <-queryCtx.Done():
					return
				}
			}
		}
	}()

	return resultChan, errorChan, nil
}
