// Copyright 2025 James Ross
package capability

import (
	"context"
	"encoding/json"

	"github.com/dop251/goja"
)

// FetchClient is the narrow surface InjectFetch needs from
// internal/fetchguard, so this package does not need to import it directly
// and tests can supply a fake.
type FetchClient interface {
	Do(ctx context.Context, method, url string, headers map[string]string, body []byte) (*FetchResult, error)
}

// FetchResult mirrors fetchguard.Result without importing that package,
// keeping the capability layer decoupled from the SSRF implementation.
type FetchResult struct {
	URL    string
	Method string
	OK     bool
	Status int
	Body   []byte
}

// InjectFetch installs the synchronous fetch(url, options) global. Every
// call is bounded by the underlying client's own timeouts, since the VM
// watchdog cannot interrupt a blocking host call.
func InjectFetch(vm *goja.Runtime, client FetchClient) error {
	return vm.Set("fetch", func(call goja.FunctionCall) goja.Value {
		rawURL := call.Argument(0).String()
		method := "GET"
		var headers map[string]string
		var body []byte

		if opts, ok := call.Argument(1).(*goja.Object); ok {
			if m := opts.Get("method"); m != nil && !goja.IsUndefined(m) {
				method = m.String()
			}
			if h := opts.Get("headers"); h != nil && !goja.IsUndefined(h) {
				if hm, ok := h.Export().(map[string]interface{}); ok {
					headers = make(map[string]string, len(hm))
					for k, v := range hm {
						if s, ok := v.(string); ok {
							headers[k] = s
						}
					}
				}
			}
			if b := opts.Get("body"); b != nil && !goja.IsUndefined(b) {
				body = []byte(b.String())
			}
		}

		res, err := client.Do(context.Background(), method, rawURL, headers, body)
		if err != nil {
			panic(vm.NewGoError(err))
		}

		result := vm.NewObject()
		_ = result.Set("url", res.URL)
		_ = result.Set("method", res.Method)
		_ = result.Set("ok", res.OK)
		_ = result.Set("status", res.Status)
		_ = result.Set("text", func(goja.FunctionCall) goja.Value {
			return vm.ToValue(string(res.Body))
		})
		_ = result.Set("json", func(goja.FunctionCall) goja.Value {
			var v interface{}
			if err := json.Unmarshal(res.Body, &v); err != nil {
				panic(vm.NewGoError(err))
			}
			return vm.ToValue(v)
		})
		return result
	})
}
