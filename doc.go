// Package tapak is a session-aware client for JSON APIs that answer with a
// {code, message, data} envelope. It layers these around a pluggable Transport:
//
//   - A throttle gate spacing the start of every send (golang.org/x/time/rate)
//   - De-duplication of identical concurrent requests into one in-flight call
//   - Transparent session refresh on 401, at most once per request, shared
//     by every request that discovers the expiry at the same time
//   - Rate-limit recovery with bounded, context-aware backoff
//   - One normalized Result per call: success data or a typed *ClientError
//
// Sessions persist through a KeyValueStore (see the store package for the
// in-memory, BoltDB and Redis backends); loading and session-expired signals
// go to a Notifier (see the notify package).
//
// Typical usage:
//
//	client := tapak.New(
//	    tapak.WithBaseURL("https://api.example.com/api/v1"),
//	    tapak.WithKeyValueStore(store.NewMemory()),
//	    tapak.WithMetrics(),
//	)
//	api := tapak.NewAPI(client)
//	if res := api.Login(ctx, tapak.LoginRequest{Username: "u", Password: "p"}); !res.OK {
//	    return res.AsError()
//	}
//	res := client.Get(ctx, "/user/profile")
//	profile, err := tapak.DecodeData[Profile](res)
//
// Raw HTTP status codes never reach callers; branch on Result.Kind or use
// errors.Is with the Err* sentinels.
package tapak
